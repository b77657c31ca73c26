package notify

import (
	"fmt"
	"strings"

	goslack "github.com/slack-go/slack"
)

// Payload is the self-contained notification record the Summary Worker
// enqueues onto pr-notify-chat (spec §4.F).
type Payload struct {
	PullRequestID string
	RepoFullName  string
	Number        int
	Title         string
	Author        string
	TLDR          string
	RiskScore     int
	MainRiskFlags []string
	SystemLabels  []string
	HTMLURL       string
	DashboardURL  string
}

// riskEmoji returns the risk-score indicator (spec §4.F step 2: "red ≥70,
// yellow ≥40, green otherwise").
func riskEmoji(score int) string {
	switch {
	case score >= 70:
		return "🔴"
	case score >= 40:
		return "🟡"
	default:
		return "🟢"
	}
}

// buildBlocks renders the Block Kit payload for a PR notification
// (spec §4.F step 2): header, context, divider, risk score, TL;DR, labels,
// action buttons.
func buildBlocks(p Payload) ([]goslack.Block, string) {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, fmt.Sprintf("PR #%d · %s", p.Number, p.Title), true, false),
	)

	context := goslack.NewContextBlock("",
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*%s* opened by *%s*", p.RepoFullName, p.Author), false, false),
	)

	divider := goslack.NewDividerBlock()

	flags := "none"
	if len(p.MainRiskFlags) > 0 {
		flags = strings.Join(p.MainRiskFlags, ", ")
	}
	riskSection := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Risk Score:* %s %d/100\n*Risk Flags:* %s", riskEmoji(p.RiskScore), p.RiskScore, flags),
			false, false,
		),
		nil, nil,
	)

	tldr := p.TLDR
	if tldr == "" {
		tldr = "_No summary available._"
	}
	tldrSection := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, tldr, false, false),
		nil, nil,
	)

	var labelsContext goslack.Block
	if len(p.SystemLabels) > 0 {
		labelsContext = goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("Labels: %s", strings.Join(p.SystemLabels, ", ")), false, false),
		)
	}

	viewBtn := goslack.NewButtonBlockElement("view_on_github", p.PullRequestID,
		goslack.NewTextBlockObject(goslack.PlainTextType, "View on GitHub", true, false))
	viewBtn.URL = p.HTMLURL

	actionElements := []goslack.BlockElement{viewBtn}
	if p.DashboardURL != "" {
		dashBtn := goslack.NewButtonBlockElement("open_in_dashboard", p.PullRequestID,
			goslack.NewTextBlockObject(goslack.PlainTextType, "Open in Dashboard", true, false))
		dashBtn.URL = p.DashboardURL
		actionElements = append(actionElements, dashBtn)
	}
	actions := goslack.NewActionBlock("pr_notification_actions", actionElements...)

	blocks := []goslack.Block{header, context, divider, riskSection, tldrSection}
	if labelsContext != nil {
		blocks = append(blocks, labelsContext)
	}
	blocks = append(blocks, actions)

	fallbackText := fmt.Sprintf("PR #%d: %s", p.Number, p.Title)
	return blocks, fallbackText
}
