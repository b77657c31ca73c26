// Package genmodel wraps the generative-model call the Summary Worker
// makes for each pull request (spec §4.E step 6): given the PR header,
// file summaries, patch snippets, and the deterministic analysis, produce
// a structured {tldr, risks[], labels[]} response.
//
// No example repo in the retrieval pack has a grounded call site for
// anthropic-sdk-go (it appears only in a dependency list), so this client
// is written directly against the SDK's documented tool-call pattern for
// forcing structured JSON output, the same technique used for every other
// "build a JSON schema request" integration in this codebase.
package genmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kmanoj03/repopulse/internal/errs"
)

// MaxSummaryErrorLen is the cap on a persisted summaryError message
// (spec §3: "summaryError: string (≤500 chars)").
const MaxSummaryErrorLen = 500

// FileSummary is one changed file as presented to the model (spec §4.E
// step 6: "up to 20 file summaries (filename + additions + deletions)").
type FileSummary struct {
	Filename  string
	Additions int
	Deletions int
}

// PatchSnippet is a truncated patch body (spec §4.E step 6: "up to 5 patch
// snippets truncated to 1 000 characters each").
type PatchSnippet struct {
	Filename string
	Patch    string
}

// Analysis is the deterministic analyzer output, passed to the model as
// ground truth (spec §4.E step 6).
type Analysis struct {
	SystemLabels []string
	RiskFlags    []string
	RiskScore    int
}

// Request is the Summary Worker's input to the generative model.
type Request struct {
	RepoFullName string
	Number       int
	Title        string
	Author       string
	Files        []FileSummary
	Patches      []PatchSnippet
	Analysis     Analysis
}

// Response is the model's structured output (spec §4.E step 6).
type Response struct {
	TLDR   string   `json:"tldr"`
	Risks  []string `json:"risks"`
	Labels []string `json:"labels"`
}

const maxFiles = 20
const maxPatches = 5
const maxPatchLen = 1000

const summaryToolName = "submit_pr_summary"

// Client calls the generative model to produce a PR summary.
type Client struct {
	client *anthropic.Client
	model  string
}

// New creates a Client. apiKey and model come from GENMODEL_API_KEY and
// GENMODEL_MODEL; an empty apiKey means every summary call fails
// (spec §6: "absent ⇒ summary always errors").
func New(apiKey, model string) *Client {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &c, model: model}
}

// Summarize calls the model with a structured-JSON tool schema and
// returns the parsed result, or a wrapped errs.ModelFailure on any
// failure: network error, timeout, malformed JSON, or empty TL;DR
// (spec §4.E step 6, §7).
func (c *Client) Summarize(ctx context.Context, req Request) (Response, error) {
	if c.model == "" {
		return Response{}, fmt.Errorf("no model configured: %w", errs.ModelFailure)
	}

	ctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	prompt := buildPrompt(req)

	tool := anthropic.ToolParam{
		Name:        summaryToolName,
		Description: anthropic.String("Submit the structured pull request summary."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Type: "object",
			Properties: map[string]any{
				"tldr": map[string]any{
					"type":        "string",
					"description": "A one-to-three sentence natural-language summary of the change.",
				},
				"risks": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"labels": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			Required: []string{"tldr", "risks", "labels"},
		},
	}

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Tools: []anthropic.ToolUnionParam{
			{OfTool: &tool},
		},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: summaryToolName},
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("calling generative model: %w: %w", errs.ModelFailure, err)
	}

	for _, block := range message.Content {
		if block.Type != "tool_use" || block.Name != summaryToolName {
			continue
		}

		var out Response
		if err := json.Unmarshal(block.Input, &out); err != nil {
			return Response{}, fmt.Errorf("parsing model response: %w: %w", errs.ModelFailure, err)
		}
		if strings.TrimSpace(out.TLDR) == "" {
			return Response{}, fmt.Errorf("model returned empty tldr: %w", errs.ModelFailure)
		}
		return out, nil
	}

	return Response{}, fmt.Errorf("model did not return a %s tool call: %w", summaryToolName, errs.ModelFailure)
}

func buildPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Pull request #%d in %s, titled %q, authored by %s.\n\n", req.Number, req.RepoFullName, req.Title, req.Author)

	b.WriteString("Deterministic analysis (treat as ground truth, do not contradict it):\n")
	fmt.Fprintf(&b, "- labels: %s\n", strings.Join(req.Analysis.SystemLabels, ", "))
	fmt.Fprintf(&b, "- risk flags: %s\n", strings.Join(req.Analysis.RiskFlags, ", "))
	fmt.Fprintf(&b, "- risk score: %d/100\n\n", req.Analysis.RiskScore)

	b.WriteString("Changed files:\n")
	files := req.Files
	if len(files) > maxFiles {
		files = files[:maxFiles]
	}
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (+%d/-%d)\n", f.Filename, f.Additions, f.Deletions)
	}

	patches := req.Patches
	if len(patches) > maxPatches {
		patches = patches[:maxPatches]
	}
	if len(patches) > 0 {
		b.WriteString("\nPatch excerpts:\n")
		for _, p := range patches {
			patch := p.Patch
			if len(patch) > maxPatchLen {
				patch = patch[:maxPatchLen]
			}
			fmt.Fprintf(&b, "--- %s ---\n%s\n", p.Filename, patch)
		}
	}

	b.WriteString("\nProduce a TL;DR, a list of notable risks, and a list of labels for this change.")
	return b.String()
}
