// Package summary implements the Summary Worker (spec §4.E): it consumes
// pr-summary jobs, fetches PR content through the Credential Broker, runs
// the deterministic analyzer, calls the generative model, and decides
// whether the result warrants a chat notification.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kmanoj03/repopulse/internal/queue"
	"github.com/kmanoj03/repopulse/internal/telemetry"
	"github.com/kmanoj03/repopulse/pkg/analyzer"
	"github.com/kmanoj03/repopulse/pkg/broker"
	"github.com/kmanoj03/repopulse/pkg/genmodel"
	"github.com/kmanoj03/repopulse/pkg/notify"
	"github.com/kmanoj03/repopulse/pkg/store"
)

const (
	queuePRNotifyChat = "pr-notify-chat"
	jobRegenerate     = "regenerate"
	maxFetchedFiles   = 100
	defaultRiskThresh = 60
)

// PRFetcher is the subset of the installation-scoped client the worker
// needs (spec §4.E step 4: "fetch PR metadata and file list in parallel").
type PRFetcher interface {
	GetPR(ctx context.Context, ref broker.PRRef) (broker.PRMetadata, error)
	ListPRFiles(ctx context.Context, ref broker.PRRef) ([]broker.PRFile, error)
}

// Summarizer is the subset of pkg/genmodel.Client the worker needs.
type Summarizer interface {
	Summarize(ctx context.Context, req genmodel.Request) (genmodel.Response, error)
}

// prStore is the subset of pkg/store.Store the worker needs.
type prStore interface {
	GetPRByID(ctx context.Context, id string) (store.PullRequest, error)
	SaveAnalysis(ctx context.Context, id string, labels, flags []string, score int, diff store.DiffStats) error
	SaveSummarySuccess(ctx context.Context, id string, summary store.Summary) error
	SaveSummaryFailure(ctx context.Context, id string, message string) error
}

// Worker processes pr-summary jobs.
type Worker struct {
	store         prStore
	client        PRFetcher
	model         Summarizer
	queue         *queue.Queue
	chatEnabled   bool
	riskThreshold int
	frontendURL   string
	logger        *slog.Logger
}

// Config bundles the notification-policy knobs the worker needs, read
// from the application config (spec §4.E step 7).
type Config struct {
	ChatEnabled   bool
	RiskThreshold int
	FrontendURL   string
}

// NewWorker builds a Summary Worker.
func NewWorker(st prStore, client PRFetcher, model Summarizer, q *queue.Queue, cfg Config, logger *slog.Logger) *Worker {
	threshold := cfg.RiskThreshold
	if threshold == 0 {
		threshold = defaultRiskThresh
	}
	return &Worker{
		store:         st,
		client:        client,
		model:         model,
		queue:         q,
		chatEnabled:   cfg.ChatEnabled,
		riskThreshold: threshold,
		frontendURL:   cfg.FrontendURL,
		logger:        logger,
	}
}

type jobPayload struct {
	PullRequestID  string `json:"pullRequestId"`
	InstallationID int64  `json:"installationId"`
	RepoFullName   string `json:"repoFullName"`
	Number         int    `json:"number"`
}

// Handle implements internal/queue.Handler for the pr-summary queue.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var payload jobPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return fmt.Errorf("decoding pr-summary payload: %w", err)
	}

	// Step 1: load the PR, non-retryable if it no longer exists.
	pr, err := w.store.GetPRByID(ctx, payload.PullRequestID)
	if err != nil {
		w.logger.Warn("summary worker: pull request not found", "pull_request_id", payload.PullRequestID, "error", err)
		return err
	}

	// Step 2-3: dedup against webhook double-enqueue.
	wasReady := pr.SummaryStatus == store.SummaryStatusReady
	if wasReady && pr.Summary != nil && job.Name != jobRegenerate {
		return nil
	}

	ref := broker.PRRef{InstallationID: payload.InstallationID, RepoFullName: payload.RepoFullName, Number: payload.Number}

	// Step 4: fetch metadata + files via the Broker. Upstream 5xx
	// surfaces as a retryable error (errs.UpstreamTransient); anything
	// else is treated as non-retryable by internal/queue's classifier.
	meta, metaErr := w.client.GetPR(ctx, ref)
	files, filesErr := w.client.ListPRFiles(ctx, ref)
	if metaErr != nil {
		return fmt.Errorf("fetching pr metadata: %w", metaErr)
	}
	if filesErr != nil {
		return fmt.Errorf("fetching pr files: %w", filesErr)
	}
	if len(files) > maxFetchedFiles {
		files = files[:maxFetchedFiles]
	}

	analyzerInput := make([]store.FileChange, 0, len(files))
	for _, f := range files {
		analyzerInput = append(analyzerInput, store.FileChange{Filename: f.Filename, Additions: f.Additions, Deletions: f.Deletions, Patch: f.Patch})
	}

	// Step 5: run the analyzer and persist its output regardless of
	// whether the model call below succeeds.
	result := analyzer.Analyze(analyzerInput)
	if err := w.store.SaveAnalysis(ctx, pr.ID, result.SystemLabels, result.RiskFlags, result.RiskScore, result.DiffStats); err != nil {
		return fmt.Errorf("saving analysis: %w", err)
	}
	w.logger.Info("summary worker: analysis complete",
		"pull_request_id", pr.ID, "system_labels", result.SystemLabels, "risk_flags", result.RiskFlags, "risk_score", result.RiskScore)

	// Step 6: call the generative model. Failure here is non-retryable
	// from the job's point of view: the PR is marked error and the job
	// completes successfully.
	modelReq := buildModelRequest(meta, payload, analyzerInput, result)
	resp, modelErr := w.model.Summarize(ctx, modelReq)
	if modelErr != nil {
		message := modelErr.Error()
		if len(message) > genmodel.MaxSummaryErrorLen {
			message = message[:genmodel.MaxSummaryErrorLen]
		}
		if err := w.store.SaveSummaryFailure(ctx, pr.ID, message); err != nil {
			return fmt.Errorf("saving summary failure: %w", err)
		}
		telemetry.SummaryJobsTotal.WithLabelValues("error").Inc()
	} else {
		summary := store.Summary{TLDR: resp.TLDR, Risks: resp.Risks, Labels: resp.Labels, CreatedAt: time.Now()}
		if err := w.store.SaveSummarySuccess(ctx, pr.ID, summary); err != nil {
			return fmt.Errorf("saving summary success: %w", err)
		}
		telemetry.SummaryJobsTotal.WithLabelValues("ready").Inc()
	}

	// Step 7: reload and decide whether to notify chat.
	reloaded, err := w.store.GetPRByID(ctx, pr.ID)
	if err != nil {
		return fmt.Errorf("reloading pull request: %w", err)
	}

	becameReadyNow := !wasReady && reloaded.SummaryStatus == store.SummaryStatusReady
	highRisk := reloaded.RiskScore >= w.riskThreshold
	secretsSuspected := contains(reloaded.RiskFlags, "secrets-suspected")
	shouldNotify := w.chatEnabled && (becameReadyNow || highRisk || secretsSuspected)

	if shouldNotify {
		if err := w.enqueueNotification(ctx, reloaded, meta); err != nil {
			w.logger.Error("summary worker: enqueueing notification failed", "pull_request_id", reloaded.ID, "error", err)
		}
	}

	return nil
}

func (w *Worker) enqueueNotification(ctx context.Context, pr store.PullRequest, meta broker.PRMetadata) error {
	var tldr string
	if pr.Summary != nil {
		tldr = pr.Summary.TLDR
	}

	payload := notify.Payload{
		PullRequestID: pr.ID,
		RepoFullName:  pr.RepoFullName,
		Number:        pr.Number,
		Title:         pr.Title,
		Author:        pr.Author,
		TLDR:          tldr,
		RiskScore:     pr.RiskScore,
		MainRiskFlags: pr.RiskFlags,
		SystemLabels:  pr.SystemLabels,
		HTMLURL:       meta.HTMLURL,
		DashboardURL:  dashboardURL(w.frontendURL, pr.ID),
	}

	_, err := w.queue.Enqueue(ctx, queuePRNotifyChat, "notify", payload)
	return err
}

func dashboardURL(base, prID string) string {
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/prs/%s", base, prID)
}

func buildModelRequest(meta broker.PRMetadata, payload jobPayload, files []store.FileChange, result analyzer.Result) genmodel.Request {
	fileSummaries := make([]genmodel.FileSummary, 0, len(files))
	for _, f := range files {
		fileSummaries = append(fileSummaries, genmodel.FileSummary{Filename: f.Filename, Additions: f.Additions, Deletions: f.Deletions})
	}

	patches := make([]genmodel.PatchSnippet, 0, len(files))
	for _, f := range files {
		if f.Patch == "" {
			continue
		}
		patches = append(patches, genmodel.PatchSnippet{Filename: f.Filename, Patch: f.Patch})
	}

	return genmodel.Request{
		RepoFullName: payload.RepoFullName,
		Number:       payload.Number,
		Title:        meta.Title,
		Author:       meta.Author,
		Files:        fileSummaries,
		Patches:      patches,
		Analysis: genmodel.Analysis{
			SystemLabels: result.SystemLabels,
			RiskFlags:    result.RiskFlags,
			RiskScore:    result.RiskScore,
		},
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
