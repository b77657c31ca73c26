// Package webhook implements the Webhook Receiver (spec §4.G): verifies
// the inbound signature against the raw body, dispatches on event+action,
// upserts pull request / installation state, and enqueues summary jobs.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kmanoj03/repopulse/internal/errs"
	"github.com/kmanoj03/repopulse/internal/httpserver"
	"github.com/kmanoj03/repopulse/internal/queue"
	"github.com/kmanoj03/repopulse/internal/telemetry"
	"github.com/kmanoj03/repopulse/pkg/broker"
	"github.com/kmanoj03/repopulse/pkg/installsync"
	"github.com/kmanoj03/repopulse/pkg/store"
)

const (
	queuePRSummary = "pr-summary"

	jobGenerate = "generate"
)

// PRFilesFetcher is the subset of the installation-scoped client the
// receiver needs for best-effort file fetch and user-attribution lookups
// (spec §4.G pull_request.opened).
type PRFilesFetcher interface {
	ListPRFiles(ctx context.Context, ref broker.PRRef) ([]broker.PRFile, error)
	ListOrgMembers(ctx context.Context, installationID int64, org string) ([]string, error)
}

// OrgSyncer is the subset of pkg/installsync.Syncer the receiver needs.
type OrgSyncer interface {
	SyncOrganization(ctx context.Context, inst store.Installation) (installsync.Result, error)
}

// prStore is the subset of pkg/store.Store the receiver needs, narrowed
// to an interface so tests can exercise dispatch logic against a fake.
type prStore interface {
	UpsertInstallation(ctx context.Context, inst store.Installation) (store.Installation, error)
	MarkInstallationSuspended(ctx context.Context, installationID int64) error
	AddRepositories(ctx context.Context, installationID int64, repos []store.Repository) error
	RemoveRepositories(ctx context.Context, installationID int64, repoIDs []string) error
	FindUserByUsername(ctx context.Context, username string) (store.User, error)
	AddInstallationToUser(ctx context.Context, userID string, installationID int64) error
	UpsertPR(ctx context.Context, in store.UpsertPRInput) (store.PullRequest, bool, error)
	GetPRByRepoAndNumber(ctx context.Context, installationID int64, repoID string, number int) (store.PullRequest, error)
	SetPRStatus(ctx context.Context, id string, status store.PRStatus) error
	ReopenPR(ctx context.Context, id string) error
}

// Handler is the HTTP handler for platform webhooks.
type Handler struct {
	store  prStore
	queue  *queue.Queue
	client PRFilesFetcher
	sync   OrgSyncer
	secret string
	logger *slog.Logger
}

// NewHandler builds a webhook Handler. An empty secret puts the receiver
// into development mode: signatures are not verified (spec §4.G step 1).
func NewHandler(st prStore, q *queue.Queue, client PRFilesFetcher, sync OrgSyncer, secret string, logger *slog.Logger) *Handler {
	return &Handler{store: st, queue: q, client: client, sync: sync, secret: secret, logger: logger}
}

// Routes mounts the webhook endpoint (spec §6: "POST /webhooks/platform").
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/platform", h.handle)
	return r
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "could not read request body")
		return
	}

	if h.secret == "" {
		h.logger.Warn("webhook secret not configured, accepting unverified payload (development mode only)")
	} else {
		sig := r.Header.Get(signatureHeader)
		if !verifySignature(h.secret, body, sig) {
			telemetry.WebhooksReceivedTotal.WithLabelValues(r.Header.Get("X-Event-Name"), "signature_invalid").Inc()
			httpserver.RespondError(w, http.StatusUnauthorized, "signature_invalid", errs.SignatureInvalid.Error())
			return
		}
	}

	event := r.Header.Get("X-Event-Name")
	deliveryID := r.Header.Get("X-Delivery-Id")

	env, err := parseEnvelope(body)
	if err != nil {
		httpserver.RespondError(w, http.StatusOK, "ignored", "could not parse payload")
		return
	}

	if event == "ping" {
		telemetry.WebhooksReceivedTotal.WithLabelValues(event, "ok").Inc()
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if err := h.dispatch(ctx, event, env); err != nil {
		h.logger.Error("webhook handling failed", "event", event, "action", env.Action, "delivery_id", deliveryID, "error", err)
		telemetry.WebhooksReceivedTotal.WithLabelValues(event, "error").Inc()
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to process webhook")
		return
	}

	telemetry.WebhooksReceivedTotal.WithLabelValues(event, "ok").Inc()
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) dispatch(ctx context.Context, event string, env envelope) error {
	switch event {
	case "installation":
		return h.handleInstallation(ctx, env)
	case "installation_repositories":
		return h.handleInstallationRepositories(ctx, env)
	case "pull_request":
		return h.handlePullRequest(ctx, env)
	default:
		// Acknowledge without side effect (spec §4.G "other" row).
		return nil
	}
}

func (h *Handler) handleInstallation(ctx context.Context, env envelope) error {
	if env.Installation == nil {
		return fmt.Errorf("installation event missing installation field")
	}

	switch env.Action {
	case "created":
		repos := make([]store.Repository, 0, len(env.Repositories))
		for _, rp := range env.Repositories {
			repos = append(repos, store.Repository{
				RepoID:       fmt.Sprintf("%d", rp.ID),
				RepoFullName: rp.FullName,
				Private:      rp.Private,
			})
		}

		accountType := store.AccountTypeUser
		if env.Installation.Account.Type == "Organization" {
			accountType = store.AccountTypeOrganization
		}

		inst, err := h.store.UpsertInstallation(ctx, store.Installation{
			InstallationID:   env.Installation.ID,
			AccountType:      accountType,
			AccountLogin:     env.Installation.Account.Login,
			AccountAvatarURL: env.Installation.Account.AvatarURL,
			Repositories:     repos,
		})
		if err != nil {
			return fmt.Errorf("upserting installation: %w", err)
		}

		if accountType == store.AccountTypeOrganization {
			if h.sync != nil {
				if _, err := h.sync.SyncOrganization(ctx, inst); err != nil {
					h.logger.Warn("installation org member sync failed", "installation_id", inst.InstallationID, "error", err)
				}
			}
		} else {
			// Best-effort link by matching accountLogin against User.username.
			user, err := h.store.FindUserByUsername(ctx, inst.AccountLogin)
			if err == nil {
				if err := h.store.AddInstallationToUser(ctx, user.ID, inst.InstallationID); err != nil {
					h.logger.Warn("linking installation to user failed", "installation_id", inst.InstallationID, "error", err)
				}
			} else if !errors.Is(err, errs.NotFound) {
				h.logger.Warn("looking up user for installation link failed", "installation_id", inst.InstallationID, "error", err)
			}
		}
		return nil

	case "deleted":
		return h.store.MarkInstallationSuspended(ctx, env.Installation.ID)

	default:
		return nil
	}
}

func (h *Handler) handleInstallationRepositories(ctx context.Context, env envelope) error {
	if env.Installation == nil {
		return fmt.Errorf("installation_repositories event missing installation field")
	}

	switch env.Action {
	case "added":
		repos := make([]store.Repository, 0, len(env.Repositories))
		for _, rp := range env.Repositories {
			repos = append(repos, store.Repository{
				RepoID:       fmt.Sprintf("%d", rp.ID),
				RepoFullName: rp.FullName,
				Private:      rp.Private,
			})
		}
		return h.store.AddRepositories(ctx, env.Installation.ID, repos)

	case "removed":
		ids := make([]string, 0, len(env.Repositories))
		for _, rp := range env.Repositories {
			ids = append(ids, fmt.Sprintf("%d", rp.ID))
		}
		return h.store.RemoveRepositories(ctx, env.Installation.ID, ids)

	default:
		return nil
	}
}

func (h *Handler) handlePullRequest(ctx context.Context, env envelope) error {
	if env.Installation == nil || env.PullRequest == nil || env.Repository == nil {
		return fmt.Errorf("pull_request event missing required fields")
	}

	installationID := env.Installation.ID
	repoID := fmt.Sprintf("%d", env.Repository.ID)
	number := env.PullRequest.Number

	switch env.Action {
	case "opened":
		return h.handlePROpened(ctx, installationID, repoID, number, env)

	case "synchronize", "edited":
		return h.handlePRSyncOrEdit(ctx, installationID, repoID, number, env)

	case "closed":
		status := store.PRStatusClosed
		if env.PullRequest.Merged {
			status = store.PRStatusMerged
		}
		pr, err := h.store.GetPRByRepoAndNumber(ctx, installationID, repoID, number)
		if err != nil {
			if errors.Is(err, errs.NotFound) {
				return nil
			}
			return err
		}
		return h.store.SetPRStatus(ctx, pr.ID, status)

	case "reopened":
		pr, err := h.store.GetPRByRepoAndNumber(ctx, installationID, repoID, number)
		if err != nil {
			if errors.Is(err, errs.NotFound) {
				return nil
			}
			return err
		}
		if err := h.store.ReopenPR(ctx, pr.ID); err != nil {
			return err
		}
		return h.enqueueSummary(ctx, pr.ID, installationID, env.Repository.FullName, number, jobGenerate)

	default:
		return nil
	}
}

func (h *Handler) handlePROpened(ctx context.Context, installationID int64, repoID string, number int, env envelope) error {
	// Idempotent: if a PR with this (installationId, repoId, number)
	// already exists, return success without re-enqueuing (spec §4.G,
	// §8 invariant #2).
	if _, err := h.store.GetPRByRepoAndNumber(ctx, installationID, repoID, number); err == nil {
		return nil
	} else if !errors.Is(err, errs.NotFound) {
		return err
	}

	files := h.fetchFiles(ctx, installationID, env.Repository.FullName, number)
	var userID *string

	if user, err := h.store.FindUserByUsername(ctx, env.PullRequest.User.Login); err == nil {
		userID = &user.ID
	}

	pr, _, err := h.store.UpsertPR(ctx, store.UpsertPRInput{
		InstallationID: installationID,
		RepoID:         repoID,
		Number:         number,
		RepoFullName:   env.Repository.FullName,
		Title:          env.PullRequest.Title,
		Author:         env.PullRequest.User.Login,
		BranchFrom:     env.PullRequest.Head.Ref,
		BranchTo:       env.PullRequest.Base.Ref,
		Status:         store.PRStatusOpen,
		FilesChanged:   files,
		UserID:         userID,
	})
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}

	return h.enqueueSummary(ctx, pr.ID, installationID, env.Repository.FullName, number, jobGenerate)
}

func (h *Handler) handlePRSyncOrEdit(ctx context.Context, installationID int64, repoID string, number int, env envelope) error {
	status := store.PRStatusOpen
	switch env.PullRequest.State {
	case "closed":
		status = store.PRStatusClosed
		if env.PullRequest.Merged {
			status = store.PRStatusMerged
		}
	}

	// synchronize/edited must refresh filesChanged along with the other
	// mutable fields (spec §4.G), so re-fetch the current file list the
	// same best-effort way handlePROpened does.
	files := h.fetchFiles(ctx, installationID, env.Repository.FullName, number)

	pr, created, err := h.store.UpsertPR(ctx, store.UpsertPRInput{
		InstallationID: installationID,
		RepoID:         repoID,
		Number:         number,
		RepoFullName:   env.Repository.FullName,
		Title:          env.PullRequest.Title,
		Author:         env.PullRequest.User.Login,
		BranchFrom:     env.PullRequest.Head.Ref,
		BranchTo:       env.PullRequest.Base.Ref,
		Status:         status,
		FilesChanged:   files,
	})
	if err != nil {
		return fmt.Errorf("upserting pull request: %w", err)
	}

	if created || pr.SummaryStatus == store.SummaryStatusPending {
		return h.enqueueSummary(ctx, pr.ID, installationID, env.Repository.FullName, number, jobGenerate)
	}
	return nil
}

// fetchFiles best-effort fetches the current file list for a PR. A failed
// or absent fetch returns nil rather than failing the webhook; callers
// rely on pkg/store's upsert to preserve the prior file list when nil is
// passed back to it, so this never destroys data, only skips a refresh.
func (h *Handler) fetchFiles(ctx context.Context, installationID int64, repoFullName string, number int) []store.FileChange {
	if h.client == nil {
		return nil
	}

	ref := broker.PRRef{InstallationID: installationID, RepoFullName: repoFullName, Number: number}
	fetched, err := h.client.ListPRFiles(ctx, ref)
	if err != nil {
		h.logger.Warn("best-effort file fetch failed, leaving files unchanged", "repo", repoFullName, "number", number, "error", err)
		return nil
	}

	files := make([]store.FileChange, 0, len(fetched))
	for _, f := range fetched {
		files = append(files, store.FileChange{Filename: f.Filename, Additions: f.Additions, Deletions: f.Deletions, Patch: f.Patch})
	}
	return files
}

func (h *Handler) enqueueSummary(ctx context.Context, pullRequestID string, installationID int64, repoFullName string, number int, jobName string) error {
	_, err := h.queue.Enqueue(ctx, queuePRSummary, jobName, summaryJobPayload{
		PullRequestID:  pullRequestID,
		InstallationID: installationID,
		RepoFullName:   repoFullName,
		Number:         number,
	})
	if err != nil {
		h.logger.Error("enqueueing summary job failed", "pull_request_id", pullRequestID, "error", err)
		return err
	}
	return nil
}

// summaryJobPayload is the pr-summary queue payload (spec §4.C).
type summaryJobPayload struct {
	PullRequestID  string `json:"pullRequestId"`
	InstallationID int64  `json:"installationId"`
	RepoFullName   string `json:"repoFullName"`
	Number         int    `json:"number"`
}
