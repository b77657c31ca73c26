// Package notify implements the Notification Worker (spec §4.F): builds a
// chat-provider message for a pull request and posts it to an Incoming
// Webhook, best-effort.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/kmanoj03/repopulse/internal/telemetry"
)

// webhookTimeout bounds the outbound POST (spec §4.F step 3: "10 s timeout").
const webhookTimeout = 10 * time.Second

// ChatMessageMarker records the idempotency marker after a successful send
// (spec §4.F step 5). pkg/store.Store satisfies this.
type ChatMessageMarker interface {
	SetChatMessageTS(ctx context.Context, id string, ts string) error
}

// Worker consumes pr-notify-chat jobs.
type Worker struct {
	store      ChatMessageMarker
	webhookURL string
	enabled    bool
	logger     *slog.Logger
}

// NewWorker builds a notification Worker. enabled/webhookURL come from
// CHAT_ENABLED/CHAT_WEBHOOK_URL.
func NewWorker(st ChatMessageMarker, enabled bool, webhookURL string, logger *slog.Logger) *Worker {
	return &Worker{store: st, webhookURL: webhookURL, enabled: enabled, logger: logger}
}

// Notify handles one pr-notify-chat job. It never returns an error for
// delivery failures: the chat provider is treated as best-effort and the
// queue's retry machinery is reserved for the summary path (spec §4.F
// step 4, design note "Best-effort chat").
func (w *Worker) Notify(ctx context.Context, p Payload) error {
	if !w.enabled || w.webhookURL == "" {
		w.logger.Info("chat disabled, acknowledging notification job without sending", "pull_request_id", p.PullRequestID)
		telemetry.NotificationsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	blocks, fallback := buildBlocks(p)

	reqCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	msg := &goslack.WebhookMessage{
		Text:   fallback,
		Blocks: &goslack.Blocks{BlockSet: blocks},
	}

	err := goslack.PostWebhookContext(reqCtx, w.webhookURL, msg)
	if err != nil {
		w.logger.Warn("chat delivery failed",
			"pull_request_id", p.PullRequestID, "repo", p.RepoFullName, "number", p.Number, "error", err,
		)
		telemetry.NotificationsTotal.WithLabelValues("failed").Inc()
		return nil
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	if err := w.store.SetChatMessageTS(ctx, p.PullRequestID, ts); err != nil {
		w.logger.Error("recording chat message timestamp failed", "pull_request_id", p.PullRequestID, "error", err)
	}

	w.logger.Info("posted pr notification to chat", "pull_request_id", p.PullRequestID, "repo", p.RepoFullName, "number", p.Number)
	telemetry.NotificationsTotal.WithLabelValues("sent").Inc()
	return nil
}
