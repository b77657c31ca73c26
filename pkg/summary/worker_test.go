package summary

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kmanoj03/repopulse/internal/queue"
	"github.com/kmanoj03/repopulse/pkg/broker"
	"github.com/kmanoj03/repopulse/pkg/genmodel"
	"github.com/kmanoj03/repopulse/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.New(rdb, testLogger())
}

type fakeStore struct {
	pr           store.PullRequest
	analysisSet  bool
	successSet   bool
	failureSet   bool
	lastMessage  string
	lastSummary  store.Summary
}

func (f *fakeStore) GetPRByID(ctx context.Context, id string) (store.PullRequest, error) {
	return f.pr, nil
}

func (f *fakeStore) SaveAnalysis(ctx context.Context, id string, labels, flags []string, score int, diff store.DiffStats) error {
	f.analysisSet = true
	f.pr.SystemLabels = labels
	f.pr.RiskFlags = flags
	f.pr.RiskScore = score
	f.pr.DiffStats = diff
	return nil
}

func (f *fakeStore) SaveSummarySuccess(ctx context.Context, id string, summary store.Summary) error {
	f.successSet = true
	f.lastSummary = summary
	s := summary
	f.pr.Summary = &s
	f.pr.SummaryStatus = store.SummaryStatusReady
	f.pr.SummaryError = nil
	return nil
}

func (f *fakeStore) SaveSummaryFailure(ctx context.Context, id string, message string) error {
	f.failureSet = true
	f.lastMessage = message
	f.pr.SummaryStatus = store.SummaryStatusError
	msg := message
	f.pr.SummaryError = &msg
	return nil
}

type fakeFetcher struct {
	meta  broker.PRMetadata
	files []broker.PRFile
	err   error
}

func (f *fakeFetcher) GetPR(ctx context.Context, ref broker.PRRef) (broker.PRMetadata, error) {
	return f.meta, f.err
}

func (f *fakeFetcher) ListPRFiles(ctx context.Context, ref broker.PRRef) ([]broker.PRFile, error) {
	return f.files, f.err
}

type fakeModel struct {
	resp genmodel.Response
	err  error
}

func (f *fakeModel) Summarize(ctx context.Context, req genmodel.Request) (genmodel.Response, error) {
	return f.resp, f.err
}

func TestHandleOpenToReadyHappyPath(t *testing.T) {
	st := &fakeStore{pr: store.PullRequest{ID: "pr-1", SummaryStatus: store.SummaryStatusPending}}
	fetcher := &fakeFetcher{
		meta:  broker.PRMetadata{Title: "Fix header parsing", Author: "alice", HTMLURL: "https://example.test/pr/7"},
		files: []broker.PRFile{{Filename: "src/parser.ts", Additions: 10, Deletions: 2}},
	}
	model := &fakeModel{resp: genmodel.Response{TLDR: "Parser fix.", Labels: []string{"backend"}}}
	q := testQueue(t)

	w := NewWorker(st, fetcher, model, q, Config{ChatEnabled: true}, testLogger())

	job := queue.Job{Name: "generate", Data: []byte(`{"pullRequestId":"pr-1","installationId":1,"repoFullName":"acme/widgets","number":7}`)}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if !st.analysisSet {
		t.Error("expected analysis to be saved")
	}
	if !st.successSet {
		t.Error("expected summary success to be saved")
	}
	if st.pr.SummaryStatus != store.SummaryStatusReady {
		t.Errorf("summary status = %v, want ready", st.pr.SummaryStatus)
	}

	jobs, err := q.Dequeue(context.Background(), "pr-notify-chat", 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected becameReadyNow to enqueue a chat notification, got %d jobs", len(jobs))
	}
}

func TestHandleSkipsNotifyWhenChatDisabled(t *testing.T) {
	st := &fakeStore{pr: store.PullRequest{ID: "pr-1", SummaryStatus: store.SummaryStatusPending}}
	fetcher := &fakeFetcher{meta: broker.PRMetadata{Title: "t", Author: "a"}}
	model := &fakeModel{resp: genmodel.Response{TLDR: "ok"}}
	q := testQueue(t)

	w := NewWorker(st, fetcher, model, q, Config{ChatEnabled: false}, testLogger())
	job := queue.Job{Name: "generate", Data: []byte(`{"pullRequestId":"pr-1"}`)}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	jobs, err := q.Dequeue(context.Background(), "pr-notify-chat", 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no chat notification when disabled, got %d", len(jobs))
	}
}

func TestHandleDedupsAgainstAlreadyReadySummary(t *testing.T) {
	existing := store.Summary{TLDR: "Already summarized."}
	st := &fakeStore{pr: store.PullRequest{ID: "pr-1", SummaryStatus: store.SummaryStatusReady, Summary: &existing}}
	fetcher := &fakeFetcher{}
	model := &fakeModel{}
	q := testQueue(t)

	w := NewWorker(st, fetcher, model, q, Config{ChatEnabled: true}, testLogger())
	job := queue.Job{Name: "generate", Data: []byte(`{"pullRequestId":"pr-1"}`)}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if st.analysisSet {
		t.Error("expected dedup to skip re-analysis for an already-ready summary")
	}
}

func TestHandleRegenerateBypassesDedup(t *testing.T) {
	existing := store.Summary{TLDR: "Old summary."}
	st := &fakeStore{pr: store.PullRequest{ID: "pr-1", SummaryStatus: store.SummaryStatusReady, Summary: &existing}}
	fetcher := &fakeFetcher{meta: broker.PRMetadata{Title: "t", Author: "a"}}
	model := &fakeModel{resp: genmodel.Response{TLDR: "New summary."}}
	q := testQueue(t)

	w := NewWorker(st, fetcher, model, q, Config{ChatEnabled: false}, testLogger())
	job := queue.Job{Name: "regenerate", Data: []byte(`{"pullRequestId":"pr-1"}`)}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if !st.analysisSet {
		t.Error("expected regenerate to force re-analysis")
	}
	if st.lastSummary.TLDR != "New summary." {
		t.Errorf("tldr = %q, want %q", st.lastSummary.TLDR, "New summary.")
	}
}

func TestHandleModelFailureMarksErrorWithoutFailingJob(t *testing.T) {
	st := &fakeStore{pr: store.PullRequest{ID: "pr-1", SummaryStatus: store.SummaryStatusPending}}
	fetcher := &fakeFetcher{meta: broker.PRMetadata{Title: "t", Author: "a"}}
	model := &fakeModel{err: errors.New("model timeout")}
	q := testQueue(t)

	w := NewWorker(st, fetcher, model, q, Config{ChatEnabled: true}, testLogger())
	job := queue.Job{Name: "generate", Data: []byte(`{"pullRequestId":"pr-1"}`)}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle should not fail the job on a model error: %v", err)
	}

	if !st.failureSet {
		t.Error("expected summary failure to be recorded")
	}
	if st.pr.SummaryStatus != store.SummaryStatusError {
		t.Errorf("summary status = %v, want error", st.pr.SummaryStatus)
	}
	if st.lastMessage != "model timeout" {
		t.Errorf("summary error = %q, want %q", st.lastMessage, "model timeout")
	}
}

func TestHandleMissingPRFailsNonRetryably(t *testing.T) {
	// A missing PR is represented by GetPR returning an error via a
	// store that always fails lookup.
	st := &failingLookupStore{}
	fetcher := &fakeFetcher{}
	model := &fakeModel{}
	q := testQueue(t)

	w := NewWorker(st, fetcher, model, q, Config{}, testLogger())
	job := queue.Job{Name: "generate", Data: []byte(`{"pullRequestId":"missing"}`)}
	if err := w.Handle(context.Background(), job); err == nil {
		t.Fatal("expected an error when the pull request cannot be found")
	}
}

type failingLookupStore struct{}

func (f *failingLookupStore) GetPRByID(ctx context.Context, id string) (store.PullRequest, error) {
	return store.PullRequest{}, errors.New("not found")
}
func (f *failingLookupStore) SaveAnalysis(ctx context.Context, id string, labels, flags []string, score int, diff store.DiffStats) error {
	return nil
}
func (f *failingLookupStore) SaveSummarySuccess(ctx context.Context, id string, summary store.Summary) error {
	return nil
}
func (f *failingLookupStore) SaveSummaryFailure(ctx context.Context, id string, message string) error {
	return nil
}

func TestHandleSecretsSuspectedNotifiesEvenWhenAlreadyReady(t *testing.T) {
	// wasReady is already true and regenerate keeps the summary "ready"
	// rather than transitioning it, so only the secrets-suspected flag
	// (not becameReadyNow) should be driving the notification here.
	existing := store.Summary{TLDR: "Already ready."}
	st := &fakeStore{pr: store.PullRequest{ID: "pr-1", SummaryStatus: store.SummaryStatusReady, Summary: &existing}}
	fetcher := &fakeFetcher{
		meta:  broker.PRMetadata{Title: "t", Author: "a"},
		files: []broker.PRFile{{Filename: "config.yml", Additions: 1, Patch: `password = "hunter2"`}},
	}
	model := &fakeModel{resp: genmodel.Response{TLDR: "Risky change."}}
	q := testQueue(t)

	w := NewWorker(st, fetcher, model, q, Config{ChatEnabled: true, RiskThreshold: 60}, testLogger())
	job := queue.Job{Name: "regenerate", Data: []byte(`{"pullRequestId":"pr-1"}`)}

	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	jobs, err := q.Dequeue(context.Background(), "pr-notify-chat", 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected secrets-suspected to trigger a notification, got %d jobs", len(jobs))
	}
}
