package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type fakeMarker struct {
	mu  sync.Mutex
	ids map[string]string
}

func newFakeMarker() *fakeMarker { return &fakeMarker{ids: make(map[string]string)} }

func (f *fakeMarker) SetChatMessageTS(ctx context.Context, id string, ts string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[id] = ts
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifySuccessSetsChatMessageTS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	marker := newFakeMarker()
	w := NewWorker(marker, true, srv.URL, testLogger())

	err := w.Notify(context.Background(), Payload{
		PullRequestID: "pr-1",
		RepoFullName:  "acme/widgets",
		Number:        7,
		Title:         "Fix header parsing",
		Author:        "alice",
		TLDR:          "Parser fix.",
		RiskScore:     10,
		HTMLURL:       "https://example.test/acme/widgets/pull/7",
	})
	if err != nil {
		t.Fatalf("Notify returned an error (should never happen): %v", err)
	}

	marker.mu.Lock()
	defer marker.mu.Unlock()
	if marker.ids["pr-1"] == "" {
		t.Error("expected chatMessageTs to be set after a successful send")
	}
}

func TestNotifyDisabledSkipsSend(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	marker := newFakeMarker()
	w := NewWorker(marker, false, srv.URL, testLogger())

	if err := w.Notify(context.Background(), Payload{PullRequestID: "pr-2"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if called {
		t.Error("expected no HTTP call when chat is disabled")
	}
	marker.mu.Lock()
	defer marker.mu.Unlock()
	if _, ok := marker.ids["pr-2"]; ok {
		t.Error("expected no chatMessageTs to be set when chat is disabled")
	}
}

func TestNotifyDeliveryFailureNeverErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	marker := newFakeMarker()
	w := NewWorker(marker, true, srv.URL, testLogger())

	err := w.Notify(context.Background(), Payload{PullRequestID: "pr-3"})
	if err != nil {
		t.Fatalf("expected Notify to swallow delivery failures, got: %v", err)
	}

	marker.mu.Lock()
	defer marker.mu.Unlock()
	if _, ok := marker.ids["pr-3"]; ok {
		t.Error("expected no chatMessageTs to be set after a delivery failure")
	}
}
