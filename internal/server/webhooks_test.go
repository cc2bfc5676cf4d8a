package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/journal"
)

type hookRecorder struct {
	mu       sync.Mutex
	kinds    []string
	payloads []JournalEntryResponse
}

func (h *hookRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var entry JournalEntryResponse
		if err := json.Unmarshal(data, &entry); err != nil {
			t.Errorf("webhook body: %v", err)
		}
		h.mu.Lock()
		h.kinds = append(h.kinds, r.Header.Get("X-Missionline-Kind"))
		h.payloads = append(h.payloads, entry)
		h.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *hookRecorder) snapshot() ([]string, []JournalEntryResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.kinds...), append([]JournalEntryResponse{}, h.payloads...)
}

func TestWebhookDispatcherDeliversNewEntries(t *testing.T) {
	ctx := context.Background()
	console, err := app.Open(ctx, app.Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open console: %v", err)
	}
	defer console.Close()

	w := console.Journal
	if err := w.Append(ctx, nil, journal.Entry{Kind: domain.JournalMissionAccepted, MissionID: "old"}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	all := &hookRecorder{}
	allSrv := httptest.NewServer(all.handler(t))
	defer allSrv.Close()
	filtered := &hookRecorder{}
	filteredSrv := httptest.NewServer(filtered.handler(t))
	defer filteredSrv.Close()

	d := newWebhookDispatcher(console.Repo, []config.Webhook{
		{URL: allSrv.URL},
		{URL: filteredSrv.URL, Kinds: []string{domain.JournalObjectiveCompleted}, Interval: time.Second},
	}, nil)
	if got := d.interval(); got != time.Second {
		t.Fatalf("expected shortest interval, got %s", got)
	}
	d.dispatchAll(ctx)
	if kinds, _ := all.snapshot(); len(kinds) != 0 {
		t.Fatalf("entries written before start must not be delivered: %v", kinds)
	}

	err = console.Do(ctx, func(c *app.Console) error {
		return c.Session.AcceptMission(ctx, "first-contact")
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := console.Do(ctx, func(c *app.Console) error { return c.Engine.MarkComplete(ctx, "read-drop") }); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	kinds, _ := all.snapshot()
	if len(kinds) != 2 || kinds[0] != domain.JournalMissionAccepted || kinds[1] != domain.JournalObjectiveCompleted {
		t.Fatalf("unexpected deliveries %v", kinds)
	}
	_, payloads := filtered.snapshot()
	if len(payloads) != 1 || payloads[0].ObjectiveID != "read-drop" || payloads[0].MissionID != "first-contact" {
		t.Fatalf("unexpected filtered deliveries %+v", payloads)
	}
}

func TestWebhookDispatcherRetriesFailedDelivery(t *testing.T) {
	ctx := context.Background()
	console, err := app.Open(ctx, app.Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open console: %v", err)
	}
	defer console.Close()

	var mu sync.Mutex
	fail := true
	delivered := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		delivered++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newWebhookDispatcher(console.Repo, []config.Webhook{{URL: srv.URL}}, nil)
	d.dispatchAll(ctx)
	if err := console.Journal.Append(ctx, nil, journal.Entry{Kind: domain.JournalProgressReset}); err != nil {
		t.Fatalf("append: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	fail = false
	mu.Unlock()
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected the failed entry to be delivered once after recovery, got %d", delivered)
	}
}
