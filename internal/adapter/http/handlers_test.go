package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	dhttp "github.com/dispatchd/dispatchd/internal/adapter/http"
	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/domain/event"
	"github.com/dispatchd/dispatchd/internal/domain/run"
	"github.com/dispatchd/dispatchd/internal/port/provider"
	"github.com/dispatchd/dispatchd/internal/port/runstore"
	"github.com/dispatchd/dispatchd/internal/service"
)

// memRunStore is an in-memory runstore.Store for handler tests.
type memRunStore struct {
	mu   sync.Mutex
	runs map[string]*run.Run
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: map[string]*run.Run{}}
}

func (m *memRunStore) Create(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memRunStore) Get(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *memRunStore) Update(_ context.Context, id string, upd runstore.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if upd.Status != nil {
		r.Status = *upd.Status
	}
	if upd.Stage != nil {
		r.Stage = *upd.Stage
	}
	if upd.Error != nil {
		r.Error = *upd.Error
	}
	if upd.FinishedAt != nil {
		r.FinishedAt = upd.FinishedAt
	}
	return nil
}

func (m *memRunStore) List(_ context.Context, f runstore.Filter) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.runs {
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		if len(f.Statuses) > 0 {
			match := false
			for _, s := range f.Statuses {
				if r.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *r)
	}
	return out, nil
}

// memEventLog is an in-memory eventlog.Log for handler tests.
type memEventLog struct {
	mu     sync.Mutex
	nextID int64
	events map[string][]event.RunEvent
}

func newMemEventLog() *memEventLog {
	return &memEventLog{events: map[string][]event.RunEvent{}}
}

func (m *memEventLog) Append(_ context.Context, runID string, t event.Type, payload json.RawMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.events[runID] = append(m.events[runID], event.RunEvent{
		ID: m.nextID, RunID: runID, Type: t, Payload: payload, CreatedAt: time.Now(),
	})
	return m.nextID, nil
}

func (m *memEventLog) ListAfter(_ context.Context, runID string, afterID int64, limit int) ([]event.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.RunEvent
	for _, ev := range m.events[runID] {
		if ev.ID > afterID {
			out = append(out, ev)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// doneProvider completes every run on its first advancement slice.
type doneProvider struct {
	store  *memRunStore
	events *memEventLog
}

func (p *doneProvider) Name() string               { return provider.NameLiteLLM }
func (p *doneProvider) Categories() []run.Category { return []run.Category{run.CategoryChat} }

func (p *doneProvider) Advance(ctx context.Context, r *run.Run, _ time.Duration) (provider.Result, error) {
	st := run.StatusCompleted
	_ = p.store.Update(ctx, r.ID, runstore.Update{Status: &st})
	_, _ = p.events.Append(ctx, r.ID, event.TypeText, json.RawMessage(`{"text":"hi"}`))
	_, _ = p.events.Append(ctx, r.ID, event.TypeDone, json.RawMessage(`{"status":"completed"}`))
	return provider.Result{Done: true}, nil
}

func (p *doneProvider) Cancel(context.Context, *run.Run) error { return nil }

type fixture struct {
	router chi.Router
	store  *memRunStore
	events *memEventLog
}

func newFixture() *fixture {
	store := newMemRunStore()
	events := newMemEventLog()
	log := slog.New(slog.DiscardHandler)

	dispatch := service.NewDispatcher(&doneProvider{store: store, events: events})
	runs := service.NewRunService(store, events, dispatch, log)
	streamer := service.NewStreamer(store, events, dispatch, service.StreamerConfig{
		IdleDelay:     time.Millisecond,
		DrainLimit:    10,
		MaxIterations: 50,
		PollBudget:    time.Second,
		StreamBudget:  time.Second,
	}, log)

	h := &dhttp.Handlers{Runs: runs, Streamer: streamer, Version: "test"}
	r := chi.NewRouter()
	dhttp.MountRoutes(r, h, nil)
	return &fixture{router: r, store: store, events: events}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader([]byte("{}"))
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestStartRun(t *testing.T) {
	f := newFixture()

	rec := f.request(t, http.MethodPost, "/api/runs", run.StartRequest{
		Category: run.CategoryChat,
		TicketID: "t1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Category != run.CategoryChat {
		t.Errorf("created = %+v", created)
	}
	if _, err := f.store.Get(context.Background(), created.ID); err != nil {
		t.Errorf("run not persisted: %v", err)
	}
}

func TestStartRunValidation(t *testing.T) {
	f := newFixture()

	rec := f.request(t, http.MethodPost, "/api/runs", run.StartRequest{Category: "deploy", TicketID: "t1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !strings.Contains(resp.Error, "deploy") {
		t.Errorf("error = %q, want the offending category named", resp.Error)
	}
}

func TestStartRunMalformedBody(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	f := newFixture()

	rec := f.request(t, http.MethodGet, "/api/runs/nonesuch", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListRunsStatusFilter(t *testing.T) {
	f := newFixture()
	_ = f.store.Create(context.Background(), &run.Run{ID: "r1", Category: run.CategoryChat, Status: run.StatusRunning})
	_ = f.store.Create(context.Background(), &run.Run{ID: "r2", Category: run.CategoryChat, Status: run.StatusFailed})

	rec := f.request(t, http.MethodGet, "/api/runs?status=running,polling", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var runs []run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestListRunsEmptyIsArray(t *testing.T) {
	f := newFixture()

	rec := f.request(t, http.MethodGet, "/api/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %s, want an empty JSON array", body)
	}
}

func TestCancelRun(t *testing.T) {
	f := newFixture()
	_ = f.store.Create(context.Background(), &run.Run{ID: "r1", Category: run.CategoryChat, Status: run.StatusRunning})

	rec := f.request(t, http.MethodPost, "/api/runs/r1/cancel", map[string]string{"reason": "not needed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var cancelled run.Run
	_ = json.Unmarshal(rec.Body.Bytes(), &cancelled)
	if cancelled.Status != run.StatusFailed || cancelled.Error != "not needed" {
		t.Errorf("cancelled = %+v", cancelled)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture()

	rec := f.request(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("resp = %v", resp)
	}
	if _, present := resp["nats"]; present {
		t.Error("nats key present with the queue disabled")
	}
}

func TestStreamRunEvents(t *testing.T) {
	f := newFixture()
	_ = f.store.Create(context.Background(), &run.Run{ID: "r1", Category: run.CategoryChat, Status: run.StatusRunning})

	req := httptest.NewRequest(http.MethodGet, "/api/runs/r1/events", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: text") || !strings.Contains(body, "event: done") {
		t.Errorf("stream missing events:\n%s", body)
	}
	if !strings.Contains(body, "id: 1") {
		t.Errorf("stream missing id lines:\n%s", body)
	}
}

func TestStreamRunEventsResume(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	_ = f.store.Create(context.Background(), &run.Run{ID: "r1", Category: run.CategoryChat, Status: run.StatusCompleted, FinishedAt: &now})
	_, _ = f.events.Append(context.Background(), "r1", event.TypeText, json.RawMessage(`{"text":"old"}`))
	_, _ = f.events.Append(context.Background(), "r1", event.TypeDone, json.RawMessage(`{"status":"completed"}`))

	req := httptest.NewRequest(http.MethodGet, "/api/runs/r1/events?after=1", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, `"old"`) {
		t.Errorf("resumed stream replayed drained event:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("resumed stream missing done:\n%s", body)
	}
}

func TestStreamRunEventsBadCursor(t *testing.T) {
	f := newFixture()
	_ = f.store.Create(context.Background(), &run.Run{ID: "r1", Category: run.CategoryChat, Status: run.StatusRunning})

	req := httptest.NewRequest(http.MethodGet, "/api/runs/r1/events?after=abc", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStreamRunEventsSyntheticDoneHasNoID(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	// Terminal run whose log never got a done event.
	_ = f.store.Create(context.Background(), &run.Run{ID: "r1", Category: run.CategoryChat, Status: run.StatusFailed, Error: "crashed", FinishedAt: &now})

	req := httptest.NewRequest(http.MethodGet, "/api/runs/r1/events", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "event: done") {
		t.Fatalf("missing synthetic done:\n%s", body)
	}
	if strings.Contains(body, "id: ") {
		t.Errorf("synthetic done must not carry an id line:\n%s", body)
	}
}
