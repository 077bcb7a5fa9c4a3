package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/domain/artifact"
	"github.com/dispatchd/dispatchd/internal/domain/event"
	"github.com/dispatchd/dispatchd/internal/domain/run"
	"github.com/dispatchd/dispatchd/internal/domain/suggestion"
	"github.com/dispatchd/dispatchd/internal/port/agentbackend"
	"github.com/dispatchd/dispatchd/internal/port/provider"
	"github.com/dispatchd/dispatchd/internal/port/runstore"
	"github.com/dispatchd/dispatchd/internal/port/textgen"
	"github.com/dispatchd/dispatchd/internal/port/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// --- run store mock ---

type mockRunStore struct {
	mu          sync.Mutex
	runs        map[string]*run.Run
	getFailures int // Get fails this many times before recovering
}

func newMockRunStore() *mockRunStore {
	return &mockRunStore{runs: map[string]*run.Run{}}
}

func (m *mockRunStore) Create(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *mockRunStore) Get(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getFailures > 0 {
		m.getFailures--
		return nil, fmt.Errorf("run store offline")
	}
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *mockRunStore) Update(_ context.Context, id string, upd runstore.Update) error {
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
	if upd.AgentHandle != nil {
		r.AgentHandle = *upd.AgentHandle
	}
	if upd.AgentStatus != nil {
		r.AgentStatus = *upd.AgentStatus
	}
	if upd.Output != nil {
		r.Output = upd.Output
	}
	if upd.Notes != nil {
		r.Notes = upd.Notes
	}
	if upd.Summary != nil {
		r.Summary = *upd.Summary
	}
	if upd.Error != nil {
		r.Error = *upd.Error
	}
	if upd.PullURL != nil {
		r.PullURL = *upd.PullURL
	}
	if upd.LastEventID != nil {
		r.LastEventID = *upd.LastEventID
	}
	if upd.FinishedAt != nil {
		r.FinishedAt = upd.FinishedAt
	}
	return nil
}

func (m *mockRunStore) List(_ context.Context, f runstore.Filter) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.runs {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
			continue
		}
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func containsStatus(ss []run.Status, s run.Status) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// --- event log mock ---

type mockEventLog struct {
	mu         sync.Mutex
	nextID     int64
	events     map[string][]event.RunEvent
	failAppend error
}

func newMockEventLog() *mockEventLog {
	return &mockEventLog{events: map[string][]event.RunEvent{}}
}

func (m *mockEventLog) Append(_ context.Context, runID string, t event.Type, payload json.RawMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return 0, m.failAppend
	}
	m.nextID++
	ev := event.RunEvent{ID: m.nextID, RunID: runID, Type: t, Payload: payload, CreatedAt: time.Now()}
	m.events[runID] = append(m.events[runID], ev)
	return ev.ID, nil
}

func (m *mockEventLog) ListAfter(_ context.Context, runID string, afterID int64, limit int) ([]event.RunEvent, error) {
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

func (m *mockEventLog) types(runID string) []event.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Type
	for _, ev := range m.events[runID] {
		out = append(out, ev.Type)
	}
	return out
}

// --- artifact store mock ---

type mockArtifactStore struct {
	mu        sync.Mutex
	nextID    int64
	rows      map[int64]artifact.Artifact
	conflicts int // Insert returns ErrConflict this many times

	// conflictSeed is the row the simulated racing writer inserted; it
	// appears at conflict time so the re-query can find it.
	conflictSeed   *artifact.Artifact
	lastConflictID int64

	calls []string
}

func newMockArtifactStore() *mockArtifactStore {
	return &mockArtifactStore{rows: map[int64]artifact.Artifact{}}
}

func (m *mockArtifactStore) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockArtifactStore) FindByCanonicalIdentity(_ context.Context, ticketID string, cat artifact.Category, typ string) ([]artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("FindByCanonicalIdentity")
	var out []artifact.Artifact
	for _, a := range m.rows {
		if a.TicketID == ticketID && a.Category == cat && a.CanonicalType == typ {
			out = append(out, a)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *mockArtifactStore) FindByExactTitle(_ context.Context, ticketID string, cat artifact.Category, title string) ([]artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("FindByExactTitle")
	var out []artifact.Artifact
	for _, a := range m.rows {
		if a.TicketID == ticketID && a.Category == cat && a.Title == title {
			out = append(out, a)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *mockArtifactStore) Insert(_ context.Context, a *artifact.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Insert")
	if m.conflicts > 0 {
		m.conflicts--
		if m.conflictSeed != nil {
			m.nextID++
			s := *m.conflictSeed
			s.ID = m.nextID
			s.CreatedAt = time.Now()
			m.rows[s.ID] = s
			m.lastConflictID = s.ID
		}
		return fmt.Errorf("insert artifact: %w", domain.ErrConflict)
	}
	m.nextID++
	a.ID = m.nextID
	a.CreatedAt = time.Now()
	m.rows[a.ID] = *a
	return nil
}

func (m *mockArtifactStore) Update(_ context.Context, id int64, title, typ, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Update")
	a, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Title, a.CanonicalType, a.Body = title, typ, body
	m.rows[id] = a
	return nil
}

func (m *mockArtifactStore) DeleteMany(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteMany")
	for _, id := range ids {
		delete(m.rows, id)
	}
	return nil
}

func (m *mockArtifactStore) seed(a artifact.Artifact) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.rows[a.ID] = a
	return a.ID
}

func sortNewestFirst(rows []artifact.Artifact) {
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			if rows[j].CreatedAt.After(rows[i].CreatedAt) {
				rows[i], rows[j] = rows[j], rows[i]
			}
		}
	}
}

// --- suggestion store mock ---

type mockSuggestionStore struct {
	mu     sync.Mutex
	latest map[string][]suggestion.Suggestion
	saves  int
}

func newMockSuggestionStore() *mockSuggestionStore {
	return &mockSuggestionStore{latest: map[string][]suggestion.Suggestion{}}
}

func (m *mockSuggestionStore) Save(_ context.Context, ticketID, _ string, items []suggestion.Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[ticketID] = items
	m.saves++
	return nil
}

func (m *mockSuggestionStore) Latest(_ context.Context, ticketID string) ([]suggestion.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest[ticketID], nil
}

// --- tracker mock ---

type mockTracker struct {
	mu       sync.Mutex
	key      string
	getErr   error
	moveErr  error
	reviewed []string
}

func (m *mockTracker) Get(_ context.Context, id string) (*tracker.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return &tracker.Ticket{ID: id, Key: m.key, Title: "ticket " + id}, nil
}

func (m *mockTracker) MoveToReview(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moveErr != nil {
		return m.moveErr
	}
	m.reviewed = append(m.reviewed, id)
	return nil
}

// --- cache mock ---

type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMockCache() *mockCache {
	return &mockCache{data: map[string][]byte{}}
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// --- agent backend fake ---

type fakeBackend struct {
	mu           sync.Mutex
	launchErr    error
	handle       string
	polls        []agentbackend.PollStatus
	pollErr      error
	pollCalls    int
	conversation []agentbackend.Message
	convErr      error
	convCalls    int
	diff         *agentbackend.DiffStat
	cancelled    []string
}

func (f *fakeBackend) Launch(_ context.Context, _ agentbackend.LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return "", f.launchErr
	}
	if f.handle == "" {
		f.handle = "agent-1"
	}
	return f.handle, nil
}

func (f *fakeBackend) Poll(_ context.Context, _ string) (*agentbackend.PollStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	i := f.pollCalls
	if i >= len(f.polls) {
		i = len(f.polls) - 1
	}
	f.pollCalls++
	st := f.polls[i]
	return &st, nil
}

func (f *fakeBackend) FetchConversation(_ context.Context, _ string) ([]agentbackend.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls++
	if f.convErr != nil {
		return nil, f.convErr
	}
	return f.conversation, nil
}

func (f *fakeBackend) FetchDiff(_ context.Context, _ string) (*agentbackend.DiffStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diff, nil
}

func (f *fakeBackend) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	return nil
}

// --- text generator fake ---

// fakeStream replays scripted fragments, then the final error (io.EOF for
// a clean finish).
type fakeStream struct {
	mu       sync.Mutex
	frags    []string
	finalErr error
	closed   bool
}

func (s *fakeStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frags) == 0 {
		if s.finalErr != nil {
			return "", s.finalErr
		}
		return "", io.EOF
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	stream  textgen.Stream
	genErr  error
	prompts []string
}

func (g *fakeGenerator) Generate(_ context.Context, req textgen.Request) (textgen.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, req.Prompt)
	if g.genErr != nil {
		return nil, g.genErr
	}
	return g.stream, nil
}

// --- scripted provider ---

// scriptedProvider advances runs according to a fixed script, for
// dispatcher and streamer tests.
type scriptedProvider struct {
	name       string
	categories []run.Category
	advance    func(ctx context.Context, r *run.Run, budget time.Duration) (provider.Result, error)
	cancelled  []string
}

func (p *scriptedProvider) Name() string               { return p.name }
func (p *scriptedProvider) Categories() []run.Category { return p.categories }

func (p *scriptedProvider) Advance(ctx context.Context, r *run.Run, budget time.Duration) (provider.Result, error) {
	if p.advance == nil {
		return provider.Result{}, nil
	}
	return p.advance(ctx, r, budget)
}

func (p *scriptedProvider) Cancel(_ context.Context, r *run.Run) error {
	p.cancelled = append(p.cancelled, r.ID)
	return nil
}

// launcherProvider additionally implements the explicit-launch contract of
// the poll-based backend.
type launcherProvider struct {
	scriptedProvider
	launchErr error
	handle    string
	launched  []string
}

func (p *launcherProvider) Launch(_ context.Context, r *run.Run) error {
	if p.launchErr != nil {
		return p.launchErr
	}
	if p.handle == "" {
		p.handle = "agent-1"
	}
	p.launched = append(p.launched, r.ID)
	r.AgentHandle = p.handle
	return nil
}
