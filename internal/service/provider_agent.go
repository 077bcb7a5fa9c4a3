package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain/artifact"
	"github.com/dispatchd/dispatchd/internal/domain/event"
	"github.com/dispatchd/dispatchd/internal/domain/run"
	"github.com/dispatchd/dispatchd/internal/port/agentbackend"
	"github.com/dispatchd/dispatchd/internal/port/cache"
	"github.com/dispatchd/dispatchd/internal/port/eventlog"
	"github.com/dispatchd/dispatchd/internal/port/provider"
	"github.com/dispatchd/dispatchd/internal/port/runstore"
	"github.com/dispatchd/dispatchd/internal/port/tracker"
)

// conversationTTL bounds cached transcripts; they are immutable once a run
// completes, so the TTL only controls memory pressure.
const conversationTTL = 30 * time.Minute

// ToolchainState decides, per launch, whether the backend should refresh
// its secondary toolchain first. Injected into the provider so the cadence
// is owned by one object instead of process-wide flags.
type ToolchainState struct {
	mu            sync.Mutex
	interval      time.Duration
	lastRefreshed time.Time
}

// NewToolchainState creates refresh state with the given minimum interval
// between refreshes. A zero interval disables refreshing.
func NewToolchainState(interval time.Duration) *ToolchainState {
	return &ToolchainState{interval: interval}
}

// ShouldRefresh reports whether the next launch should request a toolchain
// refresh, and records the decision.
func (t *ToolchainState) ShouldRefresh(now time.Time) bool {
	if t == nil || t.interval <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.lastRefreshed) < t.interval {
		return false
	}
	t.lastRefreshed = now
	return true
}

// AgentProvider advances implementation and qa runs delegated to the
// poll-based coding-agent backend. Each slice polls the external handle
// once, translates the signal through the lifecycle rules, and persists
// every effect before returning.
type AgentProvider struct {
	backend   agentbackend.Backend
	store     runstore.Store
	events    eventlog.Log
	artifacts *ArtifactService
	tracker   tracker.Tracker
	cache     cache.Cache
	toolchain *ToolchainState
	log       *slog.Logger
}

// NewAgentProvider creates the coding-agent provider.
func NewAgentProvider(
	backend agentbackend.Backend,
	store runstore.Store,
	events eventlog.Log,
	artifacts *ArtifactService,
	tr tracker.Tracker,
	c cache.Cache,
	toolchain *ToolchainState,
	log *slog.Logger,
) *AgentProvider {
	return &AgentProvider{
		backend:   backend,
		store:     store,
		events:    events,
		artifacts: artifacts,
		tracker:   tr,
		cache:     c,
		toolchain: toolchain,
		log:       log,
	}
}

// Name implements provider.Provider.
func (p *AgentProvider) Name() string { return provider.NameConveyor }

// Categories implements provider.Provider.
func (p *AgentProvider) Categories() []run.Category {
	return []run.Category{run.CategoryImplementation, run.CategoryQA}
}

// Launch delegates the run's work to the backend and records the external
// handle on the run. Called by the launch path, not by advancement.
func (p *AgentProvider) Launch(ctx context.Context, r *run.Run) error {
	handle, err := p.backend.Launch(ctx, agentbackend.LaunchSpec{
		Prompt:           promptFromInput(r.Input),
		RepoRef:          r.RepoRef,
		TargetRef:        r.Label,
		RefreshToolchain: p.toolchain.ShouldRefresh(time.Now()),
	})
	if err != nil {
		return err
	}
	r.AgentHandle = handle
	return nil
}

// Advance implements provider.Provider: poll once, translate, and when the
// run completes run the follow-up pipeline. Expected failure modes mark
// the run failed rather than erroring past the slice boundary.
func (p *AgentProvider) Advance(ctx context.Context, r *run.Run, budget time.Duration) (provider.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	now := time.Now()

	// No handle means the launch path already failed upstream; the run
	// cannot be advanced and must not stay active forever.
	if r.AgentHandle == "" {
		p.failUnlessFinished(ctx, r, "run has no backend handle: launch did not complete", now)
		return provider.Result{Done: true}, nil
	}

	status, err := p.backend.Poll(ctx, r.AgentHandle)
	if err != nil {
		p.failUnlessFinished(ctx, r, fmt.Sprintf("backend poll failed: %v", err), now)
		return provider.Result{Done: true}, nil
	}

	prevStage := r.Stage
	r.ApplySignal(run.Signal(status.Status), status.Summary, status.Detail, now)
	if status.PullURL != "" {
		r.PullURL = status.PullURL
	}
	if status.AgentStatus != "" {
		r.AgentStatus = status.AgentStatus
	}

	if r.Stage != prevStage {
		p.append(ctx, r, event.TypeStage, event.Marshal(event.StagePayload{Stage: string(r.Stage)}))
	}

	if !r.Terminal() {
		p.persist(ctx, r)
		return provider.Result{}, nil
	}

	if r.Status == run.StatusCompleted {
		p.enrich(ctx, r)
		p.completeRun(ctx, r)
	}
	p.finalize(ctx, r)
	return provider.Result{Done: true}, nil
}

// Cancel implements provider.Provider.
func (p *AgentProvider) Cancel(ctx context.Context, r *run.Run) error {
	if r.AgentHandle == "" {
		return nil
	}
	return p.backend.Cancel(ctx, r.AgentHandle)
}

// enrich replaces a placeholder summary with the last assistant message
// from the transcript. QA runs always fetch: their review verdict lives in
// the conversation regardless of summary quality.
func (p *AgentProvider) enrich(ctx context.Context, r *run.Run) {
	if !run.PlaceholderSummary(r.Summary) && r.Category != run.CategoryQA {
		return
	}

	messages, err := p.conversation(ctx, r.AgentHandle)
	if err != nil {
		p.log.Warn("conversation fetch failed, keeping raw summary",
			"run_id", r.ID, "error", err)
		return
	}
	if text := lastAssistantMessage(messages); text != "" {
		r.EnrichSummary(text)
	}
}

// conversation fetches the transcript through the cache. A completed run's
// transcript never changes, so a hit is always valid.
func (p *AgentProvider) conversation(ctx context.Context, handle string) ([]agentbackend.Message, error) {
	key := "conversation:" + handle
	if data, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		var messages []agentbackend.Message
		if json.Unmarshal(data, &messages) == nil {
			return messages, nil
		}
	}

	messages, err := p.backend.FetchConversation(ctx, handle)
	if err != nil {
		return nil, err
	}
	if messages != nil {
		if data, err := json.Marshal(messages); err == nil {
			_ = p.cache.Set(ctx, key, data, conversationTTL)
		}
	}
	return messages, nil
}

// completeRun runs the category's post-completion pipeline. Every step is
// independent; a failure is logged and the rest proceed.
func (p *AgentProvider) completeRun(ctx context.Context, r *run.Run) {
	switch r.Category {
	case run.CategoryImplementation:
		if err := p.tracker.MoveToReview(ctx, r.TicketID); err != nil {
			p.log.Warn("ticket review transition failed",
				"run_id", r.ID, "ticket_id", r.TicketID, "error", err)
		} else {
			r.AppendNote(time.Now(), "ticket moved to review")
		}
		p.writeArtifacts(ctx, r, artifact.CategoryImplementation, p.implementationArtifacts(ctx, r))
	case run.CategoryQA:
		p.writeArtifacts(ctx, r, artifact.CategoryQA, qaArtifacts(r))
	}
}

func (p *AgentProvider) writeArtifacts(ctx context.Context, r *run.Run, cat artifact.Category, set []followUp) {
	for _, a := range set {
		res := p.artifacts.Upsert(ctx, r.TicketID, cat, a.title, a.body)
		switch {
		case res.Rejected:
			p.log.Debug("follow-up artifact rejected by content gate",
				"run_id", r.ID, "title", a.title)
		case res.Err != nil:
			p.log.Warn("follow-up artifact write failed",
				"run_id", r.ID, "title", a.title, "error", res.Err)
		}
	}
}

type followUp struct {
	title string
	body  string
}

// implementationArtifacts builds the post-completion artifact set from the
// run's summary, its progress notes and any retrievable diff metadata.
func (p *AgentProvider) implementationArtifacts(ctx context.Context, r *run.Run) []followUp {
	out := []followUp{
		{title: "Plan", body: r.Summary},
		{title: "Change Summary", body: p.changeSummary(ctx, r)},
		{title: "Worklog", body: worklogBody(r)},
	}
	return out
}

// qaArtifacts builds the post-completion artifact set for a review run:
// the verdict plus the worklog trail.
func qaArtifacts(r *run.Run) []followUp {
	return []followUp{
		{title: "Review", body: r.Summary},
		{title: "Worklog", body: worklogBody(r)},
	}
}

// changeSummary combines the run summary with diff metadata when the
// backend has any for this handle.
func (p *AgentProvider) changeSummary(ctx context.Context, r *run.Run) string {
	body := r.Summary
	stat, err := p.backend.FetchDiff(ctx, r.AgentHandle)
	if err != nil {
		p.log.Debug("diff fetch failed", "run_id", r.ID, "error", err)
		return body
	}
	if stat == nil {
		return body
	}

	var b strings.Builder
	b.WriteString(body)
	fmt.Fprintf(&b, "\n\n%d files changed, +%d -%d\n", stat.FilesChanged, stat.Additions, stat.Deletions)
	for _, f := range stat.Files {
		b.WriteString("- " + f + "\n")
	}
	return b.String()
}

// worklogBody renders the progress-note trail plus the final summary.
func worklogBody(r *run.Run) string {
	var b strings.Builder
	for _, n := range r.Notes {
		fmt.Fprintf(&b, "%s %s\n", n.At.Format(time.RFC3339), n.Message)
	}
	if r.Summary != "" {
		b.WriteString("\n" + r.Summary + "\n")
	}
	return b.String()
}

// failUnlessFinished marks the run failed and finalizes it. Terminal runs
// are frozen: a concurrent coordinator may already have driven this run
// terminal on a fresher record, so re-read first and let that record win.
func (p *AgentProvider) failUnlessFinished(ctx context.Context, r *run.Run, detail string, now time.Time) {
	if cur, err := p.store.Get(ctx, r.ID); err == nil && cur.Terminal() {
		*r = *cur
		return
	}
	r.Fail(detail, now)
	p.finalize(ctx, r)
}

// finalize persists the terminal run state and appends the closing events.
// Failed runs get an error event before the done marker.
func (p *AgentProvider) finalize(ctx context.Context, r *run.Run) {
	if r.Error != "" {
		p.append(ctx, r, event.TypeError, event.Marshal(event.ErrorPayload{Message: r.Error}))
	}
	p.append(ctx, r, event.TypeDone, event.Marshal(event.DonePayload{
		Status:  string(r.Status),
		Summary: r.Summary,
		Error:   r.Error,
	}))
	p.persist(ctx, r)
}

func (p *AgentProvider) append(ctx context.Context, r *run.Run, t event.Type, payload json.RawMessage) {
	id, err := p.events.Append(ctx, r.ID, t, payload)
	if err != nil {
		p.log.Warn("event append failed", "run_id", r.ID, "type", string(t), "error", err)
		return
	}
	r.LastEventID = id
}

func (p *AgentProvider) persist(ctx context.Context, r *run.Run) {
	upd := runstore.Update{
		Status:      &r.Status,
		Stage:       &r.Stage,
		AgentStatus: &r.AgentStatus,
		Notes:       r.Notes,
		Summary:     &r.Summary,
		Error:       &r.Error,
		PullURL:     &r.PullURL,
		LastEventID: &r.LastEventID,
		FinishedAt:  r.FinishedAt,
	}
	if err := p.store.Update(ctx, r.ID, upd); err != nil {
		p.log.Error("run update failed", "run_id", r.ID, "error", err)
	}
}

// lastAssistantMessage returns the trailing assistant-attributed entry.
func lastAssistantMessage(messages []agentbackend.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(messages[i].Role, "assistant") {
			return strings.TrimSpace(messages[i].Text)
		}
	}
	return ""
}

// promptFromInput reads the prompt field out of the launch input payload,
// falling back to the raw payload as text.
func promptFromInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var parsed struct {
		Prompt string `json:"prompt"`
	}
	if json.Unmarshal(input, &parsed) == nil && parsed.Prompt != "" {
		return parsed.Prompt
	}
	return string(input)
}

var _ provider.Provider = (*AgentProvider)(nil)
var _ Launcher = (*AgentProvider)(nil)
