package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain/event"
	"github.com/dispatchd/dispatchd/internal/domain/run"
	"github.com/dispatchd/dispatchd/internal/domain/suggestion"
	"github.com/dispatchd/dispatchd/internal/port/eventlog"
	"github.com/dispatchd/dispatchd/internal/port/provider"
	"github.com/dispatchd/dispatchd/internal/port/runstore"
	"github.com/dispatchd/dispatchd/internal/port/suggestionstore"
	"github.com/dispatchd/dispatchd/internal/port/textgen"
)

// LLMProviderConfig tunes the streaming slices.
type LLMProviderConfig struct {
	Model string

	// FlushBytes and FlushInterval set the text-event cadence: buffered
	// fragments are flushed when either threshold is reached first.
	FlushBytes    int
	FlushInterval time.Duration

	// SubstantiveLen is the partial-text length at which an expired slice
	// accepts the text as final instead of scheduling another slice.
	SubstantiveLen int
}

// fragment is one stream read, pumped into the generation's channel by a
// dedicated goroutine so slices can bound reads by their budget.
type fragment struct {
	text string
	err  error
}

// generation is one in-flight streamed text generation. It outlives the
// slice that started it: an expired slice leaves the stream open and a
// later slice resumes consuming from the same channel.
type generation struct {
	cancel    context.CancelFunc
	stream    textgen.Stream
	frags     chan fragment
	text      strings.Builder
	buf       strings.Builder
	lastFlush time.Time

	// busy marks the generation as driven by an in-flight slice; guarded
	// by the provider mutex. At most one slice consumes a generation.
	busy bool
}

func (g *generation) stop() {
	g.cancel()
	_ = g.stream.Close()
}

// LLMProvider advances chat and suggestion runs through the streaming
// language-model backend. Slices are time-bounded; expired slices persist
// the partial output and hand the open stream to the next slice.
type LLMProvider struct {
	gen         textgen.Generator
	store       runstore.Store
	events      eventlog.Log
	suggestions suggestionstore.Store
	cfg         LLMProviderConfig
	log         *slog.Logger

	mu     sync.Mutex
	active map[string]*generation
}

// NewLLMProvider creates the streaming provider.
func NewLLMProvider(gen textgen.Generator, store runstore.Store, events eventlog.Log, sugg suggestionstore.Store, cfg LLMProviderConfig, log *slog.Logger) *LLMProvider {
	return &LLMProvider{
		gen:         gen,
		store:       store,
		events:      events,
		suggestions: sugg,
		cfg:         cfg,
		log:         log,
		active:      map[string]*generation{},
	}
}

// Name implements provider.Provider.
func (p *LLMProvider) Name() string { return provider.NameLiteLLM }

// Categories implements provider.Provider.
func (p *LLMProvider) Categories() []run.Category {
	return []run.Category{run.CategoryChat, run.CategorySuggestions}
}

// Advance implements provider.Provider. One slice consumes stream
// fragments for at most budget, flushing text events at the configured
// cadence. Completion, transport failure and budget expiry all persist
// their effects before returning. At most one slice drives a run's
// generation; a concurrent observer's slice reports no progress.
func (p *LLMProvider) Advance(ctx context.Context, r *run.Run, budget time.Duration) (provider.Result, error) {
	now := time.Now()
	deadline := now.Add(budget)

	g, started, err := p.generation(ctx, r)
	if err != nil {
		r.Fail(fmt.Sprintf("generation start failed: %v", err), now)
		p.finalize(ctx, r)
		return provider.Result{Done: true}, nil
	}
	if g == nil {
		// Another observer's slice is already driving this run.
		return provider.Result{}, nil
	}
	defer p.release(g)

	if started {
		prevStage := r.Stage
		r.ApplySignal(run.SignalRunning, "", "", now)
		if r.Stage != prevStage {
			p.append(ctx, r, event.TypeStage, event.Marshal(event.StagePayload{Stage: string(r.Stage)}))
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case f := <-g.frags:
			switch {
			case f.err == nil:
				g.text.WriteString(f.text)
				g.buf.WriteString(f.text)
				p.maybeFlush(ctx, r, g, false)
			case errors.Is(f.err, io.EOF):
				p.maybeFlush(ctx, r, g, true)
				p.complete(ctx, r, g.text.String())
				p.drop(r.ID, g)
				return provider.Result{Done: true}, nil
			default:
				r.Fail(fmt.Sprintf("generation stream failed: %v", f.err), time.Now())
				p.finalize(ctx, r)
				p.drop(r.ID, g)
				return provider.Result{Done: true}, nil
			}

		case <-timer.C:
			return p.expire(ctx, r, g), nil

		case <-ctx.Done():
			return p.expire(ctx, r, g), nil
		}
	}
}

// Cancel implements provider.Provider: there is no external handle, only
// the local stream to tear down.
func (p *LLMProvider) Cancel(_ context.Context, r *run.Run) error {
	p.mu.Lock()
	g := p.active[r.ID]
	delete(p.active, r.ID)
	p.mu.Unlock()
	if g != nil {
		g.stop()
	}
	return nil
}

// generation returns the run's in-flight generation marked busy, starting
// one when none exists. A nil generation means another slice currently
// holds it. The stream's context is detached from the slice so it survives
// budget expiry; stop() is the only way it ends early.
func (p *LLMProvider) generation(ctx context.Context, r *run.Run) (*generation, bool, error) {
	p.mu.Lock()
	if g, ok := p.active[r.ID]; ok {
		if g.busy {
			p.mu.Unlock()
			return nil, false, nil
		}
		g.busy = true
		p.mu.Unlock()
		return g, false, nil
	}
	p.mu.Unlock()

	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := p.gen.Generate(genCtx, textgen.Request{
		Model:  p.cfg.Model,
		Prompt: p.prompt(r),
	})
	if err != nil {
		cancel()
		return nil, false, err
	}

	g := &generation{
		cancel:    cancel,
		stream:    stream,
		frags:     make(chan fragment),
		lastFlush: time.Now(),
		busy:      true,
	}
	go func() {
		for {
			text, err := stream.Recv()
			select {
			case g.frags <- fragment{text: text, err: err}:
			case <-genCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	p.mu.Lock()
	if existing, ok := p.active[r.ID]; ok {
		// A concurrent slice for the same run registered first. Only one
		// generation per run may live; tear ours down and resume theirs.
		if existing.busy {
			p.mu.Unlock()
			g.stop()
			return nil, false, nil
		}
		existing.busy = true
		p.mu.Unlock()
		g.stop()
		return existing, false, nil
	}
	p.active[r.ID] = g
	p.mu.Unlock()
	return g, true, nil
}

func (p *LLMProvider) release(g *generation) {
	p.mu.Lock()
	g.busy = false
	p.mu.Unlock()
}

func (p *LLMProvider) drop(runID string, g *generation) {
	p.mu.Lock()
	delete(p.active, runID)
	p.mu.Unlock()
	g.stop()
}

// prompt builds the generation prompt: the launch input when present,
// otherwise a minimal template per category.
func (p *LLMProvider) prompt(r *run.Run) string {
	if s := promptFromInput(r.Input); s != "" {
		return s
	}
	if r.Category == run.CategorySuggestions {
		return fmt.Sprintf(
			"List follow-up suggestions for ticket %s as a JSON array of {\"text\", \"justification\"} objects.",
			r.TicketID)
	}
	return fmt.Sprintf("Respond to the discussion on ticket %s.", r.TicketID)
}

// maybeFlush emits buffered fragments as one text event when the cadence
// threshold is reached, or unconditionally on force.
func (p *LLMProvider) maybeFlush(ctx context.Context, r *run.Run, g *generation, force bool) {
	if g.buf.Len() == 0 {
		return
	}
	if !force && g.buf.Len() < p.cfg.FlushBytes && time.Since(g.lastFlush) < p.cfg.FlushInterval {
		return
	}
	p.append(ctx, r, event.TypeText, event.Marshal(event.TextPayload{Text: g.buf.String()}))
	g.buf.Reset()
	g.lastFlush = time.Now()
}

// expire handles a slice ending before the generation does. Substantive
// partial text is accepted as the final answer; otherwise the partial is
// persisted and the open stream waits for the next slice.
func (p *LLMProvider) expire(ctx context.Context, r *run.Run, g *generation) provider.Result {
	// Detach from the expired slice context so the expiry bookkeeping
	// itself is not cut short.
	ctx = context.WithoutCancel(ctx)

	text := g.text.String()
	if p.cfg.SubstantiveLen > 0 && len(text) >= p.cfg.SubstantiveLen {
		p.maybeFlush(ctx, r, g, true)
		p.complete(ctx, r, text)
		p.drop(r.ID, g)
		return provider.Result{Done: true}
	}

	p.maybeFlush(ctx, r, g, true)
	r.Output = event.Marshal(outputPayload{Text: text, Partial: true})
	r.UpdatedAt = time.Now()
	p.persistPartial(ctx, r)
	return provider.Result{}
}

type outputPayload struct {
	Text    string `json:"text"`
	Partial bool   `json:"partial,omitempty"`
}

// complete finalizes a finished generation per category.
func (p *LLMProvider) complete(ctx context.Context, r *run.Run, text string) {
	now := time.Now()

	if r.Category == run.CategorySuggestions {
		p.completeSuggestions(ctx, r, text, now)
		return
	}

	r.Output = event.Marshal(outputPayload{Text: text})
	r.ApplySignal(run.SignalFinished, text, "", now)
	p.finalize(ctx, r)
}

// completeSuggestions parses the generated text into a suggestion list.
// A failed parse falls back to the ticket's last stored result; with no
// fallback the run fails.
func (p *LLMProvider) completeSuggestions(ctx context.Context, r *run.Run, text string, now time.Time) {
	items, err := suggestion.Parse(text)
	if err == nil {
		if saveErr := p.suggestions.Save(ctx, r.TicketID, r.ID, items); saveErr != nil {
			p.log.Warn("suggestion save failed", "run_id", r.ID, "error", saveErr)
		}
		r.Output = event.Marshal(items)
		r.ApplySignal(run.SignalFinished, fmt.Sprintf("Extracted %d suggestions.", len(items)), "", now)
		p.finalize(ctx, r)
		return
	}

	stored, storeErr := p.suggestions.Latest(ctx, r.TicketID)
	if storeErr != nil {
		p.log.Warn("suggestion fallback lookup failed", "run_id", r.ID, "error", storeErr)
	}
	if len(stored) > 0 {
		p.log.Info("suggestion parse failed, reusing last stored result",
			"run_id", r.ID, "ticket_id", r.TicketID)
		r.Output = event.Marshal(stored)
		r.ApplySignal(run.SignalFinished,
			fmt.Sprintf("Reused %d previously extracted suggestions.", len(stored)), "", now)
		p.finalize(ctx, r)
		return
	}

	r.Fail("suggestion parsing failed and no stored result exists for the ticket", now)
	p.finalize(ctx, r)
}

// finalize persists terminal state and appends the closing events.
func (p *LLMProvider) finalize(ctx context.Context, r *run.Run) {
	if r.Error != "" {
		p.append(ctx, r, event.TypeError, event.Marshal(event.ErrorPayload{Message: r.Error}))
	}
	p.append(ctx, r, event.TypeDone, event.Marshal(event.DonePayload{
		Status:  string(r.Status),
		Summary: r.Summary,
		Error:   r.Error,
	}))

	upd := runstore.Update{
		Status:      &r.Status,
		Stage:       &r.Stage,
		AgentStatus: &r.AgentStatus,
		Output:      r.Output,
		Summary:     &r.Summary,
		Error:       &r.Error,
		LastEventID: &r.LastEventID,
		FinishedAt:  r.FinishedAt,
	}
	if err := p.store.Update(ctx, r.ID, upd); err != nil {
		p.log.Error("run update failed", "run_id", r.ID, "error", err)
	}
}

// persistPartial saves the fields an expired slice touched.
func (p *LLMProvider) persistPartial(ctx context.Context, r *run.Run) {
	upd := runstore.Update{
		Status:      &r.Status,
		Stage:       &r.Stage,
		Output:      r.Output,
		LastEventID: &r.LastEventID,
	}
	if err := p.store.Update(ctx, r.ID, upd); err != nil {
		p.log.Error("run update failed", "run_id", r.ID, "error", err)
	}
}

func (p *LLMProvider) append(ctx context.Context, r *run.Run, t event.Type, payload json.RawMessage) {
	id, err := p.events.Append(ctx, r.ID, t, payload)
	if err != nil {
		p.log.Warn("event append failed", "run_id", r.ID, "type", string(t), "error", err)
		return
	}
	r.LastEventID = id
}

var _ provider.Provider = (*LLMProvider)(nil)
