package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/domain/event"
	"github.com/dispatchd/dispatchd/internal/domain/run"
	"github.com/dispatchd/dispatchd/internal/port/eventlog"
	"github.com/dispatchd/dispatchd/internal/port/runstore"
)

// StreamerConfig tunes the per-run observation loop. Budgets differ by
// backend kind: short for the poll-based backend with its tight external
// cadence, longer for streaming generation.
type StreamerConfig struct {
	IdleDelay     time.Duration
	KeepAlive     time.Duration
	DrainLimit    int
	MaxIterations int // 0 = unbounded; used to bound tests
	PollBudget    time.Duration
	StreamBudget  time.Duration
}

// Streamer runs the resumable, cooperative observation loop: drain newly
// appended events to the client, otherwise advance the run by one budgeted
// slice, until the run is terminal and fully drained or the client goes
// away. Each observed run gets its own loop; loops share no in-process
// state, the run record read fresh each iteration is the source of truth.
type Streamer struct {
	runs     runstore.Store
	events   eventlog.Log
	dispatch *Dispatcher
	cfg      StreamerConfig
	log      *slog.Logger
}

// NewStreamer creates a Streamer.
func NewStreamer(runs runstore.Store, events eventlog.Log, dispatch *Dispatcher, cfg StreamerConfig, log *slog.Logger) *Streamer {
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = 100
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = time.Second
	}
	return &Streamer{runs: runs, events: events, dispatch: dispatch, cfg: cfg, log: log}
}

// Stream observes the run until it terminates or ctx is cancelled. Events
// with identifiers greater than afterID are delivered via send, in store
// order, each identifier at most once. keepAlive is called periodically so
// the transport can signal liveness; a nil keepAlive is ignored.
//
// Client disconnect (ctx cancellation or a send error) stops the loop but
// never aborts an in-flight provider slice: the external backend's work is
// not free to discard, so the slice completes and persists its effects.
func (s *Streamer) Stream(ctx context.Context, runID string, afterID int64, send func(event.RunEvent) error, keepAlive func() error) error {
	cursor := afterID
	sawDone := false
	lastKeep := time.Now()
	iterations := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil // client gone
		}
		if s.cfg.MaxIterations > 0 {
			iterations++
			if iterations > s.cfg.MaxIterations {
				return nil
			}
		}

		evs, err := s.events.ListAfter(ctx, runID, cursor, s.cfg.DrainLimit)
		if err != nil {
			s.log.Warn("event drain failed", "run_id", runID, "error", err)
			if !s.pause(ctx) {
				return nil
			}
			continue
		}

		if len(evs) > 0 {
			for _, ev := range evs {
				if err := send(ev); err != nil {
					return nil // client gone mid-flush
				}
				cursor = ev.ID
				if ev.Type == event.TypeDone {
					sawDone = true
				}
			}
			if sawDone {
				return nil
			}
			continue // drain until empty before polling the record
		}

		r, err := s.runs.Get(ctx, runID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return err
			}
			// Transient store failure: no progress this iteration.
			s.log.Warn("run read failed", "run_id", runID, "error", err)
			if !s.pause(ctx) {
				return nil
			}
			continue
		}

		if r.Terminal() {
			// All events drained and the run is finished. If the log never
			// received a terminal event (e.g. a crashed slice), synthesize
			// one so the client still gets a structured close. The synthetic
			// event carries no identifier and never disturbs the cursor.
			if !sawDone {
				done := event.RunEvent{
					RunID: runID,
					Type:  event.TypeDone,
					Payload: event.Marshal(event.DonePayload{
						Status:  string(r.Status),
						Summary: r.Summary,
						Error:   r.Error,
					}),
					CreatedAt: time.Now().UTC(),
				}
				_ = send(done)
			}
			return nil
		}

		// No new events and the run is live: advance one budgeted slice.
		// The slice runs on a detached context: client disconnect is
		// observed at the loop top, never by cancelling backend work
		// already in flight. Any slice failure is "no progress this
		// iteration", never a broken observation channel.
		if _, err := s.dispatch.Advance(context.WithoutCancel(ctx), r, s.budget(r)); err != nil {
			s.log.Warn("advancement slice failed", "run_id", runID, "error", err)
		}

		if keepAlive != nil && s.cfg.KeepAlive > 0 && time.Since(lastKeep) >= s.cfg.KeepAlive {
			if err := keepAlive(); err != nil {
				return nil
			}
			lastKeep = time.Now()
		}

		if !s.pause(ctx) {
			return nil
		}
	}
}

// budget returns the slice budget for the run's backend kind.
func (s *Streamer) budget(r *run.Run) time.Duration {
	if r.Category.Streaming() {
		return s.cfg.StreamBudget
	}
	return s.cfg.PollBudget
}

// pause sleeps the idle delay; returns false when the client went away.
func (s *Streamer) pause(ctx context.Context) bool {
	t := time.NewTimer(s.cfg.IdleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
