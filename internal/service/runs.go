package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	dotel "github.com/dispatchd/dispatchd/internal/adapter/otel"
	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/domain/event"
	"github.com/dispatchd/dispatchd/internal/domain/run"
	"github.com/dispatchd/dispatchd/internal/port/eventlog"
	"github.com/dispatchd/dispatchd/internal/port/runstore"
)

// Launcher is implemented by providers whose backend requires an explicit
// external launch before polling (the coding-agent backend). Streaming
// providers start work lazily on the first advancement slice.
type Launcher interface {
	Launch(ctx context.Context, r *run.Run) error
}

// RunService handles the run lifecycle outside of advancement: launching,
// lookup, and cancellation.
type RunService struct {
	store    runstore.Store
	events   eventlog.Log
	dispatch *Dispatcher
	metrics  *dotel.Metrics
	log      *slog.Logger
}

// NewRunService creates a RunService.
func NewRunService(store runstore.Store, events eventlog.Log, dispatch *Dispatcher, log *slog.Logger) *RunService {
	return &RunService{store: store, events: events, dispatch: dispatch, log: log}
}

// SetMetrics attaches metric instruments to the launch path.
func (s *RunService) SetMetrics(m *dotel.Metrics) {
	s.metrics = m
}

// Launch validates the request, persists a new run, and performs the
// backend launch when the routed provider requires one. A missing-
// credential failure is returned as ErrNotConfigured without marking the
// run failed elsewhere than on the record itself.
func (s *RunService) Launch(ctx context.Context, req run.StartRequest) (*run.Run, error) {
	if !req.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", domain.ErrValidation, req.Category)
	}
	if req.TicketID == "" {
		return nil, fmt.Errorf("%w: ticket_id is required", domain.ErrValidation)
	}

	ctx, span := dotel.StartLaunchSpan(ctx, string(req.Category), req.Provider, req.TicketID)
	defer span.End()

	now := time.Now().UTC()
	r := &run.Run{
		ID:        uuid.NewString(),
		Category:  req.Category,
		Provider:  req.Provider,
		TicketID:  req.TicketID,
		RepoRef:   req.RepoRef,
		Label:     req.Label,
		Status:    run.StatusCreated,
		Stage:     run.StagePreparing,
		Input:     req.Input,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Routing is checked up front so an impossible provider/category pair
	// fails before anything is persisted.
	p, err := s.dispatch.Route(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.appendStage(ctx, r)

	if launcher, ok := p.(Launcher); ok {
		s.setStage(ctx, r, run.StageLaunching, run.StatusLaunching)
		if err := launcher.Launch(ctx, r); err != nil {
			if errors.Is(err, domain.ErrNotConfigured) {
				// Configuration errors are fatal at the launch boundary and
				// never retried; the record still captures the failure.
				s.markFailed(ctx, r, "backend not configured: missing credentials")
				return r, domain.ErrNotConfigured
			}
			s.markFailed(ctx, r, err.Error())
			return r, nil
		}
		handle := r.AgentHandle
		status := run.StatusLaunching
		if err := s.store.Update(ctx, r.ID, runstore.Update{
			Status:      &status,
			AgentHandle: &handle,
		}); err != nil {
			s.log.Error("persist launch failed", "run_id", r.ID, "error", err)
		}
		r.Status = status
	}

	if s.metrics != nil {
		s.metrics.RunsStarted.Add(ctx, 1)
	}
	s.log.Info("run launched", "run_id", r.ID, "category", r.Category, "provider", p.Name())
	return r, nil
}

// Get returns a run by identifier.
func (s *RunService) Get(ctx context.Context, id string) (*run.Run, error) {
	return s.store.Get(ctx, id)
}

// List returns runs matching the filter.
func (s *RunService) List(ctx context.Context, f runstore.Filter) ([]run.Run, error) {
	return s.store.List(ctx, f)
}

// Cancel stops one run: the backend is asked to cancel its external work,
// and the record is marked failed with the cancellation reason. Cancelling
// a terminal run is a no-op.
func (s *RunService) Cancel(ctx context.Context, id, reason string) (*run.Run, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return r, nil
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	if err := s.dispatch.Cancel(ctx, r); err != nil {
		// The backend may already be done or unreachable; the run is still
		// marked cancelled locally.
		s.log.Warn("backend cancel failed", "run_id", r.ID, "error", err)
	}

	now := time.Now().UTC()
	r.Fail(reason, now)
	s.markFailed(ctx, r, reason)
	return r, nil
}

// CancelActive cancels every run matching the active-status filter,
// collecting per-run errors without aborting the batch.
func (s *RunService) CancelActive(ctx context.Context, reason string) (cancelled int, errs []error) {
	active, err := s.store.List(ctx, runstore.Filter{Statuses: runstore.ActiveStatuses})
	if err != nil {
		return 0, []error{err}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, r := range active {
		id := r.ID
		g.Go(func() error {
			if _, cerr := s.Cancel(gctx, id, reason); cerr != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("cancel %s: %w", id, cerr))
				mu.Unlock()
				return nil // collect, don't abort the batch
			}
			mu.Lock()
			cancelled++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return cancelled, errs
}

// setStage persists a stage/status change and appends the stage event.
func (s *RunService) setStage(ctx context.Context, r *run.Run, stage run.Stage, status run.Status) {
	r.Stage = stage
	r.Status = status
	if err := s.store.Update(ctx, r.ID, runstore.Update{Status: &status, Stage: &stage}); err != nil {
		s.log.Error("persist stage failed", "run_id", r.ID, "error", err)
		return
	}
	s.appendStage(ctx, r)
}

func (s *RunService) appendStage(ctx context.Context, r *run.Run) {
	payload := event.Marshal(event.StagePayload{Stage: string(r.Stage)})
	if _, err := s.events.Append(ctx, r.ID, event.TypeStage, payload); err != nil {
		s.log.Error("append stage event failed", "run_id", r.ID, "error", err)
	}
}

// markFailed records a terminal failure on the run and appends the error
// and done events so observers receive a structured terminal state.
func (s *RunService) markFailed(ctx context.Context, r *run.Run, reason string) {
	now := time.Now().UTC()
	r.Fail(reason, now)

	status := r.Status
	stage := r.Stage
	if err := s.store.Update(ctx, r.ID, runstore.Update{
		Status:     &status,
		Stage:      &stage,
		Error:      &r.Error,
		FinishedAt: r.FinishedAt,
	}); err != nil {
		s.log.Error("persist failure failed", "run_id", r.ID, "error", err)
	}

	if _, err := s.events.Append(ctx, r.ID, event.TypeError,
		event.Marshal(event.ErrorPayload{Message: r.Error})); err != nil {
		s.log.Error("append error event failed", "run_id", r.ID, "error", err)
	}
	if _, err := s.events.Append(ctx, r.ID, event.TypeDone,
		event.Marshal(event.DonePayload{Status: string(r.Status), Error: r.Error})); err != nil {
		s.log.Error("append done event failed", "run_id", r.ID, "error", err)
	}
}
