package service

import (
	"context"
	"fmt"
	"time"

	dotel "github.com/dispatchd/dispatchd/internal/adapter/otel"
	"github.com/dispatchd/dispatchd/internal/domain/run"
	"github.com/dispatchd/dispatchd/internal/port/provider"
)

// Dispatcher selects the provider adapter for a run and enforces the
// capability contract. It performs no retries itself; retry policy belongs
// to the caller via repeated slice invocations.
type Dispatcher struct {
	providers map[string]provider.Provider
	metrics   *dotel.Metrics
}

// NewDispatcher creates a dispatcher over the given providers. Providers
// are injected, not discovered through package-level registration.
func NewDispatcher(providers ...provider.Provider) *Dispatcher {
	m := make(map[string]provider.Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Dispatcher{providers: m}
}

// SetMetrics attaches metric instruments to slice dispatching.
func (d *Dispatcher) SetMetrics(m *dotel.Metrics) {
	d.metrics = m
}

// Route returns the provider responsible for the run. An explicitly
// declared provider name is authoritative: a capability mismatch is a hard
// error, never a silent fallback. Otherwise routing is inferred from the
// category.
func (d *Dispatcher) Route(r *run.Run) (provider.Provider, error) {
	name := r.Provider
	if name == "" {
		name = InferProvider(r.Category)
	}

	p, ok := d.providers[name]
	if !ok {
		return nil, fmt.Errorf("dispatch run %s: unknown provider %q", r.ID, name)
	}
	if !supports(p, r.Category) {
		return nil, fmt.Errorf("dispatch run %s: provider %q does not support category %q",
			r.ID, name, r.Category)
	}
	return p, nil
}

// Advance routes the run and invokes exactly one adapter for one budgeted
// slice.
func (d *Dispatcher) Advance(ctx context.Context, r *run.Run, budget time.Duration) (provider.Result, error) {
	p, err := d.Route(r)
	if err != nil {
		return provider.Result{}, err
	}

	ctx, span := dotel.StartSliceSpan(ctx, r.ID, p.Name())
	defer span.End()

	start := time.Now()
	res, err := p.Advance(ctx, r, budget)
	d.record(ctx, r, res, time.Since(start))
	return res, err
}

func (d *Dispatcher) record(ctx context.Context, r *run.Run, res provider.Result, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.SliceDuration.Record(ctx, elapsed.Seconds())
	if !res.Done {
		return
	}
	if r.Status == run.StatusCompleted {
		d.metrics.RunsCompleted.Add(ctx, 1)
	} else {
		d.metrics.RunsFailed.Add(ctx, 1)
	}
}

// Cancel routes the run and forwards the cancellation to its backend.
func (d *Dispatcher) Cancel(ctx context.Context, r *run.Run) error {
	p, err := d.Route(r)
	if err != nil {
		return err
	}
	return p.Cancel(ctx, r)
}

// InferProvider maps a category to its default provider name:
// language-model categories route to the streaming backend, everything
// else to the coding-agent backend.
func InferProvider(c run.Category) string {
	if c.Streaming() {
		return provider.NameLiteLLM
	}
	return provider.NameConveyor
}

func supports(p provider.Provider, c run.Category) bool {
	for _, pc := range p.Categories() {
		if pc == c {
			return true
		}
	}
	return false
}
