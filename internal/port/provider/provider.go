// Package provider defines the backend provider port: an integration
// capable of advancing runs of certain categories by one budgeted slice.
package provider

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain/run"
)

// Known provider names.
const (
	NameConveyor = "conveyor" // poll-based coding-agent backend
	NameLiteLLM  = "litellm"  // token-streaming language-model backend
)

// Result reports the outcome of one advancement slice.
type Result struct {
	// Done is true when the run reached a terminal status during this
	// slice. A false result means a later slice should resume the work.
	Done bool
}

// Provider advances runs by one bounded slice. Implementations persist
// their own effects (run fields, events, artifacts) before returning and
// never raise past the slice boundary for expected failure modes.
type Provider interface {
	// Name returns the unique provider identifier.
	Name() string

	// Categories returns the run categories this provider can advance.
	Categories() []run.Category

	// Advance drives the run for at most budget. The run passed in was
	// read fresh from the store by the caller.
	Advance(ctx context.Context, r *run.Run, budget time.Duration) (Result, error)

	// Cancel asks the backend to stop the run's external work.
	Cancel(ctx context.Context, r *run.Run) error
}
