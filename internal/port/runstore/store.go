// Package runstore defines the port interface for run record persistence.
package runstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain/run"
)

// Update is a partial run mutation. Nil fields are left unchanged, which
// lets callers persist exactly the fields a slice touched without a
// read-modify-write cycle over the whole record.
type Update struct {
	Status      *run.Status
	Stage       *run.Stage
	AgentHandle *string
	AgentStatus *string
	Output      json.RawMessage
	Notes       []run.ProgressNote
	Summary     *string
	Error       *string
	PullURL     *string
	LastEventID *int64
	FinishedAt  *time.Time
}

// Filter narrows List results.
type Filter struct {
	Statuses []run.Status
	Category run.Category
	Limit    int
}

// ActiveStatuses matches every non-terminal run, for batch operations.
var ActiveStatuses = []run.Status{
	run.StatusCreated,
	run.StatusLaunching,
	run.StatusPolling,
	run.StatusRunning,
}

// Store is the port interface for run records. No transactional guarantee
// is assumed across calls; concurrent advancement is tolerated by the
// adapters' idempotent design.
type Store interface {
	Create(ctx context.Context, r *run.Run) error
	Get(ctx context.Context, id string) (*run.Run, error)
	Update(ctx context.Context, id string, upd Update) error
	List(ctx context.Context, f Filter) ([]run.Run, error)
}
