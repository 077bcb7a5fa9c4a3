// Package eventlog defines the port interface for the append-only run
// event log.
package eventlog

import (
	"context"
	"encoding/json"

	"github.com/dispatchd/dispatchd/internal/domain/event"
)

// Log is the append-only event log scoped per run. The store assigns
// strictly increasing identifiers, which double as resume cursors.
type Log interface {
	// Append stores one event and returns its assigned identifier.
	Append(ctx context.Context, runID string, t event.Type, payload json.RawMessage) (int64, error)

	// ListAfter returns up to limit events for the run with identifiers
	// strictly greater than afterID, in ascending identifier order.
	ListAfter(ctx context.Context, runID string, afterID int64, limit int) ([]event.RunEvent, error)
}
