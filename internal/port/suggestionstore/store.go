// Package suggestionstore defines the port interface for persisted
// suggestion-extraction results.
package suggestionstore

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/domain/suggestion"
)

// Store persists parsed suggestion lists per ticket. When a fresh parse
// fails, callers fall back to the most recent stored result.
type Store interface {
	Save(ctx context.Context, ticketID, runID string, items []suggestion.Suggestion) error

	// Latest returns the most recently saved list for the ticket, or nil
	// when none exists.
	Latest(ctx context.Context, ticketID string) ([]suggestion.Suggestion, error)
}
