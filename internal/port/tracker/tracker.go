// Package tracker defines the port interface for the issue tracker holding
// the parent tickets runs are delegated from.
package tracker

import "context"

// Ticket is the slice of a tracker work item this core needs: the display
// key feeds canonical artifact titles.
type Ticket struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Title string `json:"title"`
}

// Tracker is the port interface for the external issue tracker.
type Tracker interface {
	// Get returns a ticket by identifier.
	Get(ctx context.Context, id string) (*Ticket, error)

	// MoveToReview transitions the ticket into the review queue after a
	// completed implementation run.
	MoveToReview(ctx context.Context, id string) error
}
