// Package messagequeue defines the message queue port used to fan run
// events out to external consumers.
package messagequeue

import "context"

// Subjects published by this service.
const (
	// SubjectRunEvents carries appended run events; the run identifier is
	// appended as the final token ("runs.events.<run_id>").
	SubjectRunEvents = "runs.events"

	// SubjectRunStatus carries stage and done events only, for consumers
	// that track lifecycle transitions without the full text stream. The
	// run identifier is appended as the final token.
	SubjectRunStatus = "runs.status"
)

// Queue is the port interface for publishing messages. Publishing is
// best-effort: the database event log stays authoritative and a queue
// failure never fails the append.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Drain() error
	Close() error
	IsConnected() bool
}
