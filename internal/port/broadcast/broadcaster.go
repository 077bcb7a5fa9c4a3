// Package broadcast defines the port for pushing real-time notifications
// to connected dashboard clients.
package broadcast

import "context"

// Broadcaster sends a typed notification to all connected clients.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
