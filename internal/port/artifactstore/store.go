// Package artifactstore defines the port interface for artifact rows. The
// upsert engine in the service layer builds its dedup algorithm on exactly
// these primitives; the store offers no application-level locking.
package artifactstore

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/domain/artifact"
)

// Store is the port interface for artifact persistence.
type Store interface {
	// FindByCanonicalIdentity returns all rows matching (ticket, category,
	// canonical type) regardless of exact title, newest first.
	FindByCanonicalIdentity(ctx context.Context, ticketID string, cat artifact.Category, typ string) ([]artifact.Artifact, error)

	// FindByExactTitle returns all rows matching (ticket, category, title),
	// newest first.
	FindByExactTitle(ctx context.Context, ticketID string, cat artifact.Category, title string) ([]artifact.Artifact, error)

	// Insert stores a new row. Returns domain.ErrConflict (wrapped) when a
	// concurrent writer already created a row with the same unique identity.
	Insert(ctx context.Context, a *artifact.Artifact) error

	// Update replaces title, canonical type and body of an existing row.
	Update(ctx context.Context, id int64, title, typ, body string) error

	// DeleteMany removes the given rows; missing ids are not an error.
	DeleteMany(ctx context.Context, ids []int64) error
}
