package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/domain/artifact"
)

// ArtifactStore implements artifactstore.Store using PostgreSQL.
type ArtifactStore struct {
	pool *pgxpool.Pool
}

// NewArtifactStore creates an ArtifactStore backed by the given pool.
func NewArtifactStore(pool *pgxpool.Pool) *ArtifactStore {
	return &ArtifactStore{pool: pool}
}

const artifactColumns = `id, ticket_id, category, title, canonical_type, body, created_at, updated_at`

func scanArtifact(scanner interface{ Scan(dest ...any) error }) (artifact.Artifact, error) {
	var a artifact.Artifact
	err := scanner.Scan(&a.ID, &a.TicketID, &a.Category, &a.Title, &a.CanonicalType,
		&a.Body, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *ArtifactStore) query(ctx context.Context, where string, args ...any) ([]artifact.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM artifacts WHERE %s ORDER BY created_at DESC`, artifactColumns, where),
		args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []artifact.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindByCanonicalIdentity returns rows matching (ticket, category,
// canonical type) regardless of title, newest first.
func (s *ArtifactStore) FindByCanonicalIdentity(ctx context.Context, ticketID string, cat artifact.Category, typ string) ([]artifact.Artifact, error) {
	return s.query(ctx, `ticket_id = $1 AND category = $2 AND canonical_type = $3`, ticketID, cat, typ)
}

// FindByExactTitle returns rows matching (ticket, category, title), newest
// first.
func (s *ArtifactStore) FindByExactTitle(ctx context.Context, ticketID string, cat artifact.Category, title string) ([]artifact.Artifact, error) {
	return s.query(ctx, `ticket_id = $1 AND category = $2 AND title = $3`, ticketID, cat, title)
}

// Insert stores a new row. A unique violation on the identity index maps
// to domain.ErrConflict so the upsert engine can fall back to an update.
func (s *ArtifactStore) Insert(ctx context.Context, a *artifact.Artifact) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO artifacts (ticket_id, category, title, canonical_type, body)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		a.TicketID, a.Category, a.Title, a.CanonicalType, a.Body)

	if err := row.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert artifact: %w", domain.ErrConflict)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// Update replaces title, canonical type and body of an existing row.
func (s *ArtifactStore) Update(ctx context.Context, id int64, title, typ, body string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE artifacts SET title = $2, canonical_type = $3, body = $4, updated_at = now()
		 WHERE id = $1`,
		id, title, typ, body)
	if err != nil {
		return fmt.Errorf("update artifact %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update artifact %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteMany removes the given rows; missing ids are not an error.
func (s *ArtifactStore) DeleteMany(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM artifacts WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return nil
}
