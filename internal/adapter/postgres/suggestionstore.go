package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dispatchd/dispatchd/internal/domain/suggestion"
)

// SuggestionStore implements suggestionstore.Store using PostgreSQL.
type SuggestionStore struct {
	pool *pgxpool.Pool
}

// NewSuggestionStore creates a SuggestionStore backed by the given pool.
func NewSuggestionStore(pool *pgxpool.Pool) *SuggestionStore {
	return &SuggestionStore{pool: pool}
}

// Save stores a parsed suggestion list for a ticket.
func (s *SuggestionStore) Save(ctx context.Context, ticketID, runID string, items []suggestion.Suggestion) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal suggestions: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO suggestions (ticket_id, run_id, items) VALUES ($1, $2, $3)`,
		ticketID, runID, data); err != nil {
		return fmt.Errorf("save suggestions: %w", err)
	}
	return nil
}

// Latest returns the most recently saved list for the ticket, or nil when
// none exists.
func (s *SuggestionStore) Latest(ctx context.Context, ticketID string) ([]suggestion.Suggestion, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT items FROM suggestions WHERE ticket_id = $1 ORDER BY created_at DESC LIMIT 1`,
		ticketID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest suggestions: %w", err)
	}

	var items []suggestion.Suggestion
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("unmarshal suggestions: %w", err)
	}
	return items, nil
}
