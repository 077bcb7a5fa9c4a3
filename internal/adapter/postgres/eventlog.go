package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dispatchd/dispatchd/internal/domain/event"
)

// EventLog implements eventlog.Log using PostgreSQL (append-only). The
// bigserial primary key assigns strictly increasing identifiers, so event
// ordering is decided by the store, not the caller.
type EventLog struct {
	pool *pgxpool.Pool
}

// NewEventLog creates an EventLog backed by the given connection pool.
func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

// Append inserts one event and returns its assigned identifier.
func (l *EventLog) Append(ctx context.Context, runID string, t event.Type, payload json.RawMessage) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO run_events (run_id, event_type, payload)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		runID, string(t), payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return id, nil
}

// ListAfter returns up to limit events with identifiers strictly greater
// than afterID, ascending.
func (l *EventLog) ListAfter(ctx context.Context, runID string, afterID int64, limit int) ([]event.RunEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.pool.Query(ctx,
		`SELECT id, run_id, event_type, payload, created_at
		 FROM run_events
		 WHERE run_id = $1 AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events after %d: %w", afterID, err)
	}
	defer rows.Close()

	var events []event.RunEvent
	for rows.Next() {
		var ev event.RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
