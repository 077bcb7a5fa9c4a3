package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/domain/run"
	"github.com/dispatchd/dispatchd/internal/port/runstore"
)

// RunStore implements runstore.Store using PostgreSQL.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore backed by the given connection pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runColumns = `id, category, provider, ticket_id, repo_ref, label, agent_handle, agent_status,
	status, stage, input, output, notes, summary, error, pull_url, last_event_id,
	created_at, updated_at, finished_at`

func scanRun(scanner interface{ Scan(dest ...any) error }) (run.Run, error) {
	var r run.Run
	var notes []byte
	err := scanner.Scan(
		&r.ID, &r.Category, &r.Provider, &r.TicketID, &r.RepoRef, &r.Label,
		&r.AgentHandle, &r.AgentStatus, &r.Status, &r.Stage, &r.Input, &r.Output,
		&notes, &r.Summary, &r.Error, &r.PullURL, &r.LastEventID,
		&r.CreatedAt, &r.UpdatedAt, &r.FinishedAt,
	)
	if err != nil {
		return r, err
	}
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &r.Notes); err != nil {
			return r, fmt.Errorf("unmarshal notes: %w", err)
		}
	}
	return r, nil
}

// Create inserts a new run record.
func (s *RunStore) Create(ctx context.Context, r *run.Run) error {
	notes, err := json.Marshal(r.Notes)
	if err != nil {
		return fmt.Errorf("marshal notes: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO runs (id, category, provider, ticket_id, repo_ref, label, agent_handle,
			agent_status, status, stage, input, output, notes, summary, error, pull_url, last_event_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING created_at, updated_at`,
		r.ID, r.Category, r.Provider, r.TicketID, r.RepoRef, r.Label, r.AgentHandle,
		r.AgentStatus, r.Status, r.Stage, r.Input, r.Output, notes, r.Summary, r.Error,
		r.PullURL, r.LastEventID)

	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Get returns a run by identifier.
func (s *RunStore) Get(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE id = $1`, runColumns), id)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

// Update applies a partial field update. Nil fields are untouched; the
// store never regresses a record a concurrent writer already advanced past
// terminal (the status guard is in the domain rules, re-checked by callers
// on a fresh read).
func (s *RunStore) Update(ctx context.Context, id string, upd runstore.Update) error {
	sets := []string{"updated_at = now()"}
	args := []any{id}

	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)))
	}

	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Stage != nil {
		add("stage", *upd.Stage)
	}
	if upd.AgentHandle != nil {
		add("agent_handle", *upd.AgentHandle)
	}
	if upd.AgentStatus != nil {
		add("agent_status", *upd.AgentStatus)
	}
	if upd.Output != nil {
		add("output", upd.Output)
	}
	if upd.Notes != nil {
		notes, err := json.Marshal(upd.Notes)
		if err != nil {
			return fmt.Errorf("marshal notes: %w", err)
		}
		add("notes", notes)
	}
	if upd.Summary != nil {
		add("summary", *upd.Summary)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	if upd.PullURL != nil {
		add("pull_url", *upd.PullURL)
	}
	if upd.LastEventID != nil {
		add("last_event_id", *upd.LastEventID)
	}
	if upd.FinishedAt != nil {
		add("finished_at", *upd.FinishedAt)
	}

	query := `UPDATE runs SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns runs matching the filter, newest first.
func (s *RunStore) List(ctx context.Context, f runstore.Filter) ([]run.Run, error) {
	var conditions []string
	var args []any

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		conditions = append(conditions, "status = ANY($"+strconv.Itoa(len(args))+")")
	}
	if f.Category != "" {
		args = append(args, f.Category)
		conditions = append(conditions, "category = $"+strconv.Itoa(len(args)))
	}

	query := fmt.Sprintf(`SELECT %s FROM runs`, runColumns)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
