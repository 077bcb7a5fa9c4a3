// Package run defines the Run domain entity: one delegated, asynchronous
// unit of work advanced slice-by-slice by a backend provider.
package run

import (
	"encoding/json"
	"time"
)

// Status represents the coarse state of a run. Transitions move forward
// only; completed and failed are terminal.
type Status string

const (
	StatusCreated   Status = "created"
	StatusLaunching Status = "launching"
	StatusPolling   Status = "polling"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further advancement occurs for this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// statusRank orders statuses for the monotonic-transition guard. Equal or
// higher rank is allowed; a terminal status never yields to another value.
var statusRank = map[Status]int{
	StatusCreated:   0,
	StatusLaunching: 1,
	StatusPolling:   2,
	StatusRunning:   2,
	StatusCompleted: 3,
	StatusFailed:    3,
}

// CanTransition reports whether moving from one status to another respects
// the forward-only lifecycle. polling and running are peers and may
// alternate while the run is in flight.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return statusRank[to] >= statusRank[from]
}

// Stage is the finer-grained, UI-facing progress label layered on top of
// Status. It is only meaningful while the run is non-terminal.
type Stage string

const (
	StagePreparing      Stage = "preparing"
	StageFetchingTicket Stage = "fetching_ticket"
	StageResolvingRepo  Stage = "resolving_repo"
	StageFetchingBranch Stage = "fetching_branch"
	StageLaunching      Stage = "launching"
	StageRunning        Stage = "running"
	StageReviewing      Stage = "reviewing"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

// inFlightStages are the "settled" working stages. A polling slice leaves
// the stage alone when it is already one of these, so repeated polls do not
// flicker the label back and forth.
var inFlightStages = map[Stage]bool{
	StageRunning:   true,
	StageReviewing: true,
}

// InFlight reports whether s is a settled working stage.
func (s Stage) InFlight() bool { return inFlightStages[s] }

// Category identifies the kind of delegated task. It drives provider
// routing and the default working stage.
type Category string

const (
	CategoryImplementation Category = "implementation"
	CategoryQA             Category = "qa"
	CategoryChat           Category = "chat"
	CategorySuggestions    Category = "suggestions"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryImplementation, CategoryQA, CategoryChat, CategorySuggestions:
		return true
	}
	return false
}

// Streaming reports whether this category is served by the token-streaming
// language-model backend rather than the coding-agent backend.
func (c Category) Streaming() bool {
	return c == CategoryChat || c == CategorySuggestions
}

// WorkingStage returns the default in-flight stage for the category:
// reviewing for QA-style runs, running for everything else.
func (c Category) WorkingStage() Stage {
	if c == CategoryQA {
		return StageReviewing
	}
	return StageRunning
}

// MaxProgressNotes caps the bounded note list; appending beyond the cap
// evicts the oldest entry first.
const MaxProgressNotes = 50

// ProgressNote is one timestamped progress message on a run.
type ProgressNote struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Run represents one delegated task. It is created by the launch path,
// mutated exclusively by provider adapters and the lifecycle rules during
// advancement, and never deleted (cancellation marks it failed).
type Run struct {
	ID          string          `json:"id"`
	Category    Category        `json:"category"`
	Provider    string          `json:"provider,omitempty"`
	TicketID    string          `json:"ticket_id"`
	RepoRef     string          `json:"repo_ref,omitempty"`
	Label       string          `json:"label,omitempty"`
	AgentHandle string          `json:"agent_handle,omitempty"`
	AgentStatus string          `json:"agent_status,omitempty"`
	Status      Status          `json:"status"`
	Stage       Stage           `json:"stage,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Notes       []ProgressNote  `json:"notes,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	Error       string          `json:"error,omitempty"`
	PullURL     string          `json:"pull_url,omitempty"`
	LastEventID int64           `json:"last_event_id"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the run has reached completed or failed.
func (r *Run) Terminal() bool { return r.Status.Terminal() }

// AppendNote adds a progress note, evicting the oldest entry when the list
// is full.
func (r *Run) AppendNote(at time.Time, message string) {
	r.Notes = append(r.Notes, ProgressNote{At: at, Message: message})
	if len(r.Notes) > MaxProgressNotes {
		r.Notes = r.Notes[len(r.Notes)-MaxProgressNotes:]
	}
}

// StartRequest holds the fields needed to launch a new run.
type StartRequest struct {
	Category Category        `json:"category"`
	Provider string          `json:"provider,omitempty"`
	TicketID string          `json:"ticket_id"`
	RepoRef  string          `json:"repo_ref,omitempty"`
	Label    string          `json:"label,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}
