// Package agentbackend defines the port for the external coding-agent
// execution service. Only the abstract operations this core needs are
// specified; the wire format belongs to the adapter.
package agentbackend

import "context"

// LaunchSpec describes the work to delegate.
type LaunchSpec struct {
	Prompt    string
	RepoRef   string
	TargetRef string

	// RefreshToolchain asks the backend to refresh its secondary toolchain
	// before starting; the caller decides cadence via an injected state
	// object, not process-wide flags.
	RefreshToolchain bool
}

// PollStatus is one observation of a delegated task.
type PollStatus struct {
	// Status is the backend's raw signal (CREATING, RUNNING, FINISHED,
	// FAILED, CANCELLED, ERROR).
	Status string

	Summary     string
	Detail      string
	PullURL     string
	AgentStatus string
}

// Message is one conversation entry from the backend transcript.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// DiffStat is the change-diff metadata retrievable for a finished task.
type DiffStat struct {
	FilesChanged int      `json:"files_changed"`
	Additions    int      `json:"additions"`
	Deletions    int      `json:"deletions"`
	Files        []string `json:"files,omitempty"`
}

// Backend is the port interface for the coding-agent execution service.
// All operations are request/response; failures surface as structured
// human-readable messages categorized by response code.
type Backend interface {
	Launch(ctx context.Context, spec LaunchSpec) (handle string, err error)
	Poll(ctx context.Context, handle string) (*PollStatus, error)

	// FetchConversation returns the transcript, or nil when the backend
	// has none for this handle.
	FetchConversation(ctx context.Context, handle string) ([]Message, error)

	// FetchDiff returns change metadata, or nil when none is available.
	FetchDiff(ctx context.Context, handle string) (*DiffStat, error)

	Cancel(ctx context.Context, handle string) error
}
