// Package event defines the append-only RunEvent log entry. Events are the
// durable record of what happened during a run; the run record itself is a
// mutable projection optimized for point lookups.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of run event.
type Type string

const (
	TypeText       Type = "text"        // streamed text fragment
	TypeStage      Type = "stage"       // stage change
	TypeNote       Type = "note"        // progress note
	TypeToolCall   Type = "tool_call"   // tool invocation
	TypeToolResult Type = "tool_result" // tool result
	TypeError      Type = "error"       // run-level error
	TypeDone       Type = "done"        // terminal marker, closes the stream
)

// RunEvent is one immutable observable occurrence scoped to a run. The
// store assigns the identifier; identifiers are strictly increasing within
// a run and never reused, which makes them usable as resume cursors.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TextPayload is the payload of a TypeText event.
type TextPayload struct {
	Text string `json:"text"`
}

// StagePayload is the payload of a TypeStage event.
type StagePayload struct {
	Stage string `json:"stage"`
}

// NotePayload is the payload of a TypeNote event.
type NotePayload struct {
	Message string `json:"message"`
}

// ToolCallPayload is the payload of a TypeToolCall event.
type ToolCallPayload struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload is the payload of a TypeToolResult event.
type ToolResultPayload struct {
	Tool   string `json:"tool"`
	Output string `json:"output,omitempty"`
}

// ErrorPayload is the payload of a TypeError event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// DonePayload is the payload of a TypeDone event.
type DonePayload struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Marshal encodes a payload struct, panicking on the impossible case of a
// non-marshalable value (all payload types above are plain data).
func Marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("event: marshal payload: " + err.Error())
	}
	return data
}
