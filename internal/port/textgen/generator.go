// Package textgen defines the port for the streaming language-model
// backend: a single "generate with streaming" operation.
package textgen

import "context"

// Request parameterizes one streamed generation.
type Request struct {
	Model  string
	Prompt string
}

// Stream yields incremental text fragments. Recv returns io.EOF when the
// generation completes normally.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Generator is the port interface for the language-model backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}
