// Package llm provides the completion client used for entity extraction and
// community report generation.
package llm

import (
	"context"
	"errors"
)

// ErrCircuitOpen is returned when the breaker rejects a call after repeated failures.
var ErrCircuitOpen = errors.New("llm circuit breaker is open")

// LLMClient defines the interface for interacting with large language models
type LLMClient interface {
	// Complete sends a prompt to the LLM and returns the raw completion text
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSchema sends a prompt and unmarshals the JSON response into schema,
	// which must be a pointer.
	CompleteWithSchema(ctx context.Context, prompt string, schema any) error
}
