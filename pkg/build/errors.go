package build

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dan-solli/graphrag/pkg/llm"
)

// ErrBuildInProgress is returned when another holder owns the graph's build lease.
var ErrBuildInProgress = errors.New("build already in progress")

// Error classifications used in metrics and traces.
const (
	ErrTypeNetwork    = "network"
	ErrTypeTimeout    = "timeout"
	ErrTypeLLM        = "llm"
	ErrTypeDatabase   = "database"
	ErrTypeValidation = "validation"
	ErrTypeUnknown    = "unknown"
)

// Collaborators named by ExternalError.
const (
	CollaboratorExtraction  = "extraction"
	CollaboratorEmbedding   = "embedding"
	CollaboratorVectorStore = "vector_store"
	CollaboratorMemoryStore = "memory_store"
)

// ValidationError rejects build options before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid build options: %s %s", e.Field, e.Reason)
}

// StorageError is a graph store failure. Inside the per-memory loop it aborts
// only that memory's transaction.
type StorageError struct {
	MemoryID string // empty for build-wide stages
	Op       string
	Err      error
}

func (e *StorageError) Error() string {
	if e.MemoryID == "" {
		return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage error during %s for memory %s: %v", e.Op, e.MemoryID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ExternalError is a failed call to a collaborator. The affected memory is left
// unprocessed so the next build retries it.
type ExternalError struct {
	MemoryID     string
	Collaborator string
	Err          error
}

func (e *ExternalError) Error() string {
	if e.MemoryID == "" {
		return fmt.Sprintf("%s failed: %v", e.Collaborator, e.Err)
	}
	return fmt.Sprintf("%s failed for memory %s: %v", e.Collaborator, e.MemoryID, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// ClassifyError maps an error onto one of the ErrType* buckets.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrTypeValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTypeTimeout
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return ErrTypeNetwork
	}
	if errors.Is(err, llm.ErrCircuitOpen) {
		return ErrTypeLLM
	}
	var se *StorageError
	if errors.As(err, &se) {
		return ErrTypeDatabase
	}

	if t := classifyMessage(strings.ToLower(err.Error())); t != ErrTypeUnknown {
		return t
	}

	var ee *ExternalError
	if errors.As(err, &ee) {
		switch ee.Collaborator {
		case CollaboratorExtraction, CollaboratorEmbedding:
			return ErrTypeLLM
		case CollaboratorVectorStore, CollaboratorMemoryStore:
			return ErrTypeDatabase
		}
	}
	return ErrTypeUnknown
}

func classifyMessage(msg string) string {
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ErrTypeTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "dial tcp"),
		strings.Contains(msg, "eof"):
		return ErrTypeNetwork
	case strings.Contains(msg, "api error"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "openai"),
		strings.Contains(msg, "completion"),
		strings.Contains(msg, "model") && strings.Contains(msg, "not found"):
		return ErrTypeLLM
	case strings.Contains(msg, "sql"),
		strings.Contains(msg, "database"),
		strings.Contains(msg, "constraint"):
		return ErrTypeDatabase
	case strings.Contains(msg, "validation"),
		strings.Contains(msg, "invalid"),
		strings.Contains(msg, "cannot be empty"),
		strings.Contains(msg, "must be"):
		return ErrTypeValidation
	}
	return ErrTypeUnknown
}
