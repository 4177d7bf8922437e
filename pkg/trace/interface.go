// Package trace exports sanitized per-build timing records.
package trace

import (
	"context"
	"time"
)

// Exporter writes trace records somewhere. Implementations must be safe for
// concurrent use.
type Exporter interface {
	Export(ctx context.Context, record *TraceRecord) error

	// Close flushes buffered records and releases resources.
	Close() error
}

// TraceRecord is one operation ready for export. It carries ids and counters
// only, never memory content or credentials.
type TraceRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	OperationID string    `json:"operationId"`

	// Operation is "build".
	Operation  string       `json:"operation"`
	DurationMs int64        `json:"durationMs"`
	Status     string       `json:"status"` // "success", "noop" or "error"
	Spans      []SpanRecord `json:"spans"`

	// Counters are the operation totals, keyed like the build result fields.
	Counters map[string]int64 `json:"counters,omitempty"`

	// ErrorType is one of network, timeout, llm, database, validation, unknown.
	ErrorType string `json:"errorType,omitempty"`

	// IDs holds operation identifiers such as the memory scope.
	IDs map[string]interface{} `json:"ids,omitempty"`
}

// SpanRecord is one stage of an operation.
type SpanRecord struct {
	// Name is the stage: scope, extract, resolve, orphans, communities, reports.
	Name       string           `json:"name"`
	DurationMs int64            `json:"durationMs"`
	OK         bool             `json:"ok"`
	ErrorType  string           `json:"errorType,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

// FileExporterOption configures a FileExporter.
type FileExporterOption func(*FileExporter)
