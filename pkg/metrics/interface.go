// Package metrics records build outcomes, stage latencies and graph size.
package metrics

import "context"

// Collector receives build metrics. NewCollector returns the Prometheus
// implementation; NoopCollector discards everything.
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordStage(ctx context.Context, operation string, stage string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	SetStorageCount(ctx context.Context, storageType string, count int64)
	// RecordVectorOperations adds count upserts or deletes of the given kind.
	RecordVectorOperations(ctx context.Context, kind string, op string, count int)
}
