package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector is the Prometheus Collector. Every collector owns its registry,
// so several engines in one process do not collide.
type MetricsCollector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	storageCount      *prometheus.GaugeVec
	vectorOperations  *prometheus.CounterVec
	registry          *prometheus.Registry
}

var _ Collector = (*MetricsCollector)(nil)

// NewCollector creates a Prometheus collector with a fresh registry.
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphrag_operations_total",
			Help: "Total number of graph operations by type and status",
		},
		[]string{"operation", "status"},
	)

	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphrag_stage_duration_seconds",
			Help:    "Duration of graph operation stages",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 120.0},
		},
		[]string{"operation", "stage"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphrag_errors_total",
			Help: "Total number of errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	storageCount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphrag_graph_size",
			Help: "Current number of stored graph items by type",
		},
		[]string{"type"},
	)

	vectorOperations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphrag_vector_operations_total",
			Help: "Vector upserts and deletes by node kind",
		},
		[]string{"kind", "op"},
	)

	registry.MustRegister(operationsTotal, operationDuration, errorsTotal, storageCount, vectorOperations)

	return &MetricsCollector{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		errorsTotal:       errorsTotal,
		storageCount:      storageCount,
		vectorOperations:  vectorOperations,
		registry:          registry,
	}
}

// RecordOperation counts a finished operation. The duration is recorded as the
// "total" stage.
func (m *MetricsCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation, "total").Observe(float64(durationMs) / 1000.0)
}

// RecordStage observes the duration of one stage.
func (m *MetricsCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
	m.operationDuration.WithLabelValues(operation, stage).Observe(float64(durationMs) / 1000.0)
}

// RecordError counts an error by its classification.
func (m *MetricsCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetStorageCount sets the gauge for one item type (entities, relationships, ...).
func (m *MetricsCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
	m.storageCount.WithLabelValues(storageType).Set(float64(count))
}

// RecordVectorOperations adds count to the vector operation counter. Zero counts
// are ignored so unused label pairs stay absent.
func (m *MetricsCollector) RecordVectorOperations(ctx context.Context, kind string, op string, count int) {
	if count <= 0 {
		return
	}
	m.vectorOperations.WithLabelValues(kind, op).Add(float64(count))
}

// Registry returns the registry for HTTP exposure.
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
