package build

import (
	"strings"
	"time"

	"github.com/dan-solli/graphrag/pkg/trace"
)

// Span names recorded on every build.
const (
	SpanScope       = "scope"
	SpanExtract     = "extract"
	SpanResolve     = "resolve"
	SpanOrphans     = "orphans"
	SpanCommunities = "communities"
	SpanReports     = "reports"
)

// OperationTrace holds the timed stages of one build.
type OperationTrace struct {
	Spans           []Span `json:"spans"`
	TotalDurationMs int64  `json:"totalDurationMs"`
}

// Span is one timed stage.
type Span struct {
	Name       string           `json:"name"`
	DurationMs int64            `json:"durationMs"`
	OK         bool             `json:"ok"`
	Error      string           `json:"error,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

func newTrace() *OperationTrace {
	return &OperationTrace{Spans: make([]Span, 0)}
}

func (t *OperationTrace) addSpan(span Span) {
	t.Spans = append(t.Spans, span)
	t.TotalDurationMs += span.DurationMs
}

// Span returns the first span with the given name.
func (t *OperationTrace) Span(name string) (Span, bool) {
	for _, s := range t.Spans {
		if s.Name == name {
			return s, true
		}
	}
	return Span{}, false
}

type spanTimer struct {
	name  string
	start time.Time
	trace *OperationTrace
}

func startSpan(name string, t *OperationTrace) *spanTimer {
	return &spanTimer{name: name, start: time.Now(), trace: t}
}

// finish records the span. A nil err means the stage succeeded.
func (st *spanTimer) finish(err error, counters map[string]int64) int64 {
	d := time.Since(st.start).Milliseconds()
	span := Span{Name: st.name, DurationMs: d, OK: err == nil, Counters: counters}
	if err != nil {
		span.Error = err.Error()
	}
	st.trace.addSpan(span)
	return d
}

// traceRecord converts a finished build to its sanitized export form. Span error
// messages are replaced by their classification.
func (res *Result) traceRecord(started time.Time, err error, ids map[string]interface{}) *trace.TraceRecord {
	t := res.Trace
	rec := &trace.TraceRecord{
		Timestamp:   started.UTC(),
		OperationID: res.BuildID,
		Operation:   operation,
		DurationMs:  res.DurationMs,
		Status:      "success",
		Spans:       make([]trace.SpanRecord, 0, len(t.Spans)),
		Counters:    res.counters(),
		IDs:         ids,
	}
	switch {
	case err != nil:
		rec.Status = "error"
		rec.ErrorType = ClassifyError(err)
	case res.NoOp:
		rec.Status = "noop"
	}
	for _, s := range t.Spans {
		sr := trace.SpanRecord{Name: s.Name, DurationMs: s.DurationMs, OK: s.OK, Counters: s.Counters}
		if !s.OK {
			sr.ErrorType = classifyMessage(strings.ToLower(s.Error))
		}
		rec.Spans = append(rec.Spans, sr)
	}
	return rec
}

func (res *Result) counters() map[string]int64 {
	return map[string]int64{
		"memoriesProcessed":    int64(res.MemoriesProcessed),
		"memoriesSkipped":      int64(res.MemoriesSkipped),
		"memoriesFailed":       int64(res.MemoriesFailed),
		"memoriesRetired":      int64(res.MemoriesRetired),
		"entitiesDeleted":      int64(res.EntitiesDeleted),
		"relationshipsDeleted": int64(res.RelationshipsDeleted),
		"entityVectorsIndexed": int64(res.EntityVectorsIndexed),
		"entityVectorsDeleted": int64(res.EntityVectorsDeleted),
		"reportVectorsIndexed": int64(res.ReportVectorsIndexed),
		"reportVectorsDeleted": int64(res.ReportVectorsDeleted),
		"vectorDeleteFailures": int64(res.VectorDeleteFailures),
		"vectorDeletesPending": int64(res.VectorDeletesPending),
		"communitiesCreated":   int64(res.CommunitiesCreated),
		"communitiesDeleted":   int64(res.CommunitiesDeleted),
		"reportsGenerated":     int64(res.ReportsGenerated),
		"reportsFailed":        int64(res.ReportsFailed),
	}
}
