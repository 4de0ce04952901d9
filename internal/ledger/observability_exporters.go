package ledger

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// OperationStats aggregates the outcomes of one ledger operation.
type OperationStats struct {
	Success int64   `json:"success"`
	Failure int64   `json:"failure"`
	TotalMS float64 `json:"total_ms"`
}

// ExpvarMetricsRecorder keeps per-operation aggregates and publishes them
// through expvar, for deployments that read /debug/vars instead of running a
// prometheus scrape target.
type ExpvarMetricsRecorder struct {
	name string
	mu   sync.Mutex
	ops  map[string]OperationStats
}

// NewExpvarMetricsRecorder publishes a recorder under the given expvar name.
// An empty name gets a unique generated one, since expvar names register once
// per process.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("healthcore_ledger_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{name: name, ops: make(map[string]OperationStats)}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar name the recorder publishes under.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot returns a copy of the per-operation aggregates.
func (r *ExpvarMetricsRecorder) Snapshot() map[string]OperationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]OperationStats, len(r.ops))
	for op, stats := range r.ops {
		out[op] = stats
	}
	return out
}

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	stats := r.ops[operation]
	if success {
		stats.Success++
	} else {
		stats.Failure++
	}
	stats.TotalMS += float64(duration) / float64(time.Millisecond)
	r.ops[operation] = stats
	r.mu.Unlock()
}

// TraceEntry is one completed span recorded by the JSON tracer.
type TraceEntry struct {
	Operation string    `json:"operation"`
	ElapsedMS float64   `json:"elapsed_ms"`
	Error     string    `json:"error,omitempty"`
	Started   time.Time `json:"started"`
}

// JSONTracer writes completed spans as JSON lines and retains them for later
// inspection via Entries.
type JSONTracer struct {
	mu      sync.Mutex
	entries []TraceEntry
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer writing to w. A nil writer retains spans
// without serializing them.
func NewJSONTracer(w io.Writer) *JSONTracer {
	t := &JSONTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of every span recorded so far.
func (t *JSONTracer) Entries() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements Tracer.
func (t *JSONTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

type jsonSpan struct {
	tracer    *JSONTracer
	operation string
	started   time.Time
}

func (s *jsonSpan) End(err error) {
	entry := TraceEntry{
		Operation: s.operation,
		ElapsedMS: float64(time.Since(s.started)) / float64(time.Millisecond),
		Started:   s.started,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.tracer.mu.Lock()
	s.tracer.entries = append(s.tracer.entries, entry)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(entry)
	}
	s.tracer.mu.Unlock()
}
