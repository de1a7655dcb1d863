package core

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface. A nil function falls
// back to the real clock. All times are normalized to UTC.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f().UTC()
}

// Logger receives structured diagnostics from the service. Arguments follow
// the alternating key/value convention.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// AuditStatus captures the outcome recorded on an audit entry.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry is one recorded service operation. RunID is nil for operations
// scoped to a whole batch.
type AuditEntry struct {
	Operation string        `json:"operation"`
	Status    AuditStatus   `json:"status"`
	BatchID   string        `json:"batch_id,omitempty"`
	RunID     *int          `json:"run_id,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// AuditRecorder receives audit entries for completed service operations.
// Implementations must not block the caller for long.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes operation outcomes for aggregation. The core calls
// it once per completed service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan terminates a span started by a Tracer.
type TraceSpan interface {
	End(err error)
}

// MemoryAuditLog retains audit entries in memory. Intended for tests and
// short-lived tooling.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// NewMemoryAuditLog constructs an empty in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

// Record implements AuditRecorder.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// JSONLAuditLog writes audit entries as JSON lines. Used by the CLI to leave
// an operation trail next to batch output.
type JSONLAuditLog struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLAuditLog constructs a recorder writing one JSON object per line.
func NewJSONLAuditLog(w io.Writer) *JSONLAuditLog {
	return &JSONLAuditLog{enc: json.NewEncoder(w)}
}

// Record implements AuditRecorder. Encoding failures are dropped; an audit
// sink must never fail a batch.
func (l *JSONLAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	_ = l.enc.Encode(entry)
	l.mu.Unlock()
}
