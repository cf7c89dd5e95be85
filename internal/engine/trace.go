package engine

import (
	"sync"
	"time"
)

// traceCap bounds the in-memory trace ring.
const traceCap = 256

// Trace entry directions.
const (
	TraceSend = "send"
	TraceRecv = "recv"
)

// TraceEntry records one wire exchange observed while trace mode is on.
type TraceEntry struct {
	At        time.Time `json:"at"`
	Dir       string    `json:"dir"`
	Op        string    `json:"op,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	RequestID uint64    `json:"requestId,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// traceRecorder keeps the most recent wire exchanges in a fixed-size ring.
// Recording is off by default; toggling it on is cheap enough to do in
// production when diagnosing a misbehaving kernel.
type traceRecorder struct {
	mu      sync.Mutex
	enabled bool
	buf     []TraceEntry
	start   int
}

func (t *traceRecorder) setEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *traceRecorder) isEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *traceRecorder) record(e TraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if len(t.buf) < traceCap {
		t.buf = append(t.buf, e)
		return
	}
	t.buf[t.start] = e
	t.start = (t.start + 1) % traceCap
}

// last returns the recorded entries in chronological order.
func (t *traceRecorder) last() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEntry, 0, len(t.buf))
	out = append(out, t.buf[t.start:]...)
	out = append(out, t.buf[:t.start]...)
	return out
}
