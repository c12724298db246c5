// Package monitor tracks execution errors per kind against configurable
// thresholds. It only detects; the recovery manager and the scheduler's
// health state decide what to do when a threshold is crossed.
package monitor

import (
	"sync"
	"time"

	"github.com/cherryhq/cherry/internal/executor"
)

// DefaultWindow is the rolling window considered when counting errors.
const DefaultWindow = 15 * time.Minute

// DefaultCapacity is the ring buffer size for retained error records.
const DefaultCapacity = 256

// ErrorRecord describes one recorded failure.
type ErrorRecord struct {
	// Kind classifies the failure.
	Kind executor.FailureKind
	// TaskID is the task whose attempt failed.
	TaskID string
	// ExecutorID is the executor that produced the failure, if any.
	ExecutorID string
	// Message is the failure detail.
	Message string
	// Timestamp is when the failure was recorded.
	Timestamp time.Time
}

// ErrorMonitor keeps a bounded ring of recent error records and rolling
// per-kind counts within a time window. Memory is bounded by the ring
// capacity regardless of error rate.
type ErrorMonitor struct {
	// ring is the fixed-capacity record buffer.
	ring []ErrorRecord
	// head is the next write position in the ring.
	head int
	// filled is the number of valid records in the ring.
	filled int
	// window is how far back counting looks.
	window time.Duration
	// thresholds maps failure kind to the count that flips it over
	// threshold. Kinds without a threshold are never over.
	thresholds map[executor.FailureKind]int
	// now is the clock, replaceable in tests.
	now func() time.Time
	// mu protects all fields.
	mu sync.RWMutex
}

// Option configures an ErrorMonitor.
type Option func(*ErrorMonitor)

// WithWindow sets the rolling count window.
func WithWindow(w time.Duration) Option {
	return func(m *ErrorMonitor) {
		if w > 0 {
			m.window = w
		}
	}
}

// WithCapacity sets the ring buffer capacity.
func WithCapacity(n int) Option {
	return func(m *ErrorMonitor) {
		if n > 0 {
			m.ring = make([]ErrorRecord, n)
		}
	}
}

// WithClock replaces the monitor's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *ErrorMonitor) { m.now = now }
}

// New creates an ErrorMonitor with the default window and capacity.
func New(opts ...Option) *ErrorMonitor {
	m := &ErrorMonitor{
		ring:       make([]ErrorRecord, DefaultCapacity),
		window:     DefaultWindow,
		thresholds: make(map[executor.FailureKind]int),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetThreshold sets the over-threshold count for a failure kind. A
// non-positive n removes the threshold.
func (m *ErrorMonitor) SetThreshold(kind executor.FailureKind, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		delete(m.thresholds, kind)
		return
	}
	m.thresholds[kind] = n
}

// Record appends an error record, overwriting the oldest when the ring is
// full.
func (m *ErrorMonitor) Record(kind executor.FailureKind, taskID, executorID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.head] = ErrorRecord{
		Kind:       kind,
		TaskID:     taskID,
		ExecutorID: executorID,
		Message:    message,
		Timestamp:  m.now(),
	}
	m.head = (m.head + 1) % len(m.ring)
	if m.filled < len(m.ring) {
		m.filled++
	}
}

// Count returns the number of records of the given kind inside the window.
func (m *ErrorMonitor) Count(kind executor.FailureKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(kind)
}

func (m *ErrorMonitor) countLocked(kind executor.FailureKind) int {
	cutoff := m.now().Add(-m.window)
	n := 0
	for _, rec := range m.recordsLocked() {
		if rec.Kind == kind && rec.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// IsOverThreshold reports whether the windowed count for the kind has
// reached its configured threshold. Kinds without a threshold are never
// over.
func (m *ErrorMonitor) IsOverThreshold(kind executor.FailureKind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	threshold, ok := m.thresholds[kind]
	if !ok {
		return false
	}
	return m.countLocked(kind) >= threshold
}

// AnyOverThreshold reports whether any kind is currently over threshold.
// Used by health reporting to flip the engine to degraded.
func (m *ErrorMonitor) AnyOverThreshold() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for kind, threshold := range m.thresholds {
		if m.countLocked(kind) >= threshold {
			return true
		}
	}
	return false
}

// Summary returns windowed counts per failure kind for health reporting.
func (m *ErrorMonitor) Summary() map[executor.FailureKind]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-m.window)
	out := make(map[executor.FailureKind]int)
	for _, rec := range m.recordsLocked() {
		if rec.Timestamp.After(cutoff) {
			out[rec.Kind]++
		}
	}
	return out
}

// Records returns the retained records, oldest first.
func (m *ErrorMonitor) Records() []ErrorRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recordsLocked()
}

// recordsLocked returns valid ring entries oldest first. Caller must hold
// m.mu.
func (m *ErrorMonitor) recordsLocked() []ErrorRecord {
	out := make([]ErrorRecord, 0, m.filled)
	start := m.head - m.filled
	if start < 0 {
		start += len(m.ring)
	}
	for i := 0; i < m.filled; i++ {
		out = append(out, m.ring[(start+i)%len(m.ring)])
	}
	return out
}
