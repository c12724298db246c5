// Package metrics aggregates per-executor and per-capability execution
// statistics. The collector feeds success rates back into executor
// resolution, so persistently failing executors naturally lose priority.
package metrics

import (
	"sync"
	"time"
)

// Stats is an aggregate of execution attempts.
type Stats struct {
	// Attempts is the total number of recorded attempts.
	Attempts uint64 `json:"attempts"`
	// Successes is the number of successful attempts.
	Successes uint64 `json:"successes"`
	// Failures is the number of failed attempts.
	Failures uint64 `json:"failures"`
	// TotalDurationMs is the summed attempt duration in milliseconds.
	TotalDurationMs int64 `json:"total_duration_ms"`
}

// SuccessRate returns successes/attempts, and false when no attempts have
// been recorded.
func (s Stats) SuccessRate() (float64, bool) {
	if s.Attempts == 0 {
		return 0, false
	}
	return float64(s.Successes) / float64(s.Attempts), true
}

// AvgLatency returns the mean attempt duration, zero when no attempts.
func (s Stats) AvgLatency() time.Duration {
	if s.Attempts == 0 {
		return 0
	}
	return time.Duration(s.TotalDurationMs/int64(s.Attempts)) * time.Millisecond
}

// Snapshot is the serializable state of a Collector, embedded in
// checkpoint files.
type Snapshot struct {
	// Executors maps executor ID to its aggregate.
	Executors map[string]Stats `json:"executors"`
	// Capabilities maps capability tag to its aggregate.
	Capabilities map[string]Stats `json:"capabilities"`
}

// Collector records attempt outcomes. All mutation is serialized on one
// mutex; reads return copies.
type Collector struct {
	executors    map[string]*Stats
	capabilities map[string]*Stats
	mu           sync.RWMutex
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		executors:    make(map[string]*Stats),
		capabilities: make(map[string]*Stats),
	}
}

// RecordAttempt records one execution attempt against the executor that
// ran it and every capability tag the task required.
func (c *Collector) RecordAttempt(executorID string, capabilities []string, success bool, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bump(c.executors, executorID, success, d)
	for _, cap := range capabilities {
		c.bump(c.capabilities, cap, success, d)
	}
}

func (c *Collector) bump(m map[string]*Stats, key string, success bool, d time.Duration) {
	if key == "" {
		return
	}
	s, ok := m[key]
	if !ok {
		s = &Stats{}
		m[key] = s
	}
	s.Attempts++
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.TotalDurationMs += d.Milliseconds()
}

// SuccessRate implements the registry's Ratings interface for executor
// resolution.
func (c *Collector) SuccessRate(executorID string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.executors[executorID]
	if !ok {
		return 0, false
	}
	return s.SuccessRate()
}

// ExecutorStats returns a copy of the aggregate for one executor.
func (c *Collector) ExecutorStats(executorID string) (Stats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.executors[executorID]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// CapabilityStats returns a copy of the aggregate for one capability tag.
func (c *Collector) CapabilityStats(tag string) (Stats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.capabilities[tag]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Snapshot returns a deep copy of all aggregates for checkpointing.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Executors:    make(map[string]Stats, len(c.executors)),
		Capabilities: make(map[string]Stats, len(c.capabilities)),
	}
	for id, s := range c.executors {
		snap.Executors[id] = *s
	}
	for tag, s := range c.capabilities {
		snap.Capabilities[tag] = *s
	}
	return snap
}

// Restore replaces the collector state from a checkpoint snapshot.
func (c *Collector) Restore(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.executors = make(map[string]*Stats, len(snap.Executors))
	for id, s := range snap.Executors {
		copied := s
		c.executors[id] = &copied
	}
	c.capabilities = make(map[string]*Stats, len(snap.Capabilities))
	for tag, s := range snap.Capabilities {
		copied := s
		c.capabilities[tag] = &copied
	}
}
