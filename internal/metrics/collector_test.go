package metrics

import (
	"testing"
	"time"
)

func TestRecordAttemptAggregates(t *testing.T) {
	c := NewCollector()
	c.RecordAttempt("exec-1", []string{"research"}, true, 100*time.Millisecond)
	c.RecordAttempt("exec-1", []string{"research"}, false, 300*time.Millisecond)

	s, ok := c.ExecutorStats("exec-1")
	if !ok {
		t.Fatal("expected stats for exec-1")
	}
	if s.Attempts != 2 || s.Successes != 1 || s.Failures != 1 {
		t.Errorf("unexpected aggregate: %+v", s)
	}
	if s.TotalDurationMs != 400 {
		t.Errorf("expected 400ms total, got %d", s.TotalDurationMs)
	}
	if got := s.AvgLatency(); got != 200*time.Millisecond {
		t.Errorf("expected 200ms average latency, got %v", got)
	}

	cap, ok := c.CapabilityStats("research")
	if !ok {
		t.Fatal("expected stats for research capability")
	}
	if cap.Attempts != 2 {
		t.Errorf("expected 2 capability attempts, got %d", cap.Attempts)
	}
}

func TestSuccessRate(t *testing.T) {
	c := NewCollector()

	if _, ok := c.SuccessRate("unknown"); ok {
		t.Error("unknown executor should report no rate")
	}

	c.RecordAttempt("exec-1", nil, true, time.Millisecond)
	c.RecordAttempt("exec-1", nil, true, time.Millisecond)
	c.RecordAttempt("exec-1", nil, false, time.Millisecond)

	rate, ok := c.SuccessRate("exec-1")
	if !ok {
		t.Fatal("expected a rate")
	}
	if rate < 0.66 || rate > 0.67 {
		t.Errorf("expected rate ~0.667, got %f", rate)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c := NewCollector()
	c.RecordAttempt("exec-1", []string{"scrape"}, true, 50*time.Millisecond)
	c.RecordAttempt("exec-2", []string{"scrape"}, false, 70*time.Millisecond)

	snap := c.Snapshot()

	restored := NewCollector()
	restored.Restore(snap)

	rate, ok := restored.SuccessRate("exec-1")
	if !ok || rate != 1.0 {
		t.Errorf("expected exec-1 rate 1.0 after restore, got %f (ok=%v)", rate, ok)
	}
	s, ok := restored.CapabilityStats("scrape")
	if !ok || s.Attempts != 2 {
		t.Errorf("expected 2 scrape attempts after restore, got %+v", s)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	c := NewCollector()
	c.RecordAttempt("exec-1", nil, true, time.Millisecond)

	snap := c.Snapshot()
	s := snap.Executors["exec-1"]
	s.Attempts = 99
	snap.Executors["exec-1"] = s

	live, _ := c.ExecutorStats("exec-1")
	if live.Attempts != 1 {
		t.Error("snapshot mutation leaked into collector")
	}
}

func TestEmptyStats(t *testing.T) {
	var s Stats
	if _, ok := s.SuccessRate(); ok {
		t.Error("empty stats should report no rate")
	}
	if s.AvgLatency() != 0 {
		t.Error("empty stats should have zero latency")
	}
}
