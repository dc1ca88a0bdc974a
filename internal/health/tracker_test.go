package health

import (
	"testing"
	"time"
)

func TestScoreWithNoSamplesIsZero(t *testing.T) {
	tr := New()
	if got := tr.Score(0); got != 0 {
		t.Fatalf("expected a fresh account to score 0, got %v", got)
	}
}

func TestScorePenalizesFailures(t *testing.T) {
	tr := New()
	tr.Record(0, 100*time.Millisecond, true)
	tr.Record(1, 100*time.Millisecond, false)

	healthy := tr.Score(0)
	failing := tr.Score(1)
	if failing <= healthy {
		t.Fatalf("expected account with a failure to score worse (higher) than a healthy one: healthy=%v failing=%v", healthy, failing)
	}
}

func TestScoreAveragesLatencyAcrossSamples(t *testing.T) {
	tr := New()
	tr.Record(0, 100*time.Millisecond, true)
	tr.Record(0, 300*time.Millisecond, true)

	got := tr.Score(0)
	if got != 200 {
		t.Fatalf("expected mean latency of 200ms, got %v", got)
	}
}

func TestRecordTrimsToSampleWindow(t *testing.T) {
	tr := New()
	for i := 0; i < sampleWindow+10; i++ {
		tr.Record(0, time.Duration(i+1)*time.Millisecond, true)
	}

	h := tr.get(0)
	h.mu.Lock()
	n := len(h.samples)
	oldest := h.samples[0].latency
	h.mu.Unlock()

	if n != sampleWindow {
		t.Fatalf("expected samples to be trimmed to %d, got %d", sampleWindow, n)
	}
	if oldest != 11*time.Millisecond {
		t.Fatalf("expected the oldest surviving sample to be the 11th recorded, got %v", oldest)
	}
}

func TestStaleReportsTrueForUnseenAccount(t *testing.T) {
	tr := New()
	if !tr.Stale(0, time.Minute) {
		t.Fatalf("an account with no samples should be considered stale")
	}
}

func TestStaleFalseJustAfterRecording(t *testing.T) {
	tr := New()
	tr.Record(0, 10*time.Millisecond, true)
	if tr.Stale(0, time.Minute) {
		t.Fatalf("an account recorded moments ago should not be stale")
	}
}
