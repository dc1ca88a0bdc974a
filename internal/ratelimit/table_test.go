package ratelimit

import (
	"testing"
	"time"

	"github.com/agpool/agpool/internal/pool"
)

func TestRecordFirstAttemptIsNeverDuplicate(t *testing.T) {
	tbl := New()
	attempt, delay, dup := tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)
	if dup {
		t.Fatalf("first record should not be a duplicate")
	}
	if attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", attempt)
	}
	if delay < time.Second {
		t.Fatalf("expected at least the base backoff, got %v", delay)
	}
}

func TestRecordWithinDedupWindowDoesNotAdvance(t *testing.T) {
	tbl := New()
	tbl.DedupWindow = time.Hour // force the second call to land inside the window

	a1, _, _ := tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)
	a2, _, dup2 := tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)

	if !dup2 {
		t.Fatalf("expected second call inside the dedup window to be a duplicate")
	}
	if a2 != a1 {
		t.Fatalf("duplicate call should not change the attempt count: %d vs %d", a1, a2)
	}
}

func TestRecordPastDedupWindowAdvancesAttempt(t *testing.T) {
	tbl := New()
	tbl.DedupWindow = 0 // every call is outside the dedup window immediately

	a1, _, _ := tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)
	a2, _, dup2 := tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)

	if dup2 {
		t.Fatalf("call past the dedup window should not be a duplicate")
	}
	if a2 != a1+1 {
		t.Fatalf("expected attempt to advance from %d to %d, got %d", a1, a1+1, a2)
	}
}

func TestRecordPastResetTTLStartsOver(t *testing.T) {
	tbl := New()
	tbl.DedupWindow = 0
	tbl.StateResetTTL = 0 // every call is also past the reset TTL

	tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)
	attempt, _, dup := tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)

	if dup {
		t.Fatalf("call past the reset TTL should not be a duplicate")
	}
	if attempt != 1 {
		t.Fatalf("expected attempt count to reset to 1, got %d", attempt)
	}
}

func TestComputeDelayRespectsServerRetryAfterAndCeiling(t *testing.T) {
	tbl := New()
	tbl.BaseBackoff = time.Second
	tbl.MaxBackoff = 10 * time.Second

	if d := tbl.computeDelay(30*time.Second, 1); d != 10*time.Second {
		t.Fatalf("server retry-after above the ceiling should clamp to MaxBackoff, got %v", d)
	}
	if d := tbl.computeDelay(0, 1); d != time.Second {
		t.Fatalf("with no server hint, expected the base backoff floor, got %v", d)
	}
	if d := tbl.computeDelay(0, 5); d != 10*time.Second {
		t.Fatalf("exponential growth should clamp at MaxBackoff, got %v", d)
	}
}

func TestResetDropsEntry(t *testing.T) {
	tbl := New()
	tbl.DedupWindow = 0

	tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)
	tbl.Reset(0, pool.QuotaKeyGeminiAntigravity)

	attempt, _, dup := tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)
	if dup {
		t.Fatalf("record after reset should not be a duplicate")
	}
	if attempt != 1 {
		t.Fatalf("record after reset should start at attempt 1, got %d", attempt)
	}
}

func TestResetAllOnlyTouchesGivenAccount(t *testing.T) {
	tbl := New()
	tbl.DedupWindow = 0

	tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)
	tbl.Record(0, pool.QuotaKeyClaude, 0)
	tbl.Record(1, pool.QuotaKeyGeminiAntigravity, 0)

	tbl.ResetAll(0)

	attempt, _, _ := tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)
	if attempt != 1 {
		t.Fatalf("account 0's state should have been cleared, got attempt %d", attempt)
	}

	attemptOther, _, dupOther := tbl.Record(1, pool.QuotaKeyGeminiAntigravity, 0)
	if dupOther {
		t.Fatalf("unrelated account 1 should be unaffected by ResetAll(0)")
	}
	if attemptOther != 2 {
		t.Fatalf("account 1's prior record should have survived ResetAll(0), got attempt %d", attemptOther)
	}
}

func TestSweepRemovesIdleEntries(t *testing.T) {
	tbl := New()
	tbl.StateResetTTL = 0

	tbl.Record(0, pool.QuotaKeyGeminiAntigravity, 0)
	tbl.sweep()

	s := tbl.shardFor(key(0, pool.QuotaKeyGeminiAntigravity))
	s.mu.Lock()
	_, stillThere := s.entries[key(0, pool.QuotaKeyGeminiAntigravity)]
	s.mu.Unlock()

	if stillThere {
		t.Fatalf("expected sweep to remove an entry idle past StateResetTTL")
	}
}
