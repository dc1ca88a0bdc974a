package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agpool/agpool/internal/pool"
)

func newTestSQLiteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewSQLiteBackend(filepath.Join(dir, "usage.db"), BackendConfig{BatchSize: 10})
	if err != nil {
		t.Fatalf("opening sqlite backend: %v", err)
	}
	t.Cleanup(func() { backend.Stop() })
	return backend
}

func TestSQLiteBackendEnqueueAndFlushPersists(t *testing.T) {
	backend := newTestSQLiteBackend(t)
	now := time.Now()

	backend.Enqueue(UsageRecord{AccountIndex: 0, Family: pool.FamilyGemini, Model: "gemini-2.5-pro", RequestedAt: now, Tokens: 100})
	backend.Enqueue(UsageRecord{AccountIndex: 1, Family: pool.FamilyGemini, Model: "gemini-2.5-pro", RequestedAt: now, Failed: true, Reason: "quota_exceeded", Tokens: 10})

	if err := backend.Flush(context.Background()); err != nil {
		t.Fatalf("flushing: %v", err)
	}

	stats, err := backend.QueryGlobalStats(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("querying global stats: %v", err)
	}
	if stats.TotalRequests != 2 {
		t.Fatalf("expected 2 total requests, got %d", stats.TotalRequests)
	}
	if stats.SuccessCount != 1 || stats.FailureCount != 1 {
		t.Fatalf("expected 1 success and 1 failure, got success=%d failure=%d", stats.SuccessCount, stats.FailureCount)
	}
	if stats.TotalTokens != 110 {
		t.Fatalf("expected 110 total tokens, got %d", stats.TotalTokens)
	}
}

func TestSQLiteBackendQueryFamilyStats(t *testing.T) {
	backend := newTestSQLiteBackend(t)
	now := time.Now()

	backend.Enqueue(UsageRecord{AccountIndex: 0, Family: pool.FamilyGemini, Model: "gemini-2.5-pro", RequestedAt: now, Tokens: 50})
	backend.Enqueue(UsageRecord{AccountIndex: 0, Family: pool.FamilyClaude, Model: "claude-opus", RequestedAt: now, Tokens: 75})
	if err := backend.Flush(context.Background()); err != nil {
		t.Fatalf("flushing: %v", err)
	}

	families, err := backend.QueryFamilyStats(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("querying family stats: %v", err)
	}
	if len(families) != 2 {
		t.Fatalf("expected 2 families, got %d: %+v", len(families), families)
	}
}

func TestSQLiteBackendCleanupDeletesOldRecords(t *testing.T) {
	backend := newTestSQLiteBackend(t)
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	backend.Enqueue(UsageRecord{AccountIndex: 0, Family: pool.FamilyGemini, Model: "gemini-2.5-pro", RequestedAt: old, Tokens: 1})
	backend.Enqueue(UsageRecord{AccountIndex: 0, Family: pool.FamilyGemini, Model: "gemini-2.5-pro", RequestedAt: recent, Tokens: 1})
	if err := backend.Flush(context.Background()); err != nil {
		t.Fatalf("flushing: %v", err)
	}

	deleted, err := backend.Cleanup(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 record deleted, got %d", deleted)
	}

	stats, err := backend.QueryGlobalStats(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("querying global stats: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Fatalf("expected 1 surviving record, got %d", stats.TotalRequests)
	}
}
