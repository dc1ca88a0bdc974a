package router

import "testing"

func TestSessionWarmupCacheHasAndAdd(t *testing.T) {
	c := newSessionWarmupCache(2)
	if c.Has("s1") {
		t.Fatalf("expected a fresh cache to report no sessions warmed up")
	}
	c.Add("s1")
	if !c.Has("s1") {
		t.Fatalf("expected s1 to be recorded as warmed up")
	}
}

func TestSessionWarmupCacheEvictsOldestWhenFull(t *testing.T) {
	c := newSessionWarmupCache(2)
	c.Add("s1")
	c.Add("s2")
	c.Add("s3")

	if c.Has("s1") {
		t.Fatalf("expected the oldest entry to have been evicted")
	}
	if !c.Has("s2") || !c.Has("s3") {
		t.Fatalf("expected the two most recent entries to remain")
	}
}
