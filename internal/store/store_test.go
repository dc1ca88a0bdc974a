package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agpool/agpool/internal/pool"
)

func TestLoadMissingFileReturnsEmptyState(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "accounts.json"), nil)

	state, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(state.Accounts) != 0 {
		t.Fatalf("expected empty state, got %d accounts", len(state.Accounts))
	}
	if state.ActiveIndexByFamily == nil {
		t.Fatalf("expected ActiveIndexByFamily to be initialized")
	}
}

func TestLoadMalformedFileFailsOpenToEmptyState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	s := New(path, nil)
	state, err := s.Load()
	if err != nil {
		t.Fatalf("malformed pool file should fail open, not error: %v", err)
	}
	if len(state.Accounts) != 0 {
		t.Fatalf("expected empty state from malformed file, got %d accounts", len(state.Accounts))
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := New(path, nil)

	state := &pool.PoolState{
		Version:             3,
		Accounts:            []*pool.Account{{Index: 0, Email: "a@example.com", RefreshToken: "rt-a"}},
		ActiveIndexByFamily: map[pool.Family]int{pool.FamilyGemini: 0},
	}

	if err := s.Save(context.Background(), state); err != nil {
		t.Fatalf("saving: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if len(loaded.Accounts) != 1 || loaded.Accounts[0].Email != "a@example.com" {
		t.Fatalf("round-tripped state missing the saved account: %+v", loaded)
	}
	if loaded.ActiveIndexByFamily[pool.FamilyGemini] != 0 {
		t.Fatalf("round-tripped state lost ActiveIndexByFamily")
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected the .tmp file to be renamed away, got err=%v", err)
	}
}

func TestRequestSaveAndStopFlushesPendingState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := New(path, nil)
	s.Start()

	state := &pool.PoolState{
		Version:             3,
		Accounts:            []*pool.Account{{Index: 0, Email: "a@example.com"}},
		ActiveIndexByFamily: map[pool.Family]int{},
	}
	s.RequestSave(state)
	s.Stop()

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("loading after stop: %v", err)
	}
	if len(loaded.Accounts) != 1 {
		t.Fatalf("expected Stop to flush the pending dirty state, got %+v", loaded)
	}
}

func TestRequestSaveStoresACloneNotTheOriginal(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "accounts.json"), nil)

	state := &pool.PoolState{
		Accounts:            []*pool.Account{{Index: 0, Email: "original@example.com"}},
		ActiveIndexByFamily: map[pool.Family]int{},
	}
	s.RequestSave(state)
	state.Accounts[0].Email = "mutated@example.com"

	if err := s.flushIfDirty(context.Background()); err != nil {
		t.Fatalf("flushing: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if loaded.Accounts[0].Email != "original@example.com" {
		t.Fatalf("expected the saved snapshot to be immune to later mutation of the source state, got %q", loaded.Accounts[0].Email)
	}
}

type fakeMirror struct {
	uploaded chan []byte
}

func (f *fakeMirror) Upload(ctx context.Context, data []byte) error {
	f.uploaded <- data
	return nil
}

func TestSaveUploadsToMirror(t *testing.T) {
	dir := t.TempDir()
	mirror := &fakeMirror{uploaded: make(chan []byte, 1)}
	s := New(filepath.Join(dir, "accounts.json"), mirror)

	state := &pool.PoolState{Accounts: []*pool.Account{{Index: 0, Email: "a@example.com"}}, ActiveIndexByFamily: map[pool.Family]int{}}
	if err := s.Save(context.Background(), state); err != nil {
		t.Fatalf("saving: %v", err)
	}

	select {
	case <-mirror.uploaded:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected mirror.Upload to be called after a successful save")
	}
}
