// Package store implements CredentialStore: atomic on-disk persistence of
// the account pool, with debounced/coalesced saves and an optional
// best-effort off-site mirror.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/agpool/agpool/internal/logging"
	"github.com/agpool/agpool/internal/pool"
)

// FlushInterval is how often a dirty pool is flushed to disk. Bursts of
// mutations within this window coalesce into a single write.
const FlushInterval = 250 * time.Millisecond

// Mirror uploads the just-written pool file somewhere off-box. Errors are
// logged, never propagated: losing the mirror must never fail a save.
type Mirror interface {
	Upload(ctx context.Context, data []byte) error
}

// Store is CredentialStore: atomic persistence of pool.PoolState at a
// platform-specific path.
type Store struct {
	path string

	mu     sync.Mutex
	dirty  atomic.Bool
	latest atomic.Pointer[pool.PoolState]

	mirror Mirror

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Store writing to path. If mirror is non-nil, every
// successful save is also handed to it on a best-effort basis.
func New(path string, mirror Mirror) *Store {
	return &Store{
		path:   path,
		mirror: mirror,
		stopCh: make(chan struct{}),
	}
}

// DefaultPath returns the XDG-style pool file path, platform-adjusted.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = "."
	}
	name := "accounts.json"
	if runtime.GOOS == "windows" {
		return filepath.Join(base, "antigravity", name)
	}
	return filepath.Join(base, "antigravity", name)
}

// Load reads the pool file, tolerating absence (returns an empty state)
// and malformed JSON (fail-open to an empty state rather than erroring
// the whole process on a corrupt file).
func (s *Store) Load() (*pool.PoolState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return emptyState(), nil
	}
	if err != nil {
		return nil, err
	}
	var state pool.PoolState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warnf("store: pool file %s is malformed, starting from empty state: %v", s.path, err)
		return emptyState(), nil
	}
	if state.ActiveIndexByFamily == nil {
		state.ActiveIndexByFamily = make(map[pool.Family]int)
	}
	return &state, nil
}

func emptyState() *pool.PoolState {
	return &pool.PoolState{
		Version:             3,
		ActiveIndexByFamily: make(map[pool.Family]int),
	}
}

// RequestSave marks the pool dirty and records the latest snapshot to be
// written on the next flush tick (or immediately if no background flusher
// is running yet). Saves never block the caller on disk I/O.
func (s *Store) RequestSave(state *pool.PoolState) {
	s.latest.Store(state.Clone())
	s.dirty.Store(true)
}

// Start begins the background coalescing flush loop. Idempotent.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop flushes any pending dirty state and halts the background loop.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	_ = s.flushIfDirty(context.Background())
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.flushIfDirty(ctx); err != nil {
				log.Warnf("store: flush failed: %v", err)
			}
		}
	}
}

func (s *Store) flushIfDirty(ctx context.Context) error {
	if !s.dirty.CompareAndSwap(true, false) {
		return nil
	}
	state := s.latest.Load()
	if state == nil {
		return nil
	}
	return s.Save(ctx, state)
}

// Save performs the write-then-rename atomic persistence: readers always
// observe either the prior complete state or the new complete state, never
// a torn write, even across a crash mid-write.
func (s *Store) Save(ctx context.Context, state *pool.PoolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	if s.mirror != nil {
		go func(payload []byte) {
			mctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.mirror.Upload(mctx, payload); err != nil {
				log.Warnf("store: mirror upload failed: %v", err)
			}
		}(data)
	}
	return nil
}
