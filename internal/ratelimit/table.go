// Package ratelimit implements RateLimitStateTable: per-(account,
// quota-key) consecutive-429 tracking with a dedup window and a reset
// TTL. The table never gates selection itself — it only hands back the
// attempt count and delay; AccountManager is the sole authority that
// turns a delay into a block via Account.RateLimitResetTimes.
package ratelimit

import (
	"fmt"
	"hash"
	"hash/fnv"
	"sync"
	"time"

	"github.com/agpool/agpool/internal/pool"
)

const numShards = 32

type entry struct {
	consecutive429 int
	lastAt         time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Table is RateLimitStateTable.
type Table struct {
	shards [numShards]*shard

	// DedupWindow and StateResetTTL mirror pool.DedupWindow/StateResetTTL
	// but are configurable per Table instance for tests.
	DedupWindow   time.Duration
	StateResetTTL time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// New constructs a Table with the package's default windows.
func New() *Table {
	t := &Table{
		DedupWindow:   pool.DedupWindow,
		StateResetTTL: pool.StateResetTTL,
		BaseBackoff:   time.Second,
		MaxBackoff:    pool.DefaultMaxBackoff,
	}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return t
}

var hasherPool = sync.Pool{New: func() any { return fnv.New64a() }}

func hashKey(key string) uint64 {
	h := hasherPool.Get().(hash.Hash64)
	h.Reset()
	_, _ = h.Write([]byte(key))
	sum := h.Sum64()
	hasherPool.Put(h)
	return sum
}

func key(accountIndex int, qk pool.QuotaKey) string {
	return fmt.Sprintf("%d:%s", accountIndex, qk)
}

func (t *Table) shardFor(k string) *shard {
	return t.shards[hashKey(k)%numShards]
}

// Record advances the dedup/backoff state machine for (accountIndex, qk)
// on a fresh 429. serverRetryAfter is the upstream-provided retry hint,
// or zero if none was present.
func (t *Table) Record(accountIndex int, qk pool.QuotaKey, serverRetryAfter time.Duration) (attempt int, delay time.Duration, isDuplicate bool) {
	k := key(accountIndex, qk)
	s := t.shardFor(k)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	switch {
	case !ok:
		e = &entry{consecutive429: 1, lastAt: now}
		s.entries[k] = e
	case now.Sub(e.lastAt) < t.DedupWindow:
		isDuplicate = true
		e.lastAt = now
	case now.Sub(e.lastAt) < t.StateResetTTL:
		e.consecutive429++
		e.lastAt = now
	default:
		e.consecutive429 = 1
		e.lastAt = now
	}

	attempt = e.consecutive429
	delay = t.computeDelay(serverRetryAfter, attempt)
	return attempt, delay, isDuplicate
}

func (t *Table) computeDelay(serverRetryAfter time.Duration, attempt int) time.Duration {
	floor := serverRetryAfter
	if floor <= 0 {
		floor = time.Second
	}
	exp := t.BaseBackoff * time.Duration(1<<uint(attempt-1))
	d := floor
	if exp > d {
		d = exp
	}
	if d < t.BaseBackoff {
		d = t.BaseBackoff
	}
	if d > t.MaxBackoff {
		d = t.MaxBackoff
	}
	return d
}

// Reset drops the entry for a single (account, quota-key) pair. Called on
// any successful response against that quota-key.
func (t *Table) Reset(accountIndex int, qk pool.QuotaKey) {
	k := key(accountIndex, qk)
	s := t.shardFor(k)
	s.mu.Lock()
	delete(s.entries, k)
	s.mu.Unlock()
}

// ResetAll drops every entry for the given account, across all quota
// keys. Used when an account is removed or fully rehabilitated.
func (t *Table) ResetAll(accountIndex int) {
	prefix := fmt.Sprintf("%d:", accountIndex)
	for _, s := range t.shards {
		s.mu.Lock()
		for k := range s.entries {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// sweep removes entries idle past StateResetTTL. Intended to run on a
// ticker so the table doesn't grow unbounded across long-lived pools with
// many transient accounts.
func (t *Table) sweep() {
	now := time.Now()
	for _, s := range t.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.Sub(e.lastAt) >= t.StateResetTTL {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// StartSweeper runs a background goroutine that calls sweep on the given
// interval until stop is closed.
func (t *Table) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()
}
