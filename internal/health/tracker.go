// Package health implements HealthTracker: a rolling per-account latency
// and success score consumed by the performance_first selection policy
// and as the hybrid policy's tie-break.
package health

import (
	"sync"
	"time"
)

// sampleWindow bounds how many recent samples contribute to an account's
// score; older samples are dropped so a long-dead account with historical
// good luck doesn't keep winning selection forever.
const sampleWindow = 20

type accountHealth struct {
	mu       sync.Mutex
	samples  []sample
	lastSeen time.Time
}

type sample struct {
	latency time.Duration
	success bool
}

// Tracker is HealthTracker.
type Tracker struct {
	mu       sync.RWMutex
	accounts map[int]*accountHealth
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{accounts: make(map[int]*accountHealth)}
}

func (t *Tracker) get(accountIndex int) *accountHealth {
	t.mu.RLock()
	h, ok := t.accounts[accountIndex]
	t.mu.RUnlock()
	if ok {
		return h
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok = t.accounts[accountIndex]; ok {
		return h
	}
	h = &accountHealth{}
	t.accounts[accountIndex] = h
	return h
}

// Record adds an outcome sample for the given account.
func (t *Tracker) Record(accountIndex int, latency time.Duration, success bool) {
	h := t.get(accountIndex)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSeen = time.Now()
	h.samples = append(h.samples, sample{latency: latency, success: success})
	if len(h.samples) > sampleWindow {
		h.samples = h.samples[len(h.samples)-sampleWindow:]
	}
}

// Score returns a lower-is-better score for the account: mean recent
// latency, penalized heavily for recent failures. An account with no
// samples yet scores 0 (best), so a fresh account is preferred over one
// with a poor track record — matches cache_first/balance's bias toward
// trying new accounts before writing one off.
func (t *Tracker) Score(accountIndex int) float64 {
	h := t.get(accountIndex)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) == 0 {
		return 0
	}
	var total time.Duration
	var failures int
	for _, s := range h.samples {
		total += s.latency
		if !s.success {
			failures++
		}
	}
	meanMs := float64(total/time.Duration(len(h.samples))) / float64(time.Millisecond)
	failurePenalty := float64(failures) / float64(len(h.samples)) * 5000
	return meanMs + failurePenalty
}

// Stale reports whether the account's most recent sample is older than
// max, or it has no samples at all.
func (t *Tracker) Stale(accountIndex int, max time.Duration) bool {
	h := t.get(accountIndex)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastSeen.IsZero() {
		return true
	}
	return time.Since(h.lastSeen) > max
}
