// Package manager implements AccountManager: the authoritative in-memory
// pool, its selection policies, and the rate-limit/cooldown/soft-quota
// bookkeeping that governs which account a request may use.
package manager

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agpool/agpool/internal/fingerprint"
	"github.com/agpool/agpool/internal/health"
	"github.com/agpool/agpool/internal/logging"
	"github.com/agpool/agpool/internal/pool"
	"github.com/agpool/agpool/internal/ratelimit"
	"github.com/agpool/agpool/internal/store"
)

var log = logging.With("component", "manager")

// Policy is a closed tagged union over the four selection policies.
type Policy string

const (
	PolicyCacheFirst      Policy = "cache_first"
	PolicyBalance         Policy = "balance"
	PolicyPerformanceFirst Policy = "performance_first"
	PolicyHybrid          Policy = "hybrid"
)

// HybridConfig parameterizes the hybrid policy's per-account token
// bucket.
type HybridConfig struct {
	MaxTokens      int
	RegenPerMinute float64
}

// Manager is AccountManager.
type Manager struct {
	mu sync.RWMutex

	accounts []*pool.Account // canonical order; Account.Index kept in sync with slice position

	rl     *ratelimit.Table
	health *health.Tracker
	st     *store.Store

	hybridMu      sync.Mutex
	hybridBuckets map[int]*rate.Limiter
	hybridConfig  HybridConfig

	lastUsedByFamily map[pool.Family]int // advisory activeIndex, per family

	failureTTL    time.Duration // 0 disables decay; set via SetFailureTTL
	lastFailureMs map[int]int64 // accountIndex -> epoch ms of its last recorded failure

	maxBackoff time.Duration // 0 means uncapped; set via SetMaxBackoff

	softQuotaCacheTTL time.Duration // 0 means a cached quota snapshot never goes stale
	pidOffsetEnabled  bool          // spread pickCacheFirst's tie-break start point across co-located processes

	janitorStopCh   chan struct{}
	janitorStopOnce sync.Once
}

// New constructs an empty Manager. Persisted state, if any, should be
// loaded via LoadState immediately after.
func New(st *store.Store, hybrid HybridConfig) *Manager {
	return &Manager{
		rl:               ratelimit.New(),
		health:           health.New(),
		st:               st,
		hybridBuckets:    make(map[int]*rate.Limiter),
		hybridConfig:     hybrid,
		lastUsedByFamily: make(map[pool.Family]int),
		lastFailureMs:    make(map[int]int64),
		janitorStopCh:    make(chan struct{}),
	}
}

// SetFailureTTL configures how long a run of consecutive failures is
// remembered. An account whose last failure was longer than ttl ago has
// its streak reset to 0 before the next failure is recorded, so an old,
// resolved problem doesn't compound with an unrelated new one into a
// cooldown neither alone would have triggered.
func (m *Manager) SetFailureTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureTTL = ttl
}

// SetMaxBackoff caps the cooldown RecordFailure applies once an account
// crosses MaxConsecutiveFailures; without a cap, a persistently failing
// account's per-failure cooldown grows without bound.
func (m *Manager) SetMaxBackoff(max time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxBackoff = max
}

// SetSoftQuotaCacheTTL bounds how long a cached soft-quota snapshot is
// trusted. A snapshot older than ttl is treated as absent by both the
// read-time check in overSoftQuota and the periodic janitor started by
// StartQuotaCacheJanitor, rather than let a stale "over quota" verdict
// gate an account indefinitely.
func (m *Manager) SetSoftQuotaCacheTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.softQuotaCacheTTL = ttl
}

// SetPidOffsetEnabled controls whether pickCacheFirst's tie-break start
// point is derived from the process's PID. Multiple agpoold processes
// sharing one pool file would otherwise all default to the same
// lowest-index account on their very first pick for a family.
func (m *Manager) SetPidOffsetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pidOffsetEnabled = enabled
}

// StartQuotaCacheJanitor periodically evicts soft-quota snapshots older
// than ttl, so an account's cached quota doesn't silently go stale
// between the upstream responses that would otherwise refresh it.
func (m *Manager) StartQuotaCacheJanitor(interval, ttl time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.janitorStopCh:
				return
			case <-ticker.C:
				m.pruneStaleQuotaCache(ttl)
			}
		}
	}()
}

// StopQuotaCacheJanitor halts the loop started by StartQuotaCacheJanitor.
func (m *Manager) StopQuotaCacheJanitor() {
	m.janitorStopOnce.Do(func() { close(m.janitorStopCh) })
}

func (m *Manager) pruneStaleQuotaCache(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.CachedQuota != nil && now.Sub(time.UnixMilli(a.CachedQuotaUpdatedAt)) > ttl {
			a.CachedQuota = nil
			log.Debugf("evicted stale soft-quota cache for account %d", a.Index)
		}
	}
}

// LoadState replaces the in-memory pool with a previously persisted
// state (e.g. at startup).
func (m *Manager) LoadState(state *pool.PoolState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == nil {
		return
	}
	m.accounts = state.Accounts
	for i, a := range m.accounts {
		a.Index = i
	}
	if m.lastUsedByFamily == nil {
		m.lastUsedByFamily = make(map[pool.Family]int)
	}
	for fam, idx := range state.ActiveIndexByFamily {
		m.lastUsedByFamily[fam] = idx
	}
}

// Snapshot returns a persistable copy of the current pool state.
func (m *Manager) Snapshot() *pool.PoolState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &pool.PoolState{
		Version:             3,
		Accounts:            make([]*pool.Account, len(m.accounts)),
		ActiveIndexByFamily:  make(map[pool.Family]int, len(m.lastUsedByFamily)),
	}
	for i, a := range m.accounts {
		s.Accounts[i] = a.Clone()
	}
	for fam, idx := range m.lastUsedByFamily {
		s.ActiveIndexByFamily[fam] = idx
	}
	return s
}

func (m *Manager) persist() {
	if m.st == nil {
		return
	}
	m.st.RequestSave(m.Snapshot())
}

// AddOrMerge adds a new account, or — per the lifecycle rule that
// refreshToken is unique — updates the existing record in place when one
// with the same email (preferred) or refreshToken already exists.
func (m *Manager) AddOrMerge(a *pool.Account) *pool.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if a.Email != "" && existing.Email == a.Email {
			mergeInPlace(existing, a)
			m.persist()
			return existing
		}
	}
	for _, existing := range m.accounts {
		if existing.RefreshToken == a.RefreshToken {
			mergeInPlace(existing, a)
			m.persist()
			return existing
		}
	}

	a.Index = len(m.accounts)
	if a.Fingerprint == nil {
		a.Fingerprint = fingerprint.Mint(a.Index)
	}
	m.accounts = append(m.accounts, a)
	m.persist()
	return a
}

func mergeInPlace(dst, src *pool.Account) {
	dst.RefreshToken = src.RefreshToken
	if src.Email != "" {
		dst.Email = src.Email
	}
	if src.ProjectID != "" {
		dst.ProjectID = src.ProjectID
	}
	if src.ManagedProjectID != "" {
		dst.ManagedProjectID = src.ManagedProjectID
	}
	dst.Enabled = true
}

// RemoveAccount removes the account by index and rebuilds indices. O(n).
// A no-op when the index has already been removed.
func (m *Manager) RemoveAccount(accountIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := -1
	for i, a := range m.accounts {
		if a.Index == accountIndex {
			pos = i
			break
		}
	}
	if pos < 0 {
		return
	}
	m.accounts = append(m.accounts[:pos], m.accounts[pos+1:]...)
	for i, a := range m.accounts {
		a.Index = i
	}
	m.rl.ResetAll(accountIndex)
	m.persist()
}

// Size returns the number of accounts currently in the pool.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// RegenerateFingerprint mints a fresh fingerprint for the account, called
// after repeated capacity failures.
func (m *Manager) RegenerateFingerprint(accountIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Index == accountIndex {
			a.Fingerprint = fingerprint.Regenerate(accountIndex)
			m.persist()
			return
		}
	}
}

// MarkCoolingDown sidelines an account for a non-quota reason (auth,
// project discovery, network failures).
func (m *Manager) MarkCoolingDown(accountIndex int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Index == accountIndex {
			a.CoolingDownUntilMs = time.Now().Add(duration).UnixMilli()
			a.ConsecutiveFailures++
			m.persist()
			return
		}
	}
}

// RecordSuccess resets failure bookkeeping and clears the quota-key's
// rate-limit state, then updates lastUsed/health.
func (m *Manager) RecordSuccess(accountIndex int, qk pool.QuotaKey, latency time.Duration) {
	m.mu.Lock()
	for _, a := range m.accounts {
		if a.Index == accountIndex {
			a.ConsecutiveFailures = 0
			a.LastUsedMs = time.Now().UnixMilli()
			delete(a.RateLimitResetTimes, qk)
			break
		}
	}
	m.persist()
	m.mu.Unlock()
	m.rl.Reset(accountIndex, qk)
	m.health.Record(accountIndex, latency, true)
}

// RecordFailure increments the consecutive-failure counter and applies a
// cooldown once MaxConsecutiveFailures is reached.
func (m *Manager) RecordFailure(accountIndex int, latency time.Duration) {
	now := time.Now()
	m.mu.Lock()
	for _, a := range m.accounts {
		if a.Index == accountIndex {
			if m.failureTTL > 0 {
				if last, ok := m.lastFailureMs[accountIndex]; ok && now.Sub(time.UnixMilli(last)) > m.failureTTL {
					a.ConsecutiveFailures = 0
				}
			}
			m.lastFailureMs[accountIndex] = now.UnixMilli()
			a.ConsecutiveFailures++
			if a.ConsecutiveFailures >= pool.MaxConsecutiveFailures {
				cooldown := time.Duration(a.ConsecutiveFailures) * time.Second
				if m.maxBackoff > 0 && cooldown > m.maxBackoff {
					cooldown = m.maxBackoff
				}
				a.CoolingDownUntilMs = now.Add(cooldown).UnixMilli()
			}
			break
		}
	}
	m.persist()
	m.mu.Unlock()
	m.health.Record(accountIndex, latency, false)
}

// MarkRateLimited records a 429 against (account, family, headerStyle)
// and sets the corresponding RateLimitResetTimes entry. Returns the
// attempt count and computed delay.
func (m *Manager) MarkRateLimited(accountIndex int, family pool.Family, style pool.HeaderStyle, serverRetryAfter time.Duration) (attempt int, delay time.Duration, isDuplicate bool) {
	qk := pool.QuotaKeyFor(family, style)
	attempt, delay, isDuplicate = m.rl.Record(accountIndex, qk, serverRetryAfter)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Index == accountIndex {
			if a.RateLimitResetTimes == nil {
				a.RateLimitResetTimes = make(map[pool.QuotaKey]int64)
			}
			resetAt := time.Now().Add(delay).UnixMilli()
			// RateLimitResetTimes entries only grow forward in time.
			if existing, ok := a.RateLimitResetTimes[qk]; !ok || resetAt > existing {
				a.RateLimitResetTimes[qk] = resetAt
			}
			m.persist()
			break
		}
	}
	return attempt, delay, isDuplicate
}

// Disable marks an account unusable without removing it from the pool.
// A rejected refresh token (invalid_grant) is removed via RemoveAccount
// instead — Disable is for an operator sidelining an account manually.
func (m *Manager) Disable(accountIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Index == accountIndex {
			a.Enabled = false
			m.persist()
			return
		}
	}
}

// UpdateToken stores a freshly refreshed access token and its expiry.
func (m *Manager) UpdateToken(accountIndex int, accessToken string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Index == accountIndex {
			a.AccessToken = accessToken
			a.ExpiresAtMs = expiresAt.UnixMilli()
			m.persist()
			return
		}
	}
}

// AccountByIndex returns a defensive copy of the account, or nil if no
// account with that index exists.
func (m *Manager) AccountByIndex(accountIndex int) *pool.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.Index == accountIndex {
			return a.Clone()
		}
	}
	return nil
}

// All returns defensive copies of every account currently in the pool.
func (m *Manager) All() []*pool.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pool.Account, len(m.accounts))
	for i, a := range m.accounts {
		out[i] = a.Clone()
	}
	return out
}

// UpdateQuotaCache records a fresh soft-quota snapshot for the account.
func (m *Manager) UpdateQuotaCache(accountIndex int, snapshot *pool.QuotaSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Index == accountIndex {
			a.CachedQuota = snapshot
			a.CachedQuotaUpdatedAt = time.Now().UnixMilli()
			m.persist()
			return
		}
	}
}
