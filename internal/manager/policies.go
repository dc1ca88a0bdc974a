package manager

import (
	"os"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/agpool/agpool/internal/pool"
)

// softQuotaDefaultThresholdPct is used when the caller passes 0, meaning
// "use the configured default" was already resolved upstream to nothing.
const softQuotaDefaultThresholdPct = 90.0

// candidate pairs an account with the quota key this selection round is
// evaluating it against.
type candidate struct {
	account *pool.Account
	qk      pool.QuotaKey
}

func isCoolingDown(a *pool.Account, now time.Time) bool {
	return a.CoolingDownUntilMs > 0 && now.UnixMilli() < a.CoolingDownUntilMs
}

func isRateLimited(a *pool.Account, qk pool.QuotaKey, now time.Time) bool {
	if a.RateLimitResetTimes == nil {
		return false
	}
	resetAt, ok := a.RateLimitResetTimes[qk]
	return ok && now.UnixMilli() < resetAt
}

// overSoftQuota reports whether the account's cached quota snapshot shows
// the model at or above thresholdPct. An account with no cached snapshot,
// or one older than ttl (0 meaning no expiry), is never considered over
// quota — absence of fresh data isn't evidence of exhaustion.
func overSoftQuota(a *pool.Account, model string, thresholdPct float64, ttl time.Duration) bool {
	if a.CachedQuota == nil || a.CachedQuota.UsagePercentByModel == nil {
		return false
	}
	if ttl > 0 && time.Since(time.UnixMilli(a.CachedQuotaUpdatedAt)) > ttl {
		return false
	}
	pct, ok := a.CachedQuota.UsagePercentByModel[model]
	return ok && pct >= thresholdPct
}

// GetCurrentOrNext selects an account to use for the given family/header
// style/model under the given policy. It returns a pool.Error (category
// CategoryNoAccounts or CategoryAllRevoked) when no account is usable.
func (m *Manager) GetCurrentOrNext(policyName Policy, family pool.Family, style pool.HeaderStyle, model string, softQuotaThresholdPct float64) (*pool.Account, error) {
	if softQuotaThresholdPct <= 0 {
		softQuotaThresholdPct = softQuotaDefaultThresholdPct
	}
	qk := pool.QuotaKeyFor(family, style)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.accounts) == 0 {
		return nil, pool.NewNoAccountsError()
	}

	enabled := make([]*pool.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if a.Enabled {
			enabled = append(enabled, a)
		}
	}
	if len(enabled) == 0 {
		return nil, pool.NewAllRevokedError()
	}

	// notHardBlocked clears cooldown and rate-limit state only; soft quota
	// is a separate, Gemini-only gate applied on top of it below.
	notHardBlocked := make([]*pool.Account, 0, len(enabled))
	for _, a := range enabled {
		if !isCoolingDown(a, now) && !isRateLimited(a, qk, now) {
			notHardBlocked = append(notHardBlocked, a)
		}
	}
	if len(notHardBlocked) == 0 {
		return nil, pool.NewRateLimitedBeyondCapError(m.minWaitFor(enabled, qk, now))
	}

	pickable := notHardBlocked
	if family == pool.FamilyGemini {
		underSoftQuota := make([]*pool.Account, 0, len(notHardBlocked))
		for _, a := range notHardBlocked {
			if !overSoftQuota(a, model, softQuotaThresholdPct, m.softQuotaCacheTTL) {
				underSoftQuota = append(underSoftQuota, a)
			}
		}
		if len(underSoftQuota) > 0 {
			pickable = underSoftQuota
		} else {
			// Every remaining account is over its soft quota threshold:
			// let the least-exhausted one through rather than failing the
			// request outright.
			pickable = []*pool.Account{leastOverQuota(notHardBlocked, model)}
		}
	}

	switch policyName {
	case PolicyBalance:
		return m.pickBalance(pickable), nil
	case PolicyPerformanceFirst:
		return m.pickPerformanceFirst(pickable), nil
	case PolicyHybrid:
		return m.pickHybrid(pickable), nil
	default:
		return m.pickCacheFirst(pickable, family), nil
	}
}

func leastOverQuota(accounts []*pool.Account, model string) *pool.Account {
	best := accounts[0]
	bestPct := 100.0
	if best.CachedQuota != nil {
		bestPct = best.CachedQuota.UsagePercentByModel[model]
	}
	for _, a := range accounts[1:] {
		pct := 100.0
		if a.CachedQuota != nil {
			pct = a.CachedQuota.UsagePercentByModel[model]
		}
		if pct < bestPct {
			best, bestPct = a, pct
		}
	}
	return best
}

func (m *Manager) minWaitFor(accounts []*pool.Account, qk pool.QuotaKey, now time.Time) time.Duration {
	var min time.Duration = -1
	for _, a := range accounts {
		resetAt, ok := a.RateLimitResetTimes[qk]
		if !ok {
			continue
		}
		wait := time.Until(time.UnixMilli(resetAt))
		if wait < 0 {
			wait = 0
		}
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// pickCacheFirst keeps returning the last account used for this family,
// as long as it's still in the pickable set — minimizing upstream session
// churn. Falls through to the lowest-index pickable account otherwise, or,
// with pidOffsetEnabled, to a PID-derived index so several agpoold
// processes sharing one pool file don't all pile onto account 0 on their
// first pick.
func (m *Manager) pickCacheFirst(pickable []*pool.Account, family pool.Family) *pool.Account {
	if lastIdx, ok := m.lastUsedByFamily[family]; ok {
		for _, a := range pickable {
			if a.Index == lastIdx {
				return a
			}
		}
	}

	sorted := append([]*pool.Account(nil), pickable...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	chosen := sorted[0]
	if m.pidOffsetEnabled {
		chosen = sorted[os.Getpid()%len(sorted)]
	}
	m.lastUsedByFamily[family] = chosen.Index
	return chosen
}

// pickBalance rotates across accounts by least-recently-used, spreading
// load evenly instead of sticking to one account.
func (m *Manager) pickBalance(pickable []*pool.Account) *pool.Account {
	chosen := pickable[0]
	for _, a := range pickable[1:] {
		if a.LastUsedMs < chosen.LastUsedMs {
			chosen = a
		}
	}
	return chosen
}

// staleHealthWindow is how long a health sample is trusted before
// healthScore treats the account as if it had no history at all. Without
// this, an account that hasn't served a request in hours keeps whatever
// score (good or bad) it earned that long ago.
const staleHealthWindow = 15 * time.Minute

// healthScore is m.health.Score, except a stale account (no recent
// sample) is treated as if it had no history: a long-idle account
// shouldn't keep winning or losing selection off hours-old data.
func (m *Manager) healthScore(accountIndex int) float64 {
	if m.health.Stale(accountIndex, staleHealthWindow) {
		return 0
	}
	return m.health.Score(accountIndex)
}

// pickPerformanceFirst chooses the account with the best (lowest)
// HealthTracker score, ties broken by account index for determinism.
func (m *Manager) pickPerformanceFirst(pickable []*pool.Account) *pool.Account {
	chosen := pickable[0]
	chosenScore := m.healthScore(chosen.Index)
	for _, a := range pickable[1:] {
		score := m.healthScore(a.Index)
		if score < chosenScore || (score == chosenScore && a.Index < chosen.Index) {
			chosen, chosenScore = a, score
		}
	}
	return chosen
}

// pickHybrid combines a per-account token bucket (so a consistently fast
// account doesn't monopolize every request) with the health score as a
// tie-break: among accounts whose bucket currently allows a request, pick
// the best-scoring one; if none have budget left, fall back to the
// best-scoring account regardless so the request still proceeds.
func (m *Manager) pickHybrid(pickable []*pool.Account) *pool.Account {
	type scored struct {
		account *pool.Account
		score   float64
		allowed bool
	}
	scoredList := make([]scored, 0, len(pickable))
	for _, a := range pickable {
		scoredList = append(scoredList, scored{
			account: a,
			score:   m.healthScore(a.Index),
			allowed: m.hybridBucket(a.Index).Allow(),
		})
	}

	var best *scored
	for i := range scoredList {
		s := &scoredList[i]
		if !s.allowed {
			continue
		}
		if best == nil || s.score < best.score || (s.score == best.score && s.account.Index < best.account.Index) {
			best = s
		}
	}
	if best != nil {
		return best.account
	}

	chosen := scoredList[0]
	for _, s := range scoredList[1:] {
		if s.score < chosen.score || (s.score == chosen.score && s.account.Index < chosen.account.Index) {
			chosen = s
		}
	}
	return chosen.account
}

func (m *Manager) hybridBucket(accountIndex int) *rate.Limiter {
	m.hybridMu.Lock()
	defer m.hybridMu.Unlock()
	b, ok := m.hybridBuckets[accountIndex]
	if !ok {
		ratePerSec := m.hybridConfig.RegenPerMinute / 60
		burst := m.hybridConfig.MaxTokens
		if burst <= 0 {
			burst = 1
		}
		b = rate.NewLimiter(rate.Limit(ratePerSec), burst)
		m.hybridBuckets[accountIndex] = b
	}
	return b
}
