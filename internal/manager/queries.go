package manager

import (
	"time"

	"github.com/agpool/agpool/internal/pool"
)

// HasOtherAccountWithStyleAvailable reports whether some account other
// than excludeIndex is both enabled and not currently blocked for the
// given family/style's quota key. Used by the router to decide whether a
// rate-limited or capacity-exhausted response should fail over to
// another account preserving style, rather than retry the same one.
func (m *Manager) HasOtherAccountWithStyleAvailable(excludeIndex int, family pool.Family, style pool.HeaderStyle) bool {
	qk := pool.QuotaKeyFor(family, style)
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.Index == excludeIndex || !a.Enabled {
			continue
		}
		if !isCoolingDown(a, now) && !isRateLimited(a, qk, now) {
			return true
		}
	}
	return false
}

// IsAlternateStyleAvailableOnAccount reports whether the given Gemini
// account is usable right now under its alternate header style (e.g.
// gemini-cli when the preferred style is antigravity). Used by the
// quota-fallback rule to decide whether to switch style on the same
// account before rotating away from it. Always false for non-Gemini
// families, which have only one style.
func (m *Manager) IsAlternateStyleAvailableOnAccount(accountIndex int, family pool.Family, style pool.HeaderStyle) bool {
	if family != pool.FamilyGemini {
		return false
	}
	altQk := pool.QuotaKeyFor(family, pool.AlternateHeaderStyle(style))
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.Index == accountIndex {
			return a.Enabled && !isCoolingDown(a, now) && !isRateLimited(a, altQk, now)
		}
	}
	return false
}

// GetMinWaitTimeForFamily returns how long until the soonest account's
// rate limit for the given family/style clears, or 0 if one is already
// available.
func (m *Manager) GetMinWaitTimeForFamily(family pool.Family, style pool.HeaderStyle) time.Duration {
	qk := pool.QuotaKeyFor(family, style)
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var min time.Duration = -1
	for _, a := range m.accounts {
		if !a.Enabled {
			continue
		}
		if !isCoolingDown(a, now) && !isRateLimited(a, qk, now) {
			return 0
		}
		wait := m.waitForOne(a, qk, now)
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

func (m *Manager) waitForOne(a *pool.Account, qk pool.QuotaKey, now time.Time) time.Duration {
	var coolWait, rlWait time.Duration
	if a.CoolingDownUntilMs > 0 {
		coolWait = time.Until(time.UnixMilli(a.CoolingDownUntilMs))
	}
	if resetAt, ok := a.RateLimitResetTimes[qk]; ok {
		rlWait = time.Until(time.UnixMilli(resetAt))
	}
	wait := coolWait
	if rlWait > wait {
		wait = rlWait
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// AreAllOverSoftQuota reports whether every enabled, non-hard-blocked
// account for the given family/style is at or above thresholdPct usage
// for model. Returns false if no accounts qualify for the check at all
// (nothing to report as exhausted).
func (m *Manager) AreAllOverSoftQuota(family pool.Family, style pool.HeaderStyle, model string, thresholdPct float64) bool {
	if thresholdPct <= 0 {
		thresholdPct = softQuotaDefaultThresholdPct
	}
	qk := pool.QuotaKeyFor(family, style)
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	checked := 0
	for _, a := range m.accounts {
		if !a.Enabled || isCoolingDown(a, now) || isRateLimited(a, qk, now) {
			continue
		}
		checked++
		if !overSoftQuota(a, model, thresholdPct) {
			return false
		}
	}
	return checked > 0
}

// GetMinWaitTimeForSoftQuota returns the soonest known quota reset time
// across accounts that are currently over the soft-quota threshold for
// model, or 0 if no reset time is known.
func (m *Manager) GetMinWaitTimeForSoftQuota(family pool.Family, style pool.HeaderStyle, model string, thresholdPct float64) time.Duration {
	if thresholdPct <= 0 {
		thresholdPct = softQuotaDefaultThresholdPct
	}
	qk := pool.QuotaKeyFor(family, style)
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var min time.Duration = -1
	for _, a := range m.accounts {
		if !a.Enabled || isCoolingDown(a, now) || isRateLimited(a, qk, now) {
			continue
		}
		if !overSoftQuota(a, model, thresholdPct) {
			continue
		}
		if a.CachedQuota == nil || a.CachedQuota.ResetAtByModel == nil {
			continue
		}
		resetAt, ok := a.CachedQuota.ResetAtByModel[model]
		if !ok {
			continue
		}
		wait := time.Until(resetAt)
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
