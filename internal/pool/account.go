// Package pool defines the account-pool data model: the credential records,
// quota keys, and rate-limit/failure state that the rest of the router
// operates on. Nothing in this package performs I/O or talks to upstream;
// it is the shared vocabulary every other package imports.
package pool

import "time"

// Family identifies the upstream model family an account's credentials
// are scoped to.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
)

// HeaderStyle is one of two upstream client identities that map onto
// different backend quotas for the same family.
type HeaderStyle string

const (
	HeaderStyleAntigravity HeaderStyle = "antigravity"
	HeaderStyleCLI         HeaderStyle = "cli"
)

// QuotaKey scopes rate-limit state independently per lane.
type QuotaKey string

const (
	QuotaKeyGeminiAntigravity QuotaKey = "gemini-antigravity"
	QuotaKeyGeminiCLI         QuotaKey = "gemini-cli"
	QuotaKeyClaude            QuotaKey = "claude"
)

// AlternateHeaderStyle returns the other Gemini header style — the quota-
// fallback rule switches to this on the same account when the preferred
// style is rate-limited and no sibling account has it available either.
func AlternateHeaderStyle(style HeaderStyle) HeaderStyle {
	if style == HeaderStyleCLI {
		return HeaderStyleAntigravity
	}
	return HeaderStyleCLI
}

// QuotaKeyFor derives the QuotaKey for a (family, headerStyle) pair.
func QuotaKeyFor(family Family, style HeaderStyle) QuotaKey {
	switch family {
	case FamilyGemini:
		if style == HeaderStyleCLI {
			return QuotaKeyGeminiCLI
		}
		return QuotaKeyGeminiAntigravity
	default:
		return QuotaKeyClaude
	}
}

// Fingerprint is a per-account stable device identity.
type Fingerprint struct {
	QuotaUser string `json:"quotaUser"`
	DeviceID  string `json:"deviceId"`
}

// QuotaSnapshot is the last observed per-model quota usage for an account,
// used by soft-quota gating.
type QuotaSnapshot struct {
	// UsagePercentByModel maps model name to observed usage percent [0,100].
	UsagePercentByModel map[string]float64 `json:"usagePercentByModel,omitempty"`
	// ResetAtByModel maps model name to the next known quota reset time.
	ResetAtByModel map[string]time.Time `json:"resetAtByModel,omitempty"`
}

// Clone returns a deep copy so callers never alias a shared snapshot.
func (q *QuotaSnapshot) Clone() *QuotaSnapshot {
	if q == nil {
		return nil
	}
	out := &QuotaSnapshot{}
	if q.UsagePercentByModel != nil {
		out.UsagePercentByModel = make(map[string]float64, len(q.UsagePercentByModel))
		for k, v := range q.UsagePercentByModel {
			out.UsagePercentByModel[k] = v
		}
	}
	if q.ResetAtByModel != nil {
		out.ResetAtByModel = make(map[string]time.Time, len(q.ResetAtByModel))
		for k, v := range q.ResetAtByModel {
			out.ResetAtByModel[k] = v
		}
	}
	return out
}

// Account is one user's credential record in the pool. All epoch-valued
// fields are milliseconds since Unix epoch, matching the persisted JSON
// contract.
type Account struct {
	Index int `json:"index"`

	Email             string `json:"email,omitempty"`
	RefreshToken      string `json:"refreshToken"`
	ProjectID         string `json:"projectId,omitempty"`
	ManagedProjectID  string `json:"managedProjectId,omitempty"`
	AccessToken       string `json:"accessToken,omitempty"`
	ExpiresAtMs       int64  `json:"expiresAt,omitempty"`
	AddedAtMs         int64  `json:"addedAt"`
	LastUsedMs        int64  `json:"lastUsed"`
	Enabled           bool   `json:"enabled"`
	CoolingDownUntilMs int64 `json:"coolingDownUntil,omitempty"`

	ConsecutiveFailures int `json:"consecutiveFailures,omitempty"`

	// RateLimitResetTimes maps a QuotaKey to the earliest epoch-ms retry time.
	RateLimitResetTimes map[QuotaKey]int64 `json:"rateLimitResetTimes,omitempty"`

	CachedQuota          *QuotaSnapshot `json:"cachedQuota,omitempty"`
	CachedQuotaUpdatedAt int64          `json:"cachedQuotaUpdatedAt,omitempty"`

	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
}

// Clone returns a deep copy of the account, safe to hand to a reader while
// AccountManager continues mutating the original under its own lock.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	if a.RateLimitResetTimes != nil {
		out.RateLimitResetTimes = make(map[QuotaKey]int64, len(a.RateLimitResetTimes))
		for k, v := range a.RateLimitResetTimes {
			out.RateLimitResetTimes[k] = v
		}
	}
	out.CachedQuota = a.CachedQuota.Clone()
	if a.Fingerprint != nil {
		fp := *a.Fingerprint
		out.Fingerprint = &fp
	}
	return &out
}

// Family reports the model family this account's credentials serve. The
// pool associates accounts with families via configuration, not a stored
// field, since a single refresh token can in principle back either; the
// caller (AccountManager) tags accounts by which bucket they were added to.

// RateLimitReason classifies why an upstream response indicated a rate
// limit or capacity problem.
type RateLimitReason string

const (
	ReasonRPMExceeded           RateLimitReason = "RPM_EXCEEDED"
	ReasonQuotaExhausted        RateLimitReason = "QUOTA_EXHAUSTED"
	ReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError           RateLimitReason = "SERVER_ERROR"
	ReasonUnknown               RateLimitReason = "UNKNOWN"
)

// PoolState is the persisted shape of the whole pool.
type PoolState struct {
	Version             int            `json:"version"`
	Accounts            []*Account     `json:"accounts"`
	ActiveIndex         int            `json:"activeIndex"`
	ActiveIndexByFamily map[Family]int `json:"activeIndexByFamily"`
}

// Clone deep-copies the pool state.
func (s *PoolState) Clone() *PoolState {
	if s == nil {
		return nil
	}
	out := &PoolState{
		Version:     s.Version,
		ActiveIndex: s.ActiveIndex,
	}
	if s.Accounts != nil {
		out.Accounts = make([]*Account, len(s.Accounts))
		for i, a := range s.Accounts {
			out.Accounts[i] = a.Clone()
		}
	}
	if s.ActiveIndexByFamily != nil {
		out.ActiveIndexByFamily = make(map[Family]int, len(s.ActiveIndexByFamily))
		for k, v := range s.ActiveIndexByFamily {
			out.ActiveIndexByFamily[k] = v
		}
	}
	return out
}

const (
	// DedupWindow is the minimum gap between 429s before they count as a
	// new attempt rather than a duplicate of the in-flight one.
	DedupWindow = 2 * time.Second
	// StateResetTTL fully discards rate-limit state after this much
	// inactivity.
	StateResetTTL = 120 * time.Second
	// MaxConsecutiveFailures is the non-429 failure count that triggers a
	// cooldown.
	MaxConsecutiveFailures = 5
	// DefaultMaxBackoff caps exponential rate-limit backoff.
	DefaultMaxBackoff = 60 * time.Second
	// SwitchAccountDelay is the sleep before rotating on a second
	// consecutive 429.
	SwitchAccountDelay = 5 * time.Second
)
