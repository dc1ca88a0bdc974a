// Package config loads and validates the daemon's runtime configuration
// from YAML (optionally JSONC) with a .env overlay, and watches the
// source file for hot reload.
package config

import (
	"strings"
	"time"

	"github.com/agpool/agpool/internal/manager"
)

// Config mirrors the configuration keys the core consumes, with the
// same names and defaults an operator would set in accounts.yaml.
type Config struct {
	QuietMode       bool   `yaml:"quiet_mode" json:"quiet_mode"`
	SessionRecovery bool   `yaml:"session_recovery" json:"session_recovery"`
	AutoResume      bool   `yaml:"auto_resume" json:"auto_resume"`
	ResumeText      string `yaml:"resume_text" json:"resume_text"`

	SchedulingMode           manager.Policy `yaml:"scheduling_mode" json:"scheduling_mode"`
	AccountSelectionStrategy manager.Policy `yaml:"account_selection_strategy" json:"account_selection_strategy"`
	SwitchOnFirstRateLimit   bool           `yaml:"switch_on_first_rate_limit" json:"switch_on_first_rate_limit"`

	MaxCacheFirstWaitSeconds int `yaml:"max_cache_first_wait_seconds" json:"max_cache_first_wait_seconds"`
	MaxRateLimitWaitSeconds  int `yaml:"max_rate_limit_wait_seconds" json:"max_rate_limit_wait_seconds"` // 0 disables cap

	FailureTTLSeconds  int `yaml:"failure_ttl_seconds" json:"failure_ttl_seconds"`
	RequestJitterMaxMs int `yaml:"request_jitter_max_ms" json:"request_jitter_max_ms"`

	SoftQuotaThresholdPercent   float64 `yaml:"soft_quota_threshold_percent" json:"soft_quota_threshold_percent"` // 100 = disabled
	QuotaRefreshIntervalMinutes int     `yaml:"quota_refresh_interval_minutes" json:"quota_refresh_interval_minutes"`
	SoftQuotaCacheTTLMinutes    int     `yaml:"soft_quota_cache_ttl_minutes" json:"soft_quota_cache_ttl_minutes"`

	ProactiveTokenRefresh                bool `yaml:"proactive_token_refresh" json:"proactive_token_refresh"`
	ProactiveRefreshBufferSeconds        int  `yaml:"proactive_refresh_buffer_seconds" json:"proactive_refresh_buffer_seconds"`
	ProactiveRefreshCheckIntervalSeconds int  `yaml:"proactive_refresh_check_interval_seconds" json:"proactive_refresh_check_interval_seconds"`

	EmptyResponseMaxAttempts  int `yaml:"empty_response_max_attempts" json:"empty_response_max_attempts"`
	EmptyResponseRetryDelayMs int `yaml:"empty_response_retry_delay_ms" json:"empty_response_retry_delay_ms"`

	DefaultRetryAfterSeconds int `yaml:"default_retry_after_seconds" json:"default_retry_after_seconds"`
	MaxBackoffSeconds        int `yaml:"max_backoff_seconds" json:"max_backoff_seconds"`

	QuotaFallback    bool `yaml:"quota_fallback" json:"quota_fallback"`
	CliFirst         bool `yaml:"cli_first" json:"cli_first"`
	PidOffsetEnabled bool `yaml:"pid_offset_enabled" json:"pid_offset_enabled"`

	// Process-level settings needed to run the daemon end to end.
	ListenAddr   string   `yaml:"listen_addr" json:"listen_addr"`
	Endpoints    []string `yaml:"endpoints" json:"endpoints"`
	PoolFilePath string   `yaml:"pool_file_path" json:"pool_file_path"`
	UsageDSN     string   `yaml:"usage_dsn" json:"usage_dsn"`

	OAuthClientID     string `yaml:"oauth_client_id" json:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret" json:"oauth_client_secret"`
	OAuthCallbackPort int    `yaml:"oauth_callback_port" json:"oauth_callback_port"`

	S3MirrorEndpoint  string `yaml:"s3_mirror_endpoint" json:"s3_mirror_endpoint"`
	S3MirrorBucket    string `yaml:"s3_mirror_bucket" json:"s3_mirror_bucket"`
	S3MirrorAccessKey string `yaml:"s3_mirror_access_key" json:"s3_mirror_access_key"`
	S3MirrorSecretKey string `yaml:"s3_mirror_secret_key" json:"s3_mirror_secret_key"`

	HybridMaxTokens      int     `yaml:"hybrid_max_tokens" json:"hybrid_max_tokens"`
	HybridRegenPerMinute float64 `yaml:"hybrid_regen_per_minute" json:"hybrid_regen_per_minute"`
}

// Default returns a Config populated with spec.md's documented defaults.
func Default() Config {
	return Config{
		SessionRecovery: true,
		AutoResume:      true,
		ResumeText:      "continue",

		SchedulingMode:           manager.PolicyCacheFirst,
		AccountSelectionStrategy: manager.PolicyCacheFirst,

		MaxCacheFirstWaitSeconds: 60,
		MaxRateLimitWaitSeconds:  300,

		FailureTTLSeconds: 300,

		SoftQuotaThresholdPercent: 100,

		EmptyResponseMaxAttempts:  4,
		EmptyResponseRetryDelayMs: 2000,

		DefaultRetryAfterSeconds: 60,
		MaxBackoffSeconds:        60,

		QuotaFallback: true,

		ListenAddr:   "127.0.0.1:8045",
		PoolFilePath: "accounts.json",

		OAuthCallbackPort: 51121,

		HybridMaxTokens:      10,
		HybridRegenPerMinute: 1,
	}
}

// Validate rejects configurations the core cannot run with. It never
// rejects on an unrecognized policy name — GetCurrentOrNext falls back
// to cache_first for those, matching the default.
func (c *Config) Validate() error {
	if c.SoftQuotaThresholdPercent <= 0 || c.SoftQuotaThresholdPercent > 100 {
		return &ValidationError{Field: "soft_quota_threshold_percent", Message: "must be in (0, 100]"}
	}
	if c.EmptyResponseMaxAttempts < 1 {
		return &ValidationError{Field: "empty_response_max_attempts", Message: "must be at least 1"}
	}
	if c.MaxBackoffSeconds < 1 {
		return &ValidationError{Field: "max_backoff_seconds", Message: "must be at least 1"}
	}
	return nil
}

// ValidationError identifies the offending field for config diagnostics.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// FailureTTL is the configured failure-count decay window as a Duration.
func (c Config) FailureTTL() time.Duration {
	return time.Duration(c.FailureTTLSeconds) * time.Second
}

// MaxBackoff is the configured backoff ceiling as a Duration.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// normalizePolicy lowercases and trims a policy name read from YAML so
// "Cache_First" and "cache_first " both resolve the same way.
func normalizePolicy(p manager.Policy) manager.Policy {
	return manager.Policy(strings.TrimSpace(strings.ToLower(string(p))))
}
