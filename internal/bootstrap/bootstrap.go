// Package bootstrap wires the daemon's components together: config,
// pool store, account manager, token refresher, router, usage backend,
// and notification hub. It is the single place that knows how all of
// these pieces fit, so cmd/agpoold and the CLI commands stay thin.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agpool/agpool/internal/config"
	"github.com/agpool/agpool/internal/logging"
	"github.com/agpool/agpool/internal/manager"
	"github.com/agpool/agpool/internal/notify"
	"github.com/agpool/agpool/internal/oauth"
	"github.com/agpool/agpool/internal/resilience"
	"github.com/agpool/agpool/internal/router"
	"github.com/agpool/agpool/internal/store"
	"github.com/agpool/agpool/internal/usage"
)

var log = logging.With("component", "bootstrap")

// warmupTimeout bounds the synchronous endpoint probe done once at
// startup so a single unreachable endpoint never hangs Bootstrap.
const warmupTimeout = 5 * time.Second

// healthCheckInterval is how often the background endpoint probe runs
// once Bootstrap has returned.
const healthCheckInterval = 30 * time.Second

// httpClientTimeout bounds a single upstream round trip.
const httpClientTimeout = 60 * time.Second

// Result holds every component Bootstrap wired together, ready for the
// caller (a CLI command, the HTTP server) to use and eventually Shutdown.
type Result struct {
	Config     config.Config
	ConfigPath string
	Store      *store.Store
	Manager    *manager.Manager
	Refresher  *oauth.Refresher
	Router     *router.Router
	Health     *router.EndpointHealth
	Usage      usage.Backend // nil if no DSN is configured
	Notify     *notify.Hub
}

// DefaultConfigPath is where Bootstrap looks for accounts.yaml absent an
// explicit path, mirroring the XDG convention the pool file also uses.
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = "."
	}
	return filepath.Join(base, "antigravity", "config.yaml")
}

// ResolveConfigPath returns configPath unchanged when non-empty, or
// DefaultConfigPath otherwise. Exported so callers that need the actual
// path Bootstrap will read (e.g. to watch it for changes) don't have to
// duplicate the fallback rule.
func ResolveConfigPath(configPath string) string {
	if configPath == "" {
		return DefaultConfigPath()
	}
	return configPath
}

// Bootstrap loads configuration from configPath (falling back to
// DefaultConfigPath when empty), then constructs and starts every
// long-lived component. Callers own the returned Result's lifetime and
// must call Shutdown when done.
func Bootstrap(configPath string) (*Result, error) {
	configPath = ResolveConfigPath(configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: loading config: %w", err)
	}

	logLevel := slog.LevelInfo
	if cfg.QuietMode {
		logLevel = slog.LevelWarn
	}
	logging.Configure(logLevel, nil)

	poolPath := cfg.PoolFilePath
	if poolPath == "" || poolPath == "accounts.json" {
		poolPath = store.DefaultPath()
	}

	var mirror store.Mirror
	if cfg.S3MirrorEndpoint != "" && cfg.S3MirrorBucket != "" {
		m, err := store.NewS3Mirror(cfg.S3MirrorEndpoint, cfg.S3MirrorAccessKey, cfg.S3MirrorSecretKey, cfg.S3MirrorBucket, "accounts.json", true)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: configuring S3 mirror: %w", err)
		}
		mirror = m
	}

	st := store.New(poolPath, mirror)
	state, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: loading pool file %s: %w", poolPath, err)
	}

	mgr := manager.New(st, manager.HybridConfig{
		MaxTokens:      cfg.HybridMaxTokens,
		RegenPerMinute: cfg.HybridRegenPerMinute,
	})
	mgr.SetFailureTTL(cfg.FailureTTL())
	mgr.SetMaxBackoff(cfg.MaxBackoff())
	mgr.SetPidOffsetEnabled(cfg.PidOffsetEnabled)
	quotaCacheTTL := time.Duration(cfg.SoftQuotaCacheTTLMinutes) * time.Minute
	mgr.SetSoftQuotaCacheTTL(quotaCacheTTL)
	if cfg.QuotaRefreshIntervalMinutes > 0 {
		mgr.StartQuotaCacheJanitor(time.Duration(cfg.QuotaRefreshIntervalMinutes)*time.Minute, quotaCacheTTL)
	}
	mgr.LoadState(state)
	st.Start()

	oauthCfg := oauth.NewGoogleOAuthConfig(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthCallbackPort)
	refresher := oauth.NewRefresher(mgr, oauth.NewOAuth2Exchanger(oauthCfg))
	if cfg.ProactiveRefreshBufferSeconds > 0 {
		refresher.SetSafetyMargin(time.Duration(cfg.ProactiveRefreshBufferSeconds) * time.Second)
	}
	if cfg.ProactiveTokenRefresh {
		interval := time.Duration(cfg.ProactiveRefreshCheckIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		refresher.StartProactiveRefresh(interval)
	}

	client, err := resilience.NewHTTPClient("", httpClientTimeout)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: building HTTP client: %w", err)
	}

	endpoints := make([]router.Endpoint, 0, len(cfg.Endpoints))
	for _, base := range cfg.Endpoints {
		endpoints = append(endpoints, router.Endpoint{BaseURL: base})
	}
	if len(endpoints) == 0 {
		endpoints = append(endpoints, router.Endpoint{BaseURL: "https://cloudcode-pa.googleapis.com"})
	}

	health := router.NewEndpointHealth(client, endpoints, healthCheckInterval)
	warmupCtx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
	health.Warmup(warmupCtx)
	cancel()
	health.Start()

	hub := notify.NewHub()

	rtr := router.New(mgr, refresher, client, endpoints)
	rtr.SetEndpointHealth(health)
	rtr.SetNotify(hub)
	rtr.SetMaxRateLimitWait(time.Duration(cfg.MaxRateLimitWaitSeconds) * time.Second)
	rtr.SetSwitchOnFirstRateLimit(cfg.SwitchOnFirstRateLimit)
	rtr.SetMaxCacheFirstWait(time.Duration(cfg.MaxCacheFirstWaitSeconds) * time.Second)
	rtr.SetDefaultRetryAfter(time.Duration(cfg.DefaultRetryAfterSeconds) * time.Second)
	rtr.SetQuotaFallback(cfg.QuotaFallback)
	rtr.SetRequestJitterMax(time.Duration(cfg.RequestJitterMaxMs) * time.Millisecond)
	rtr.SetEmptyResponseRetry(cfg.EmptyResponseMaxAttempts, time.Duration(cfg.EmptyResponseRetryDelayMs)*time.Millisecond)
	rtr.SetSchedulingMode(cfg.SchedulingMode)
	rtr.SetSessionRecovery(cfg.SessionRecovery, cfg.AutoResume, cfg.ResumeText)

	var usageBackend usage.Backend
	if cfg.UsageDSN != "" {
		usageBackend, err = usage.NewBackend(usage.BackendConfig{DSN: cfg.UsageDSN})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: configuring usage backend: %w", err)
		}
		if err := usageBackend.Start(); err != nil {
			return nil, fmt.Errorf("bootstrap: starting usage backend: %w", err)
		}
		rtr.SetUsageBackend(usageBackend)
		if stats, err := usageBackend.QueryGlobalStats(context.Background(), time.Time{}); err == nil && stats != nil {
			rtr.SeedCounters(*stats)
		} else if err != nil {
			log.Warnf("seeding request counters from usage backend: %v", err)
		}
	}

	log.Infof("bootstrapped: pool=%s endpoints=%d usage=%v", poolPath, len(endpoints), usageBackend != nil)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		Store:      st,
		Manager:    mgr,
		Refresher:  refresher,
		Router:     rtr,
		Health:     health,
		Usage:      usageBackend,
		Notify:     hub,
	}, nil
}

// Shutdown stops every background loop Bootstrap started, flushing the
// pool store and usage backend before returning.
func (r *Result) Shutdown(ctx context.Context) error {
	r.Health.Stop()
	r.Refresher.Stop()
	r.Manager.StopQuotaCacheJanitor()
	r.Store.Stop()
	if r.Usage != nil {
		if err := r.Usage.Flush(ctx); err != nil {
			log.Warnf("flushing usage backend on shutdown: %v", err)
		}
		return r.Usage.Stop()
	}
	return nil
}
