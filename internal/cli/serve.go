package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agpool/agpool/internal/api"
	"github.com/agpool/agpool/internal/bootstrap"
	"github.com/agpool/agpool/internal/config"
	"github.com/agpool/agpool/internal/logging"
	"github.com/agpool/agpool/internal/manager"
	"github.com/agpool/agpool/internal/router"
)

const shutdownTimeout = 10 * time.Second

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agpoold server",
	Long: `Start the account-pool daemon.

Loads configuration, restores the persisted account pool, starts the
token refresher and HTTP dispatch server, and runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			return err
		}

		addr := result.Config.ListenAddr
		if serveListenAddr != "" {
			addr = serveListenAddr
		}

		srv := api.NewWithConfig(result.Manager, result.Router, result.Notify, result.Config)

		watchCh, stopWatch, err := config.Watch(result.ConfigPath)
		if err != nil {
			logging.Warnf("watching %s for changes: %v; config reload disabled", result.ConfigPath, err)
		} else {
			defer stopWatch()
			go watchConfig(watchCh, result.Router, result.Manager)
		}

		serveErrCh := make(chan error, 1)
		go func() {
			logging.Infof("listening on %s", addr)
			serveErrCh <- srv.Run(addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serveErrCh:
			if err != nil {
				return err
			}
		case <-sigCh:
			logging.Infof("shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return result.Shutdown(shutdownCtx)
	},
}

// watchConfig applies every config snapshot Watch delivers to the running
// router and manager. Most settings (listen address, pool path, OAuth
// client) only take effect on the next restart; MaxRateLimitWaitSeconds,
// FailureTTL, and MaxBackoff are the knobs cheap and safe enough to apply
// to a live Router/Manager without one.
func watchConfig(ch <-chan config.Config, rtr *router.Router, mgr *manager.Manager) {
	for cfg := range ch {
		rtr.SetMaxRateLimitWait(time.Duration(cfg.MaxRateLimitWaitSeconds) * time.Second)
		mgr.SetFailureTTL(cfg.FailureTTL())
		mgr.SetMaxBackoff(cfg.MaxBackoff())
		mgr.SetPidOffsetEnabled(cfg.PidOffsetEnabled)
		mgr.SetSoftQuotaCacheTTL(time.Duration(cfg.SoftQuotaCacheTTLMinutes) * time.Minute)
		rtr.SetSwitchOnFirstRateLimit(cfg.SwitchOnFirstRateLimit)
		rtr.SetMaxCacheFirstWait(time.Duration(cfg.MaxCacheFirstWaitSeconds) * time.Second)
		rtr.SetDefaultRetryAfter(time.Duration(cfg.DefaultRetryAfterSeconds) * time.Second)
		rtr.SetQuotaFallback(cfg.QuotaFallback)
		rtr.SetRequestJitterMax(time.Duration(cfg.RequestJitterMaxMs) * time.Millisecond)
		rtr.SetEmptyResponseRetry(cfg.EmptyResponseMaxAttempts, time.Duration(cfg.EmptyResponseRetryDelayMs)*time.Millisecond)
		rtr.SetSchedulingMode(cfg.SchedulingMode)
		rtr.SetSessionRecovery(cfg.SessionRecovery, cfg.AutoResume, cfg.ResumeText)
		logging.Infof("applied config: maxRateLimitWaitSeconds=%d failureTtlSeconds=%d maxBackoffSeconds=%d switchOnFirstRateLimit=%v schedulingMode=%s",
			cfg.MaxRateLimitWaitSeconds, cfg.FailureTTLSeconds, cfg.MaxBackoffSeconds, cfg.SwitchOnFirstRateLimit, cfg.SchedulingMode)
	}
}

func init() {
	serveCmd.Flags().StringVarP(&serveListenAddr, "listen", "l", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
