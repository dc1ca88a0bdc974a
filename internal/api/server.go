package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agpool/agpool/internal/config"
	"github.com/agpool/agpool/internal/manager"
	"github.com/agpool/agpool/internal/notify"
	"github.com/agpool/agpool/internal/pool"
	"github.com/agpool/agpool/internal/router"
)

// Server is the daemon's HTTP front door: one dispatch endpoint per
// model family, a read-only status endpoint, and a WebSocket upgrade
// for the notification hub.
type Server struct {
	engine  *gin.Engine
	mgr     *manager.Manager
	router  *router.Router
	hub     *notify.Hub
	httpSrv *http.Server

	defaultPolicy      manager.Policy
	defaultHeaderStyle pool.HeaderStyle
	softQuotaThreshold float64
}

// New builds a Server around an already-wired router, pool manager, and
// notification hub. Call Run to start serving.
func New(mgr *manager.Manager, rtr *router.Router, hub *notify.Hub) *Server {
	return NewWithConfig(mgr, rtr, hub, config.Default())
}

// NewWithConfig is New, but lets the caller supply the loaded Config a
// dispatch request falls back to when the caller's own query parameters
// (policy, headerStyle, softQuotaThresholdPct) are absent.
func NewWithConfig(mgr *manager.Manager, rtr *router.Router, hub *notify.Hub, cfg config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.SetTrustedProxies(nil)

	defaultStyle := pool.HeaderStyleAntigravity
	if cfg.CliFirst {
		defaultStyle = pool.HeaderStyleCLI
	}
	softQuotaThreshold := cfg.SoftQuotaThresholdPercent
	if softQuotaThreshold <= 0 {
		softQuotaThreshold = 100
	}

	s := &Server{
		engine:             engine,
		mgr:                mgr,
		router:             rtr,
		hub:                hub,
		defaultPolicy:      cfg.AccountSelectionStrategy,
		defaultHeaderStyle: defaultStyle,
		softQuotaThreshold: softQuotaThreshold,
	}
	if s.defaultPolicy == "" {
		s.defaultPolicy = manager.PolicyCacheFirst
	}
	s.setupRoutes()
	return s
}

// Engine exposes the underlying gin.Engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.Use(recoveryMiddleware())
	s.engine.Use(loggingMiddleware())
	s.engine.Use(corsMiddleware())

	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/events", s.handleEvents)

	v1 := s.engine.Group("/v1internal")
	{
		v1.POST("/generateContent", s.handleGenerateContent)
		v1.POST("/streamGenerateContent", s.handleGenerateContent)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"message": "no such route: " + c.Request.Method + " " + c.Request.URL.Path,
		}})
	})
}

// Run starts the HTTP server on addr and blocks until it stops.
func (s *Server) Run(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streaming model responses run long
		IdleTimeout:  120 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
