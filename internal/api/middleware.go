// Package api is the daemon's HTTP front door: a gin server exposing the
// request-dispatch endpoint, a read-only status endpoint, and the
// notification hub's WebSocket upgrade.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agpool/agpool/internal/logging"
)

var log = logging.With("component", "api")

// corsMiddleware adds permissive CORS headers; this server only ever
// binds to loopback, so the usual cross-origin risk doesn't apply.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// loggingMiddleware logs every request's method, path, status, and
// latency at a level matched to the outcome.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		switch {
		case status >= 500:
			log.Errorf("%s %s %d (%s)", c.Request.Method, path, status, latency)
		case status >= 400:
			log.Warnf("%s %s %d (%s)", c.Request.Method, path, status, latency)
		default:
			log.Infof("%s %s %d (%s)", c.Request.Method, path, status, latency)
		}
	}
}

// recoveryMiddleware turns a panic in a handler into a 500 response
// instead of killing the process.
func recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("panic handling %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"message": "internal error"},
				})
			}
		}()
		c.Next()
	}
}
