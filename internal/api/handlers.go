package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agpool/agpool/internal/manager"
	"github.com/agpool/agpool/internal/pool"
	"github.com/agpool/agpool/internal/router"
)

// handleGenerateContent dispatches one upstream model request through the
// router. The caller picks family/headerStyle/model/policy via query
// parameters and streaming via the path; the request body is forwarded
// to upstream unmodified.
func (s *Server) handleGenerateContent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "reading request body: " + err.Error()}})
		return
	}

	stream := c.FullPath() == "/v1internal/streamGenerateContent"
	upstreamPath := "/v1internal:generateContent"
	if stream {
		upstreamPath = "/v1internal:streamGenerateContent"
	}

	sessionID := c.GetHeader("X-Session-Id")
	if sessionID == "" {
		sessionID = c.Query("sessionId")
	}

	req := router.Request{
		Family:                pool.Family(c.Query("family")),
		HeaderStyle:           pool.HeaderStyle(c.DefaultQuery("headerStyle", string(s.defaultHeaderStyle))),
		Model:                 c.Query("model"),
		Path:                  upstreamPath,
		Body:                  body,
		Stream:                stream,
		SessionID:             sessionID,
		SoftQuotaThresholdPct: queryFloat(c, "softQuotaThresholdPct", s.softQuotaThreshold),
		Policy:                manager.Policy(c.DefaultQuery("policy", string(s.defaultPolicy))),
	}
	if req.Family == "" {
		req.Family = pool.FamilyGemini
	}

	result, err := s.router.Dispatch(c.Request.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		if sc, ok := err.(pool.StatusCodeError); ok && sc.StatusCode() != 0 {
			status = sc.StatusCode()
		}
		if stream {
			// The client is expecting an SSE stream; a plain JSON error body
			// would break its parser, so synthesize one last event instead.
			c.Status(status)
			c.Header("Content-Type", "text/event-stream")
			c.Writer.Write(router.SynthesizeErrorEvent(status, err.Error()))
			return
		}
		c.JSON(status, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	defer result.Body.Close()

	for k, values := range result.Header {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(result.StatusCode)
	_, _ = io.Copy(c.Writer, result.Body)
}

// familyWaitKeys lists the family/header-style pairs handleStatus reports
// a pool-wide wait estimate for. HeaderStyleCLI only applies to Claude in
// practice, but asking the manager for a combination with no accounts is
// harmless: GetMinWaitTimeForFamily just reports 0.
var familyWaitKeys = []struct {
	family pool.Family
	style  pool.HeaderStyle
}{
	{pool.FamilyGemini, pool.HeaderStyleAntigravity},
	{pool.FamilyGemini, pool.HeaderStyleCLI},
	{pool.FamilyClaude, pool.HeaderStyleCLI},
}

// handleStatus reports pool size, per-account cooldown/rate-limit state,
// circuit breaker state per endpoint, and how long a caller would have to
// wait before each family has an account free — the read-only surface an
// operational client polls instead of inspecting the pool file directly.
func (s *Server) handleStatus(c *gin.Context) {
	accounts := s.mgr.All()
	accountStatus := make([]gin.H, 0, len(accounts))
	now := time.Now()
	for _, a := range accounts {
		coolingDown := a.CoolingDownUntilMs > now.UnixMilli()
		accountStatus = append(accountStatus, gin.H{
			"index":               a.Index,
			"email":               a.Email,
			"enabled":             a.Enabled,
			"consecutiveFailures": a.ConsecutiveFailures,
			"coolingDown":         coolingDown,
			"rateLimitResetTimes": a.RateLimitResetTimes,
		})
	}

	familyWait := make(gin.H, len(familyWaitKeys))
	for _, k := range familyWaitKeys {
		key := string(k.family) + "/" + string(k.style)
		familyWait[key] = s.mgr.GetMinWaitTimeForFamily(k.family, k.style).Seconds()
	}

	softQuota := gin.H{}
	if model := c.Query("softQuotaModel"); model != "" {
		thresholdPct := queryFloat(c, "softQuotaThresholdPct", 0)
		allOver := s.mgr.AreAllOverSoftQuota(pool.FamilyGemini, pool.HeaderStyleAntigravity, model, thresholdPct)
		softQuota["allAccountsOverThreshold"] = allOver
		if allOver {
			softQuota["waitSeconds"] = s.mgr.GetMinWaitTimeForSoftQuota(pool.FamilyGemini, pool.HeaderStyleAntigravity, model, thresholdPct).Seconds()
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"poolSize":          len(accounts),
		"accounts":          accountStatus,
		"circuitBreakers":   s.router.BreakerStates(),
		"requests":          s.router.Counters(),
		"familyWaitSeconds": familyWait,
		"softQuota":         softQuota,
	})
}

// handleEvents upgrades to a WebSocket and streams NotificationHub
// events to the connecting client.
func (s *Server) handleEvents(c *gin.Context) {
	s.hub.ServeHTTP(c.Writer, c.Request)
}

func queryFloat(c *gin.Context, key string, def float64) float64 {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}
