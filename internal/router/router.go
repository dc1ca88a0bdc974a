package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agpool/agpool/internal/logging"
	"github.com/agpool/agpool/internal/manager"
	"github.com/agpool/agpool/internal/notify"
	"github.com/agpool/agpool/internal/oauth"
	"github.com/agpool/agpool/internal/pool"
	"github.com/agpool/agpool/internal/resilience"
	"github.com/agpool/agpool/internal/sseutil"
	"github.com/agpool/agpool/internal/transport"
	"github.com/agpool/agpool/internal/usage"
)

var log = logging.With("component", "router")

// MaxAttemptsPerRequest bounds the retry budget for a single incoming
// request: once this many upstream attempts have failed, the router
// gives up and surfaces a terminal error rather than looping forever.
const MaxAttemptsPerRequest = 8

// maxCapacitySubAttempts bounds the same-endpoint exponential retry a
// MODEL_CAPACITY_EXHAUSTED response gets before the router gives up on
// this endpoint and tries the next one.
const maxCapacitySubAttempts = 3

// maxWarmupAttemptsPerSession bounds how many times Dispatch will try the
// signed-thinking precursor request for one session before giving up and
// just sending the real request unwarmed.
const maxWarmupAttemptsPerSession = 2

// serverErrorCooldown sidelines an account briefly once a 5xx has been
// seen on every configured endpoint, so the next attempt actually rotates
// to a different account instead of retrying the same exhausted one.
const serverErrorCooldown = 3 * time.Second

// HTTPDoer is the subset of *http.Client the router needs; the transport
// package supplies the concrete client (HTTP/2, decompression, TLS
// config), keeping this package transport-agnostic.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Endpoint describes one upstream base URL the router can target; the
// EndpointFallbackLoop rotates across these when one is unreachable.
type Endpoint struct {
	BaseURL string
}

// Request is everything the router needs to dispatch one logical
// request, independent of which account ultimately serves it.
type Request struct {
	Family      pool.Family
	HeaderStyle pool.HeaderStyle
	Model       string
	Path        string // e.g. "/v1internal:generateContent"
	Body        []byte
	Stream      bool

	// SessionID identifies the caller's conversation, if any. Used only
	// to key the signed-thinking warmup cache; a request with no session
	// ID is never warmed up.
	SessionID string

	SoftQuotaThresholdPct float64
	Policy                manager.Policy
}

// Result is a completed, successful dispatch.
type Result struct {
	StatusCode  int
	Header      http.Header
	Body        io.ReadCloser
	AccountUsed int
}

// Router is RequestRouter.
type Router struct {
	mgr       *manager.Manager
	refresher *oauth.Refresher
	client    HTTPDoer
	endpoints []Endpoint
	health    *EndpointHealth // optional; nil means always try in configured order

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker

	usage    usage.Backend // optional; nil means usage records are dropped
	counters *usage.Counters

	retryBudget *resilience.RetryBudget

	notify             *notify.Hub // optional; nil means events are dropped
	maxRateLimitWait   time.Duration
	allBlockedNotified sync.Once

	transformer Transformer // optional; nil skips the client-side token estimate fallback and signed-thinking warmup

	// switchOnFirstRateLimit, when true, rotates to another account on the
	// very first 429 a request sees instead of trying a cache_first wait.
	switchOnFirstRateLimit bool
	// maxCacheFirstWait caps how long a cache_first request will sleep and
	// retry the same account on a first 429 before giving up stickiness
	// and rotating anyway.
	maxCacheFirstWait time.Duration
	// defaultRetryAfter floors the rate-limit delay when the upstream gave
	// no retryDelay/Retry-After hint at all.
	defaultRetryAfter time.Duration
	// quotaFallback gates the Gemini same-account header-style switch;
	// disabling it falls straight through to rotation/gating.
	quotaFallback bool
	// requestJitterMaxMs adds up to this much random delay before each
	// outgoing attempt, spreading a burst of simultaneously-issued
	// requests instead of having them all land on an endpoint at once.
	requestJitterMax time.Duration

	emptyResponseMaxAttempts int
	emptyResponseRetryDelay  time.Duration

	// sessionRecovery and autoResume gate whether an exhausted empty-
	// response retry is surfaced to a streaming caller as a synthesized
	// "please continue" assistant turn (resumeText) instead of a hard
	// error, so a session-recovery-aware client can keep going instead of
	// failing the turn outright.
	sessionRecovery bool
	autoResume      bool
	resumeText      string

	// schedulingMode selects the branch sleepAndRotate takes on a first
	// 429: cache_first sleeps and retries the same account, anything else
	// falls through to switchOnFirstRateLimit/rotation. Distinct from a
	// Request's own Policy, which only governs initial account selection.
	schedulingMode manager.Policy

	warmupCache    *sessionWarmupCache
	warmupAttempts sync.Map // sessionID (string) -> *int32
}

// maxGlobalWaitRounds bounds how many times Dispatch will sleep and
// retry the whole selection when every account in the pool is blocked,
// so a caller whose context never expires can't be held forever.
const maxGlobalWaitRounds = 3

// New constructs a Router over the given pool manager, token refresher,
// HTTP client, and ordered list of upstream endpoints (the first is
// tried first; later ones back it up on connection failure).
func New(mgr *manager.Manager, refresher *oauth.Refresher, client HTTPDoer, endpoints []Endpoint) *Router {
	transformer, err := NewDefaultTransformer()
	if err != nil {
		log.Warnf("building default token-count transformer: %v; client-side token estimates disabled", err)
		transformer = nil
	}
	var t Transformer
	if transformer != nil {
		t = transformer
	}
	return &Router{
		mgr:         mgr,
		refresher:   refresher,
		client:      client,
		endpoints:   endpoints,
		counters:    usage.NewCounters(),
		retryBudget: resilience.NewRetryBudget(64),
		transformer: t,

		maxCacheFirstWait:        60 * time.Second,
		defaultRetryAfter:        60 * time.Second,
		quotaFallback:            true,
		emptyResponseMaxAttempts: 1,
		schedulingMode:           manager.PolicyCacheFirst,

		warmupCache: newSessionWarmupCache(1000),
	}
}

// SetTransformer overrides the Transformer used for the client-side
// token-count fallback in recordUsage and the signed-thinking warmup
// gate, mainly so tests can inject a cheap fake instead of loading the
// real cl100k_base tokenizer.
func (r *Router) SetTransformer(t Transformer) {
	r.transformer = t
}

// Counters returns the router's running request/success/failure/token
// totals, for a status endpoint that wants real-time numbers without
// querying the usage database on every poll.
func (r *Router) Counters() usage.CounterSnapshot {
	return r.counters.Snapshot()
}

// SeedCounters seeds the in-memory counters from a prior run's persisted
// totals, so a daemon restart doesn't reset the status endpoint's numbers
// to zero.
func (r *Router) SeedCounters(stats usage.AggregatedStats) {
	r.counters.Bootstrap(stats.TotalRequests, stats.SuccessCount, stats.FailureCount, stats.TotalTokens)
}

// SetEndpointHealth wires an EndpointFallbackLoop's health tracker in, so
// dispatch tries known-healthy endpoints first.
func (r *Router) SetEndpointHealth(h *EndpointHealth) {
	r.health = h
}

// SetUsageBackend wires a usage.Backend in so every successful dispatch
// enqueues a UsageRecord. Optional; with no backend set, usage tracking
// is simply skipped.
func (r *Router) SetUsageBackend(b usage.Backend) {
	r.usage = b
}

// SetRetryBudget overrides the default pool-wide retry budget (64
// concurrent in-flight retries), mainly for tests that want to exercise
// exhaustion without spinning up dozens of goroutines.
func (r *Router) SetRetryBudget(b *resilience.RetryBudget) {
	r.retryBudget = b
}

// SetNotify wires a notify.Hub in so the router can publish
// EventAllAccountsBlocked and circuit-breaker state-change events.
// Optional; with no hub set, these events are simply dropped.
func (r *Router) SetNotify(hub *notify.Hub) {
	r.notify = hub
}

// SetMaxRateLimitWait caps how long Dispatch will sleep for the whole
// pool to come back from a rate limit before giving up and returning
// the error to the caller. Zero means uncapped: Dispatch waits however
// long the pool reports, up to maxGlobalWaitRounds rounds.
func (r *Router) SetMaxRateLimitWait(d time.Duration) {
	r.maxRateLimitWait = d
}

// SetSwitchOnFirstRateLimit controls whether the very first 429 a
// request sees rotates straight to another account instead of trying a
// cache_first wait-and-retry first.
func (r *Router) SetSwitchOnFirstRateLimit(v bool) {
	r.switchOnFirstRateLimit = v
}

// SetMaxCacheFirstWait caps how long a cache_first request will sleep
// through a first 429 before giving up stickiness and rotating anyway.
func (r *Router) SetMaxCacheFirstWait(d time.Duration) {
	r.maxCacheFirstWait = d
}

// SetDefaultRetryAfter floors the rate-limit delay applied when the
// upstream response carried no retry hint of its own.
func (r *Router) SetDefaultRetryAfter(d time.Duration) {
	r.defaultRetryAfter = d
}

// SetQuotaFallback toggles the Gemini same-account header-style switch
// the quota-fallback rule applies before rotating accounts or gating.
func (r *Router) SetQuotaFallback(v bool) {
	r.quotaFallback = v
}

// SetRequestJitterMax sets the upper bound of the random delay applied
// before each outgoing attempt. Zero disables jitter entirely.
func (r *Router) SetRequestJitterMax(d time.Duration) {
	r.requestJitterMax = d
}

// SetSessionRecovery configures whether an exhausted empty-response retry
// is surfaced to a streaming caller as a synthesized continuation turn
// (resumeText) rather than a hard error. Both sessionRecovery and
// autoResume must be true, matching the two independent config flags
// this behavior is gated on; resumeText falling back to "continue" if
// unset.
func (r *Router) SetSessionRecovery(sessionRecovery, autoResume bool, resumeText string) {
	r.sessionRecovery = sessionRecovery
	r.autoResume = autoResume
	r.resumeText = resumeText
	if r.resumeText == "" {
		r.resumeText = "continue"
	}
}

// SetSchedulingMode sets the policy sleepAndRotate checks on a first 429
// to decide whether to wait out the block on the same account. Unlike a
// Request's Policy (account selection), this is a process-wide default.
func (r *Router) SetSchedulingMode(p manager.Policy) {
	if p != "" {
		r.schedulingMode = p
	}
}

// SetEmptyResponseRetry configures how many times (total, including the
// first) the router retries a nominally-successful-but-empty body
// against the same endpoint, and how long it waits between attempts.
// maxAttempts less than 1 is ignored, keeping whatever was configured.
func (r *Router) SetEmptyResponseRetry(maxAttempts int, delay time.Duration) {
	if maxAttempts >= 1 {
		r.emptyResponseMaxAttempts = maxAttempts
	}
	r.emptyResponseRetryDelay = delay
}

// Dispatch runs the full select -> refresh -> send -> classify -> retry/
// rotate loop for one request and returns the first response the router
// is willing to hand back to the caller, updating the lock-free request
// counters exposed via Counters regardless of outcome.
func (r *Router) Dispatch(ctx context.Context, req Request) (*Result, error) {
	result, err := r.dispatch(ctx, req)
	for round := 0; err != nil && round < maxGlobalWaitRounds; round++ {
		wait, ok := blockedWait(err)
		if !ok || wait <= 0 {
			break
		}
		if r.maxRateLimitWait > 0 && wait > r.maxRateLimitWait {
			break
		}
		r.notifyAllAccountsBlocked()
		log.Warnf("every account blocked, sleeping %v before retrying (round %d)", wait, round+1)
		if waitErr := resilience.WaitWithContext(ctx, wait); waitErr != nil {
			err = waitErr
			break
		}
		result, err = r.dispatch(ctx, req)
	}
	if err != nil && req.Stream && r.sessionRecovery && r.autoResume {
		if perr, ok := err.(*pool.Error); ok && perr.Category_ == pool.CategoryEmptyResponseAfterRetry {
			log.Warnf("empty-response retries exhausted, synthesizing a resume turn instead of failing the stream")
			r.counters.Record(false, 0)
			return &Result{StatusCode: http.StatusOK, Body: bodyReader(SynthesizeResumeEvent(r.resumeText))}, nil
		}
	}
	r.counters.Record(err != nil, 0)
	return result, err
}

// blockedWait reports the wait duration carried by a pool.Error whose
// category means the whole pool is temporarily unusable rather than
// genuinely exhausted, and whether Dispatch should sleep and retry it.
func blockedWait(err error) (time.Duration, bool) {
	perr, ok := err.(*pool.Error)
	if !ok {
		return 0, false
	}
	switch perr.Category_ {
	case pool.CategoryRateLimitedBeyondCap, pool.CategorySoftQuotaBlocked:
	default:
		return 0, false
	}
	ra := perr.RetryAfter()
	if ra == nil {
		return 0, false
	}
	return *ra, true
}

// notifyAllAccountsBlocked publishes EventAllAccountsBlocked once per
// Router lifetime — repeating it on every subsequent wait round within
// the same outage would just spam a connected client.
func (r *Router) notifyAllAccountsBlocked() {
	if r.notify == nil {
		return
	}
	r.allBlockedNotified.Do(func() {
		r.notify.Publish(notify.Event{Kind: notify.EventAllAccountsBlocked})
	})
}

func (r *Router) dispatch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= MaxAttemptsPerRequest; attempt++ {
		if attempt == 2 {
			// The first attempt is always free; only retries draw on the
			// shared budget, so a burst of brand-new requests is never
			// throttled by another request's retry storm.
			if !r.retryBudget.TryAcquire() {
				log.Warnf("retry budget exhausted, giving up after attempt %d", attempt-1)
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, pool.NewRateLimitedBeyondCapError(0)
			}
			defer r.retryBudget.Release()
		}

		if req.Family == pool.FamilyGemini && r.mgr.AreAllOverSoftQuota(req.Family, req.HeaderStyle, req.Model, req.SoftQuotaThresholdPct) {
			return nil, pool.NewSoftQuotaBlockedError(r.mgr.GetMinWaitTimeForSoftQuota(req.Family, req.HeaderStyle, req.Model, req.SoftQuotaThresholdPct))
		}

		account, err := r.mgr.GetCurrentOrNext(req.Policy, req.Family, req.HeaderStyle, req.Model, req.SoftQuotaThresholdPct)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		token, err := r.refresher.EnsureFresh(ctx, account.Index)
		if err != nil {
			r.mgr.MarkCoolingDown(account.Index, resilience.CalculateBackoff(attempt, 2*time.Second, 60*time.Second, 0))
			lastErr = err
			continue
		}

		r.ensureWarmedUp(ctx, account, token, req)
		if waitErr := r.sleepRequestJitter(ctx); waitErr != nil {
			return nil, waitErr
		}

		result, outcome, err := r.attemptOnAccount(ctx, account, token, req, start, attempt)
		if err != nil {
			lastErr = err
			continue
		}
		if result != nil {
			return result, nil
		}

		// A recoverable decision was reached and fully handled (bookkeeping,
		// any sleep) inside attemptOnAccount; outcome tells this loop how to
		// continue the next attempt.
		if outcome.styleSwitch != "" {
			req.HeaderStyle = outcome.styleSwitch
		}
		lastErr = outcome.err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, pool.NewRateLimitedBeyondCapError(0)
}

// sleepRequestJitter waits a random duration in [0, requestJitterMax)
// before the caller issues its next upstream attempt. A zero
// requestJitterMax (the default) makes this an immediate no-op.
func (r *Router) sleepRequestJitter(ctx context.Context) error {
	if r.requestJitterMax <= 0 {
		return nil
	}
	d := time.Duration(rand.Int64N(int64(r.requestJitterMax)))
	return resilience.WaitWithContext(ctx, d)
}

// ensureWarmedUp issues the signed-thinking precursor request for req's
// session if the transformer says this family/model needs one and the
// session hasn't already been warmed up. Best-effort: a warmup failure
// is logged and otherwise ignored, since the real request might still
// succeed without it.
func (r *Router) ensureWarmedUp(ctx context.Context, account *pool.Account, token string, req Request) {
	if req.SessionID == "" || r.transformer == nil {
		return
	}
	if !r.transformer.NeedsSignedThinkingWarmup(req.Family, req.Model) {
		return
	}
	if r.warmupCache.Has(req.SessionID) {
		return
	}

	counterAny, _ := r.warmupAttempts.LoadOrStore(req.SessionID, new(int32))
	counter := counterAny.(*int32)
	if atomic.AddInt32(counter, 1) > maxWarmupAttemptsPerSession {
		return
	}

	if err := r.warmupSession(ctx, account, token, req); err != nil {
		log.Debugf("warmup attempt for session %s on account %d failed: %v", req.SessionID, account.Index, err)
		return
	}
	r.warmupCache.Add(req.SessionID)
}

// warmupBody is the minimal accepted request body used to probe a
// session's signed-thinking state without sending real conversation
// content upstream.
var warmupBody = []byte(`{"contents":[{"role":"user","parts":[{"text":"."}]}]}`)

// warmupSession issues one streaming precursor request to the account's
// current endpoint and fully drains its response, establishing whatever
// per-session state (e.g. a signed thinking signature) the real request
// that follows depends on.
func (r *Router) warmupSession(ctx context.Context, account *pool.Account, token string, req Request) error {
	warmReq := req
	warmReq.Body = warmupBody
	warmReq.Stream = true
	warmReq.Path = "/v1internal:streamGenerateContent"

	endpoints := r.orderedEndpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("router: no endpoints configured")
	}
	httpReq, err := r.buildRequestForEndpoint(ctx, endpoints[0], account, token, warmReq)
	if err != nil {
		return err
	}
	resp, err := r.sendOne(endpoints[0], httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// recoverableOutcome is how attemptOnAccount tells dispatch's attempt
// loop to continue after a recoverable classification has already been
// fully handled (any sleep, any manager bookkeeping) internally.
type recoverableOutcome struct {
	// styleSwitch, if non-empty, is the header style the next attempt
	// should use instead of the one the caller originally requested —
	// the Gemini quota-fallback rule's same-account style switch.
	styleSwitch pool.HeaderStyle
	// err is recorded as dispatch's lastErr in case this turns out to be
	// the final attempt.
	err error
}

// attemptOnAccount sends req against account across its configured
// endpoints, applying per-decision retry/advance rules, and returns
// exactly one of: a successful Result, a recoverableOutcome describing
// how the attempt loop should continue, or an error (transport failure
// or a terminal pass-through the caller should see as-is).
func (r *Router) attemptOnAccount(ctx context.Context, account *pool.Account, token string, req Request, start time.Time, attempt int) (*Result, *recoverableOutcome, error) {
	endpoints := r.orderedEndpoints()
	if len(endpoints) == 0 {
		return nil, nil, fmt.Errorf("router: no endpoints configured")
	}

	var lastTransportErr error
	for epIdx, ep := range endpoints {
		httpReq, err := r.buildRequestForEndpoint(ctx, ep, account, token, req)
		if err != nil {
			return nil, nil, err
		}

		attemptStart := time.Now()
		resp, err := r.sendOne(ep, httpReq)
		latency := time.Since(attemptStart)
		if err != nil {
			r.mgr.RecordFailure(account.Index, latency)
			lastTransportErr = err
			log.Warnf("attempt %d: account %d endpoint %s transport error: %v", attempt, account.Index, ep.BaseURL, err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			result, retryEmpty, err := r.handleSuccess(ctx, account, req, resp, latency, start, attempt, ep)
			if err != nil {
				return nil, nil, err
			}
			if retryEmpty {
				// Empty-body retries exhausted on this endpoint: treat like
				// a failed attempt so dispatch's outer loop tries another
				// account rather than looping endpoints further.
				lastTransportErr = pool.NewEmptyResponseAfterRetryError()
				continue
			}
			return result, nil, nil
		}

		body, decodeErr := transport.DecodeResponseBody(resp)
		if decodeErr != nil {
			r.mgr.RecordFailure(account.Index, latency)
			lastTransportErr = decodeErr
			continue
		}

		if resp.StatusCode == http.StatusBadRequest && IsPromptTooLong(body) {
			// Not the account's fault and not worth rotating for: hand
			// the caller a synthetic assistant turn instead of an error
			// so the session isn't left locked.
			log.Infof("account %d: prompt too long, returning synthetic explanation", account.Index)
			return &Result{
				StatusCode:  http.StatusOK,
				Header:      http.Header{"Content-Type": {"text/event-stream"}},
				Body:        bodyReader(SynthesizePromptTooLongEvent()),
				AccountUsed: account.Index,
			}, nil, nil
		}

		class := ClassifyError(resp.StatusCode, body)

		if resp.StatusCode == http.StatusNotFound && IsPreviewNotFound(resp.StatusCode, body) && NeedsPreviewAccessHint(req.Model) {
			body = RewritePreviewAccessHint(body)
			if epIdx < len(endpoints)-1 {
				log.Debugf("attempt %d: account %d preview-gated 404 for %s, trying next endpoint", attempt, account.Index, req.Model)
				continue
			}
			return nil, nil, &pool.Error{Category_: pool.CategoryUpstreamPassThrough, Message: string(body), Status: resp.StatusCode}
		}

		if !class.Recoverable {
			return nil, nil, &pool.Error{
				Category_: pool.CategoryUpstreamPassThrough,
				Message:   string(body),
				Status:    resp.StatusCode,
			}
		}

		if class.Reason == pool.ReasonModelCapacityExhausted {
			if exhausted := r.retryCapacitySameEndpoint(ctx, ep, account, token, req); !exhausted {
				// A retry on this endpoint eventually succeeded or hit a
				// different, non-capacity outcome — attemptOnAccount is
				// done either way once retryCapacitySameEndpoint returns.
				return r.capacitySubAttemptResult(ctx, ep, account, token, req, start, attempt)
			}
			r.mgr.RegenerateFingerprint(account.Index)
			if epIdx < len(endpoints)-1 {
				log.Debugf("attempt %d: account %d capacity exhausted on %s after %d sub-attempts, advancing endpoint", attempt, account.Index, ep.BaseURL, maxCapacitySubAttempts)
				continue
			}
			outcome := r.handleAccountLevelRateLimit(account.Index, req, class)
			return nil, outcome, nil
		}

		if class.Reason == pool.ReasonServerError {
			r.mgr.RecordFailure(account.Index, latency)
			if epIdx < len(endpoints)-1 {
				log.Debugf("attempt %d: account %d server error on %s, advancing endpoint", attempt, account.Index, ep.BaseURL)
				continue
			}
			// Every endpoint has now failed for this account: sideline it
			// briefly so the next attempt actually rotates.
			r.mgr.MarkCoolingDown(account.Index, serverErrorCooldown)
			return nil, &recoverableOutcome{err: &pool.Error{Category_: pool.CategoryUpstreamPassThrough, Message: "upstream server error", Status: class.StatusCode}}, nil
		}

		// RATE_LIMIT reasons (RPM/quota) aren't endpoint-specific: rotating
		// endpoints wouldn't help, so resolve the decision immediately via
		// the §4.8 account/style/sleep algorithm.
		outcome := r.handleAccountLevelRateLimit(account.Index, req, class)
		return nil, outcome, nil
	}

	if lastTransportErr != nil {
		return nil, nil, lastTransportErr
	}
	return nil, nil, fmt.Errorf("router: exhausted all endpoints")
}

// handleSuccess decodes a 2xx response, retrying an empty body against
// the same endpoint up to emptyResponseMaxAttempts before giving up. The
// second return value reports whether the caller should treat this as an
// exhausted-retries failure rather than a usable result.
func (r *Router) handleSuccess(ctx context.Context, account *pool.Account, req Request, resp *http.Response, latency time.Duration, start time.Time, attempt int, ep Endpoint) (*Result, bool, error) {
	body, decodeErr := transport.DecodeResponseBody(resp)
	if decodeErr != nil {
		r.mgr.RecordFailure(account.Index, latency)
		return nil, false, decodeErr
	}

	if IsEmptyBody(resp.StatusCode, body) && !req.Stream {
		r.mgr.RecordFailure(account.Index, latency)
		log.Warnf("attempt %d: account %d returned empty body on %s", attempt, account.Index, ep.BaseURL)
		for retry := 2; retry <= r.emptyResponseMaxAttempts; retry++ {
			if r.emptyResponseRetryDelay > 0 {
				if err := resilience.WaitWithContext(ctx, r.emptyResponseRetryDelay); err != nil {
					return nil, false, err
				}
			}
			token, err := r.refresher.EnsureFresh(ctx, account.Index)
			if err != nil {
				return nil, false, err
			}
			httpReq, err := r.buildRequestForEndpoint(ctx, ep, account, token, req)
			if err != nil {
				return nil, false, err
			}
			retryStart := time.Now()
			retryResp, err := r.sendOne(ep, httpReq)
			latency = time.Since(retryStart)
			if err != nil {
				r.mgr.RecordFailure(account.Index, latency)
				return nil, false, err
			}
			body, decodeErr = transport.DecodeResponseBody(retryResp)
			if decodeErr != nil {
				r.mgr.RecordFailure(account.Index, latency)
				return nil, false, decodeErr
			}
			if !IsEmptyBody(retryResp.StatusCode, body) {
				resp = retryResp
				goto success
			}
			r.mgr.RecordFailure(account.Index, latency)
			log.Warnf("attempt %d: account %d empty-body retry %d/%d still empty on %s", attempt, account.Index, retry, r.emptyResponseMaxAttempts, ep.BaseURL)
		}
		return nil, true, nil
	}

success:
	r.mgr.RecordSuccess(account.Index, pool.QuotaKeyFor(req.Family, req.HeaderStyle), latency)
	log.Debugf("request served by account %d in %v (attempt %d, total %v)", account.Index, latency, attempt, time.Since(start))

	// gemini-cli wraps its payload in a {"response": {...}} envelope and
	// can repeat usageMetadata across streamed chunks; normalize both
	// back to the shape a caller sees from the antigravity style.
	if req.HeaderStyle == pool.HeaderStyleCLI {
		if req.Stream {
			body = sseutil.FilterSSEUsageMetadata(body)
		} else {
			body = sseutil.UnwrapEnvelope(body)
		}
	}
	r.recordUsage(req, account.Index, body, latency)

	return &Result{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        bodyReader(body),
		AccountUsed: account.Index,
	}, false, nil
}

// retryCapacitySameEndpoint retries a MODEL_CAPACITY_EXHAUSTED response
// against the same endpoint up to maxCapacitySubAttempts times, with
// 1s/2s/4s (±10% jitter) between attempts. Returns true once every
// sub-attempt has been spent and capacity is still exhausted (the caller
// should regenerate the fingerprint and advance to the next endpoint);
// returns false the moment any sub-attempt succeeds or returns a
// different decision — capacitySubAttemptResult reports which.
func (r *Router) retryCapacitySameEndpoint(ctx context.Context, ep Endpoint, account *pool.Account, token string, req Request) bool {
	for sub := 1; sub <= maxCapacitySubAttempts; sub++ {
		if err := resilience.WaitWithContext(ctx, capacityBackoff(sub)); err != nil {
			return true
		}
		httpReq, err := r.buildRequestForEndpoint(ctx, ep, account, token, req)
		if err != nil {
			return true
		}
		resp, err := r.sendOne(ep, httpReq)
		if err != nil {
			continue
		}
		body, decodeErr := transport.DecodeResponseBody(resp)
		if decodeErr != nil {
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return false
		}
		class := ClassifyError(resp.StatusCode, body)
		if class.Reason != pool.ReasonModelCapacityExhausted {
			return false
		}
	}
	return true
}

// capacitySubAttemptResult re-issues the request once more to surface
// the actual outcome retryCapacitySameEndpoint discovered (a success or
// a differently-classified error), since that function only reports a
// pass/fail bit. Sub-attempts are cheap relative to the sleeps already
// paid, and keeping attemptOnAccount's single send-and-classify path
// here avoids threading response state back out of a bool-returning
// helper.
func (r *Router) capacitySubAttemptResult(ctx context.Context, ep Endpoint, account *pool.Account, token string, req Request, start time.Time, attempt int) (*Result, *recoverableOutcome, error) {
	httpReq, err := r.buildRequestForEndpoint(ctx, ep, account, token, req)
	if err != nil {
		return nil, nil, err
	}
	attemptStart := time.Now()
	resp, err := r.sendOne(ep, httpReq)
	latency := time.Since(attemptStart)
	if err != nil {
		r.mgr.RecordFailure(account.Index, latency)
		return nil, nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result, retryEmpty, err := r.handleSuccess(ctx, account, req, resp, latency, start, attempt, ep)
		if err != nil {
			return nil, nil, err
		}
		if retryEmpty {
			return nil, nil, pool.NewEmptyResponseAfterRetryError()
		}
		return result, nil, nil
	}
	body, decodeErr := transport.DecodeResponseBody(resp)
	if decodeErr != nil {
		r.mgr.RecordFailure(account.Index, latency)
		return nil, nil, decodeErr
	}
	class := ClassifyError(resp.StatusCode, body)
	if !class.Recoverable {
		return nil, nil, &pool.Error{Category_: pool.CategoryUpstreamPassThrough, Message: string(body), Status: resp.StatusCode}
	}
	outcome := r.handleAccountLevelRateLimit(account.Index, req, class)
	return nil, outcome, nil
}

// capacityBackoff returns the CAPACITY decision's same-endpoint retry
// delay for sub-attempt n (1s, 2s, 4s, ...), jittered by up to ±10% so
// concurrent requests hitting the same capacity wall don't retry in
// lockstep.
func capacityBackoff(subAttempt int) time.Duration {
	base := time.Second * time.Duration(int64(1)<<uint(subAttempt-1))
	jitter := float64(base) * (rand.Float64()*0.2 - 0.1)
	return base + time.Duration(jitter)
}

// handleAccountLevelRateLimit applies the rate-limit handling algorithm
// to a RATE_LIMIT or endpoint-exhausted CAPACITY decision: the Gemini
// quota-fallback rule (rotate preserving style, else switch style on the
// same account, else gate), followed by the first-vs-subsequent-429
// sleep/rotate rule when no style fallback applies.
func (r *Router) handleAccountLevelRateLimit(accountIndex int, req Request, class Classification) *recoverableOutcome {
	serverRetryAfter := class.RetryAfter
	if serverRetryAfter <= 0 {
		serverRetryAfter = r.defaultRetryAfter
	}

	if req.Family == pool.FamilyGemini && r.quotaFallback {
		if r.mgr.HasOtherAccountWithStyleAvailable(accountIndex, req.Family, req.HeaderStyle) {
			// A sibling account can serve this same style: mark this
			// account/style rate-limited so selection naturally rotates
			// to it on the next attempt, preserving style.
			_, delay, _ := r.mgr.MarkRateLimited(accountIndex, req.Family, req.HeaderStyle, serverRetryAfter)
			return &recoverableOutcome{err: pool.NewRateLimitedBeyondCapError(delay)}
		}
		if r.mgr.IsAlternateStyleAvailableOnAccount(accountIndex, req.Family, req.HeaderStyle) {
			log.Infof("account %d: %s exhausted, switching to %s on the same account", accountIndex, req.HeaderStyle, pool.AlternateHeaderStyle(req.HeaderStyle))
			return &recoverableOutcome{styleSwitch: pool.AlternateHeaderStyle(req.HeaderStyle)}
		}
	}

	return r.sleepAndRotate(accountIndex, req, class, serverRetryAfter)
}

// sleepAndRotate implements the first-vs-subsequent-429 branch of the
// rate-limit algorithm once no quota-fallback style switch applies:
// record the hit, sleep synchronously so the account is no longer
// rate-limited by the time this returns if we're retrying it, then
// report the outcome so dispatch's next attempt naturally rotates (the
// manager selection policies exclude a still-rate-limited account on
// their own).
func (r *Router) sleepAndRotate(accountIndex int, req Request, class Classification, serverRetryAfter time.Duration) *recoverableOutcome {
	attempt, delay, _ := r.mgr.MarkRateLimited(accountIndex, req.Family, req.HeaderStyle, serverRetryAfter)

	if attempt <= 1 && class.Reason != pool.ReasonQuotaExhausted {
		time.Sleep(time.Second)
		if r.schedulingMode == manager.PolicyCacheFirst && delay <= r.maxCacheFirstWait {
			remaining := delay - time.Second
			if remaining > 0 {
				time.Sleep(remaining)
			}
			return &recoverableOutcome{err: pool.NewRateLimitedBeyondCapError(delay)}
		}
		if r.switchOnFirstRateLimit && r.mgr.Size() > 1 {
			return &recoverableOutcome{err: pool.NewRateLimitedBeyondCapError(delay)}
		}
		remaining := delay - time.Second
		if remaining > 0 {
			time.Sleep(remaining)
		}
		return &recoverableOutcome{err: pool.NewRateLimitedBeyondCapError(delay)}
	}

	if r.mgr.Size() > 1 {
		time.Sleep(pool.SwitchAccountDelay)
		return &recoverableOutcome{err: pool.NewRateLimitedBeyondCapError(delay)}
	}
	// Only one account in the whole pool: there's nowhere to rotate to,
	// so ride out the computed exponential backoff (already capped) and
	// retry the same account once it clears.
	time.Sleep(delay)
	return &recoverableOutcome{err: pool.NewRateLimitedBeyondCapError(delay)}
}

// recordUsage extracts the upstream-reported token total, if any, and
// enqueues a UsageRecord. Best-effort: a response with no usageMetadata
// (some error-adjacent success paths omit it) falls back to a client-side
// estimate off the outgoing request body, so soft-quota gating still has
// some signal to work with instead of a hard 0.
func (r *Router) recordUsage(req Request, accountIndex int, body []byte, latency time.Duration) {
	if r.usage == nil {
		return
	}
	tokens := sseutil.LastTotalTokenCount(body)
	if tokens == 0 && r.transformer != nil {
		if estimated, err := r.transformer.EstimateTokensFromJSON(req.Body); err == nil {
			tokens = int64(estimated)
		}
	}
	r.usage.Enqueue(usage.UsageRecord{
		AccountIndex: accountIndex,
		Family:       req.Family,
		HeaderStyle:  req.HeaderStyle,
		Model:        req.Model,
		RequestedAt:  time.Now(),
		Tokens:       tokens,
		LatencyMs:    latency.Milliseconds(),
	})
}

func (r *Router) orderedEndpoints() []Endpoint {
	if r.health != nil {
		return r.health.OrderedEndpoints(r.endpoints)
	}
	return r.endpoints
}

func (r *Router) buildRequest(ctx context.Context, account *pool.Account, token string, req Request) (*http.Request, error) {
	endpoints := r.orderedEndpoints()
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("router: no endpoints configured")
	}
	return r.buildRequestForEndpoint(ctx, endpoints[0], account, token, req)
}

// buildRequestForEndpoint builds the upstream HTTP request for a
// specific endpoint, so the CAPACITY/PREVIEW retry paths can keep
// resending to the one endpoint they're sticking with without re-
// resolving the ordered list each time.
func (r *Router) buildRequestForEndpoint(ctx context.Context, ep Endpoint, account *pool.Account, token string, req Request) (*http.Request, error) {
	url := ep.BaseURL + req.Path

	reqBody := req.Body
	if req.HeaderStyle == pool.HeaderStyleCLI {
		// gemini-cli's backend expects the native Gemini body nested under
		// a "request" envelope rather than sent flat.
		reqBody = sseutil.WrapEnvelope(reqBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	if account.ProjectID != "" {
		httpReq.Header.Set("X-Goog-User-Project", account.ProjectID)
	}
	if account.Fingerprint != nil {
		httpReq.Header.Set("X-Client-Device-Id", account.Fingerprint.DeviceID)
		httpReq.Header.Set("X-Goog-Quota-User", account.Fingerprint.QuotaUser)
	}
	if req.SessionID != "" {
		httpReq.Header.Set("X-Session-Id", req.SessionID)
	}
	switch req.HeaderStyle {
	case pool.HeaderStyleAntigravity:
		httpReq.Header.Set("User-Agent", "antigravity/1.0")
		httpReq.Header.Set("X-Goog-Api-Client", "antigravity-cli/1.0")
		httpReq.Header.Set("Client-Metadata", `{"ideType":"antigravity"}`)
	default:
		httpReq.Header.Set("User-Agent", "agpool-cli/1.0")
		httpReq.Header.Set("X-Goog-Api-Client", "gemini-cli/1.0")
		httpReq.Header.Set("Client-Metadata", `{"ideType":"gemini-cli"}`)
	}
	return httpReq, nil
}

// sendOne sends req to the single given endpoint through its circuit
// breaker, with no further fallback — callers that want the full ordered
// fallback loop use sendAcrossEndpoints instead.
func (r *Router) sendOne(ep Endpoint, req *http.Request) (*http.Response, error) {
	epURL, err := url.Parse(ep.BaseURL)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = epURL.Scheme
	req.URL.Host = epURL.Host
	req.Host = epURL.Host

	breaker := r.breakerFor(ep.BaseURL)
	result, err := breaker.Execute(func() (any, error) {
		return r.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func (r *Router) breakerFor(baseURL string) *resilience.CircuitBreaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	if r.breakers == nil {
		r.breakers = make(map[string]*resilience.CircuitBreaker)
	}
	b, ok := r.breakers[baseURL]
	if !ok {
		cfg := resilience.DefaultBreakerConfig(baseURL)
		cfg.OnStateChange = func(name string, _, to gobreaker.State) {
			r.notifyBreakerStateChange(name, to)
		}
		b = resilience.NewCircuitBreaker(cfg)
		r.breakers[baseURL] = b
	}
	return b
}

// notifyBreakerStateChange publishes the circuit-breaker open/close
// events a connected client uses to show endpoint health without
// polling /status. The half-open transition isn't broadcast: it's an
// internal probing state, not something an operator needs to react to.
func (r *Router) notifyBreakerStateChange(endpoint string, to gobreaker.State) {
	if r.notify == nil {
		return
	}
	switch to {
	case gobreaker.StateOpen:
		r.notify.Publish(notify.Event{Kind: notify.EventCircuitBreakerOpen, Endpoint: endpoint})
	case gobreaker.StateClosed:
		r.notify.Publish(notify.Event{Kind: notify.EventCircuitBreakerClose, Endpoint: endpoint})
	}
}

// BreakerStates reports the current gobreaker state name for every
// endpoint that has had a circuit breaker created for it, keyed by base
// URL. An endpoint with no entry has never been dispatched to yet.
func (r *Router) BreakerStates() map[string]string {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for baseURL, b := range r.breakers {
		out[baseURL] = b.State().String()
	}
	return out
}

func bodyReader(body []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(body))
}
