package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agpool/agpool/internal/manager"
	"github.com/agpool/agpool/internal/notify"
	"github.com/agpool/agpool/internal/oauth"
	"github.com/agpool/agpool/internal/pool"
	"github.com/agpool/agpool/internal/resilience"
	"github.com/agpool/agpool/internal/usage"
)

type fakeUsageBackend struct {
	mu      sync.Mutex
	records []usage.UsageRecord
}

func (f *fakeUsageBackend) Enqueue(r usage.UsageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}
func (f *fakeUsageBackend) Flush(ctx context.Context) error { return nil }
func (f *fakeUsageBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*usage.AggregatedStats, error) {
	return nil, nil
}
func (f *fakeUsageBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]usage.DailyStats, error) {
	return nil, nil
}
func (f *fakeUsageBackend) QueryHourlyStats(ctx context.Context, since time.Time) ([]usage.HourlyStats, error) {
	return nil, nil
}
func (f *fakeUsageBackend) QueryFamilyStats(ctx context.Context, since time.Time) ([]usage.FamilyStats, error) {
	return nil, nil
}
func (f *fakeUsageBackend) QueryAccountStats(ctx context.Context, since time.Time) ([]usage.AccountStats, error) {
	return nil, nil
}
func (f *fakeUsageBackend) QueryModelStats(ctx context.Context, since time.Time) ([]usage.ModelStats, error) {
	return nil, nil
}
func (f *fakeUsageBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeUsageBackend) Start() error { return nil }
func (f *fakeUsageBackend) Stop() error  { return nil }

type fakeExchanger struct{}

func (fakeExchanger) Refresh(ctx context.Context, refreshToken string) (string, time.Duration, error) {
	return "access-token", time.Hour, nil
}

func newTestRouter(t *testing.T, handler http.HandlerFunc) (*Router, *manager.Manager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	mgr := manager.New(nil, manager.HybridConfig{MaxTokens: 5, RegenPerMinute: 60})
	refresher := oauth.NewRefresher(mgr, fakeExchanger{})
	rtr := New(mgr, refresher, srv.Client(), []Endpoint{{BaseURL: srv.URL}})
	return rtr, mgr, srv
}

func TestDispatchSuccessReturnsBody(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":"hi"}]}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Body.Close()
	if result.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", result.StatusCode)
	}
	if result.AccountUsed != 0 {
		t.Fatalf("expected account 0 to serve the request, got %d", result.AccountUsed)
	}
}

func TestDispatchNoAccountsReturnsPoolError(t *testing.T) {
	rtr, _, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("upstream should never be called with an empty pool")
	})

	_, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err == nil {
		t.Fatalf("expected an error when the pool has no accounts")
	}
}

func TestDispatchRotatesPastRateLimitedAccount(t *testing.T) {
	var calls int32
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"QUOTA_EXCEEDED"}]}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":"hi"}]}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})
	mgr.AddOrMerge(&pool.Account{Email: "b@example.com", RefreshToken: "rt-b", Enabled: true})

	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Body.Close()
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 upstream calls (rotate once), got %d", calls)
	}
}

func TestDispatchNonRecoverableErrorPassesThrough(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"missing required field"}}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	_, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	var poolErr *pool.Error
	if err == nil {
		t.Fatalf("expected a pass-through error")
	}
	if pe, ok := err.(*pool.Error); ok {
		poolErr = pe
	}
	if poolErr == nil || poolErr.Category() != pool.CategoryUpstreamPassThrough {
		t.Fatalf("expected CategoryUpstreamPassThrough, got %v", err)
	}
}

func TestBreakerStatesReportsPerEndpoint(t *testing.T) {
	rtr, mgr, srv := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":"hi"}]}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	if _, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	states := rtr.BreakerStates()
	if _, ok := states[srv.URL]; !ok {
		t.Fatalf("expected a breaker state entry for %s, got %+v", srv.URL, states)
	}
}

func TestDispatchCliStyleWrapsRequestAndUnwrapsResponse(t *testing.T) {
	var gotBody []byte
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"response":{"candidates":[{"content":"hi"}],"usageMetadata":{"totalTokenCount":42}}}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleCLI,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{"contents":[]}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Body.Close()

	if string(gotBody) != `{"request":{"contents":[]}}` {
		t.Fatalf("expected the outgoing body to be wrapped in a request envelope, got %s", gotBody)
	}

	got, err := io.ReadAll(result.Body)
	if err != nil {
		t.Fatalf("reading result body: %v", err)
	}
	if string(got) != `{"candidates":[{"content":"hi"}],"usageMetadata":{"totalTokenCount":42}}` {
		t.Fatalf("expected the response envelope to be unwrapped, got %s", got)
	}
}

func TestDispatchUpdatesCounters(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":"hi"}]}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result.Body.Close()

	snap := rtr.Counters()
	if snap.TotalRequests != 1 || snap.SuccessCount != 1 || snap.FailureCount != 0 {
		t.Fatalf("unexpected counter snapshot after a success: %+v", snap)
	}
}

func TestDispatchUpdatesCountersOnFailure(t *testing.T) {
	rtr, _, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("upstream should never be called with an empty pool")
	})

	if _, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	}); err == nil {
		t.Fatalf("expected an error when the pool has no accounts")
	}

	snap := rtr.Counters()
	if snap.TotalRequests != 1 || snap.FailureCount != 1 || snap.SuccessCount != 0 {
		t.Fatalf("unexpected counter snapshot after a failure: %+v", snap)
	}
}

func TestSeedCountersRestoresPriorTotals(t *testing.T) {
	rtr, _, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {})
	rtr.SeedCounters(usage.AggregatedStats{TotalRequests: 100, SuccessCount: 90, FailureCount: 10, TotalTokens: 5000})

	snap := rtr.Counters()
	if snap.TotalRequests != 100 || snap.SuccessCount != 90 || snap.FailureCount != 10 || snap.TotalTokens != 5000 {
		t.Fatalf("expected seeded totals to round-trip, got %+v", snap)
	}
}

func TestDispatchPromptTooLongReturnsSyntheticStream(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Prompt is too long for the model's context window."}}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("expected a synthetic 200 stream rather than an error, got %v", err)
	}
	defer result.Body.Close()

	if result.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", result.StatusCode)
	}
	got, err := io.ReadAll(result.Body)
	if err != nil {
		t.Fatalf("reading result body: %v", err)
	}
	if !strings.Contains(string(got), "context window") {
		t.Fatalf("expected a user-facing explanation, got %s", got)
	}

	acct := mgr.AccountByIndex(0)
	if acct.ConsecutiveFailures != 0 {
		t.Fatalf("expected the account not to be penalized for an over-length prompt, got %+v", acct)
	}
}

func TestDispatchEnqueuesUsageRecordOnSuccess(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":"hi"}],"usageMetadata":{"totalTokenCount":17}}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	backend := &fakeUsageBackend{}
	rtr.SetUsageBackend(backend)

	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Model:       "gemini-2.5-pro",
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Body.Close()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.records) != 1 {
		t.Fatalf("expected exactly one usage record, got %d", len(backend.records))
	}
	rec := backend.records[0]
	if rec.Tokens != 17 {
		t.Fatalf("expected Tokens 17, got %d", rec.Tokens)
	}
	if rec.AccountIndex != 0 || rec.Model != "gemini-2.5-pro" {
		t.Fatalf("unexpected usage record: %+v", rec)
	}
}

type fakeTokenTransformer struct{ tokens int }

func (f fakeTokenTransformer) Transform(family pool.Family, req ChatRequest) ([]byte, error) {
	return nil, nil
}
func (f fakeTokenTransformer) EstimateTokens(req ChatRequest) (int, error) { return 0, nil }
func (f fakeTokenTransformer) EstimateTokensFromJSON(body []byte) (int, error) {
	return f.tokens, nil
}
func (f fakeTokenTransformer) NeedsSignedThinkingWarmup(family pool.Family, model string) bool {
	return false
}

func TestDispatchFallsBackToTransformerEstimateWithoutUsageMetadata(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":"hi"}]}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	backend := &fakeUsageBackend{}
	rtr.SetUsageBackend(backend)
	rtr.SetTransformer(fakeTokenTransformer{tokens: 42})

	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Model:       "gemini-2.5-pro",
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Body.Close()
	io.Copy(io.Discard, result.Body)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.records) != 1 {
		t.Fatalf("expected exactly one usage record, got %d", len(backend.records))
	}
	if got := backend.records[0].Tokens; got != 42 {
		t.Fatalf("expected the transformer's fallback estimate (42), got %d", got)
	}
}

func TestDispatchRetryBudgetExhaustedEndsDispatchEarly(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	budget := resilience.NewRetryBudget(1)
	budget.TryAcquire() // simulate another request already mid-retry
	rtr.SetRetryBudget(budget)

	if _, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	}); err == nil {
		t.Fatalf("expected an error once the retry budget is exhausted")
	}

	acct := mgr.AccountByIndex(0)
	if acct.ConsecutiveFailures != 1 {
		t.Fatalf("expected only the first attempt to have run, got %d consecutive failures", acct.ConsecutiveFailures)
	}
}

func TestDispatchWaitsThenRetriesWhenAllAccountsBlocked(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":"hi"}]}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})
	mgr.MarkRateLimited(0, pool.FamilyGemini, pool.HeaderStyleAntigravity, 150*time.Millisecond)

	hub := notify.NewHub()
	rtr.SetNotify(hub)

	start := time.Now()
	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("expected the router to wait out the rate limit and succeed, got %v", err)
	}
	result.Body.Close()

	if time.Since(start) < 150*time.Millisecond {
		t.Fatalf("expected Dispatch to have slept through the rate limit window")
	}
}

func TestDispatchFailsFastWhenAllAccountsOverSoftQuotaBeyondCap(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("upstream should never be reached once every account is over its soft quota")
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})
	mgr.UpdateQuotaCache(0, &pool.QuotaSnapshot{
		UsagePercentByModel: map[string]float64{"gemini-2.5-pro": 95},
		ResetAtByModel:      map[string]time.Time{"gemini-2.5-pro": time.Now().Add(time.Hour)},
	})
	rtr.SetMaxRateLimitWait(time.Second)

	_, err := rtr.Dispatch(context.Background(), Request{
		Family:                pool.FamilyGemini,
		HeaderStyle:           pool.HeaderStyleAntigravity,
		Model:                 "gemini-2.5-pro",
		Path:                  "/v1internal:generateContent",
		Body:                  []byte(`{}`),
		Policy:                manager.PolicyCacheFirst,
		SoftQuotaThresholdPct: 90,
	})
	if err == nil {
		t.Fatalf("expected a soft-quota-blocked error when every account is over threshold beyond the wait cap")
	}
	perr, ok := err.(*pool.Error)
	if !ok || perr.Category() != pool.CategorySoftQuotaBlocked {
		t.Fatalf("expected a SoftQuotaBlocked error, got %v", err)
	}
}

func TestDispatchGeminiQuotaFallbackSwitchesHeaderStyleOnSameAccount(t *testing.T) {
	var gotStyles []string
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if strings.HasPrefix(string(raw), `{"request":`) {
			gotStyles = append(gotStyles, "cli")
		} else {
			gotStyles = append(gotStyles, "antigravity")
		}
		if len(gotStyles) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"QUOTA_EXCEEDED"}]}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":"hi"}]}`))
	})
	// A single account: HasOtherAccountWithStyleAvailable is always false,
	// so the quota-fallback rule must fall through to the same-account
	// style switch instead of rotating.
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Body.Close()

	if len(gotStyles) != 2 || gotStyles[0] != "antigravity" || gotStyles[1] != "cli" {
		t.Fatalf("expected the second attempt to switch to the cli style on the same account, got %v", gotStyles)
	}
}

func TestDispatchPreviewGated404RewritesHintAndPassesThrough(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"model not found","code":404,"status":"NOT_FOUND"}}`))
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})

	_, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyClaude,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Model:       "claude-3-5-sonnet",
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err == nil {
		t.Fatalf("expected a pass-through error for a preview-gated 404")
	}
	if !strings.Contains(err.Error(), "request preview access") {
		t.Fatalf("expected the preview-access hint to be appended to the error, got %v", err)
	}
}

func TestDispatchCapacityExhaustedAdvancesEndpointAndRegeneratesFingerprint(t *testing.T) {
	var primaryCalls, secondaryCalls int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryCalls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"MODEL_CAPACITY_EXHAUSTED"}]}}`))
	}))
	t.Cleanup(primary.Close)
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&secondaryCalls, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":"hi"}]}`))
	}))
	t.Cleanup(secondary.Close)

	mgr := manager.New(nil, manager.HybridConfig{MaxTokens: 5, RegenPerMinute: 60})
	refresher := oauth.NewRefresher(mgr, fakeExchanger{})
	rtr := New(mgr, refresher, primary.Client(), []Endpoint{{BaseURL: primary.URL}, {BaseURL: secondary.URL}})
	acct := mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})
	originalFingerprint := acct.Fingerprint

	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Body.Close()

	if atomic.LoadInt32(&primaryCalls) != 4 {
		t.Fatalf("expected 1 initial + 3 same-endpoint capacity retries against the primary endpoint, got %d", primaryCalls)
	}
	if atomic.LoadInt32(&secondaryCalls) != 1 {
		t.Fatalf("expected exactly one call to the secondary endpoint, got %d", secondaryCalls)
	}

	updated := mgr.AccountByIndex(acct.Index)
	if updated.Fingerprint == nil || originalFingerprint == nil || updated.Fingerprint.DeviceID == originalFingerprint.DeviceID {
		t.Fatalf("expected the account's fingerprint to be regenerated after exhausting capacity retries on the primary endpoint")
	}
}

func TestDispatchClaudeCacheFirstRetriesSameAccountAfterRateLimit(t *testing.T) {
	var calls int32
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"RATE_LIMIT_EXCEEDED","retryDelay":"1s"}]}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":"hi"}]}`))
	})
	a := mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})
	mgr.AddOrMerge(&pool.Account{Email: "b@example.com", RefreshToken: "rt-b", Enabled: true})

	result, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyClaude,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Body.Close()

	if result.AccountUsed != a.Index {
		t.Fatalf("expected a cache_first policy to retry the same account after waiting out a first rate limit, got account %d", result.AccountUsed)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (one rate-limited, one retried), got %d", calls)
	}
}

func TestDispatchGivesUpWhenWaitExceedsCap(t *testing.T) {
	rtr, mgr, _ := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("upstream should never be reached once the wait exceeds the configured cap")
	})
	mgr.AddOrMerge(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", Enabled: true})
	mgr.MarkRateLimited(0, pool.FamilyGemini, pool.HeaderStyleAntigravity, time.Hour)
	rtr.SetMaxRateLimitWait(time.Second)

	if _, err := rtr.Dispatch(context.Background(), Request{
		Family:      pool.FamilyGemini,
		HeaderStyle: pool.HeaderStyleAntigravity,
		Path:        "/v1internal:generateContent",
		Body:        []byte(`{}`),
		Policy:      manager.PolicyCacheFirst,
	}); err == nil {
		t.Fatalf("expected an error when the wait exceeds the configured cap")
	}
}
