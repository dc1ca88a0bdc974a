// Package oauth implements TokenRefresher and the PKCE authorization-
// code exchange used to add a new account to the pool.
package oauth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/agpool/agpool/internal/logging"
	"github.com/agpool/agpool/internal/manager"
	"github.com/agpool/agpool/internal/resilience"
)

var log = logging.With("component", "oauth")

// RefreshTimeout bounds a single token-refresh HTTP round trip.
const RefreshTimeout = 10 * time.Second

// SafetyMargin is subtracted from the upstream-reported expiry so a token
// is treated as due for refresh before it actually lapses.
const SafetyMargin = 5 * time.Minute

// ErrInvalidGrant signals the refresh token itself was rejected
// (revoked, expired, or the user removed app access) — this requires
// re-authentication, not a retry.
var ErrInvalidGrant = errors.New("oauth: refresh token invalid or revoked")

// Exchanger performs the refresh_token -> access_token round trip. The
// default implementation wraps golang.org/x/oauth2; tests substitute a
// fake.
type Exchanger interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresIn time.Duration, err error)
}

type oauth2Exchanger struct {
	cfg oauth2.Config
}

// NewOAuth2Exchanger builds an Exchanger from a provider's OAuth2 client
// config (endpoint + client ID/secret).
func NewOAuth2Exchanger(cfg oauth2.Config) Exchanger {
	return &oauth2Exchanger{cfg: cfg}
}

func (e *oauth2Exchanger) Refresh(ctx context.Context, refreshToken string) (string, time.Duration, error) {
	ts := e.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		if isInvalidGrant(err) {
			return "", 0, ErrInvalidGrant
		}
		return "", 0, err
	}
	if tok.AccessToken == "" {
		return "", 0, errors.New("oauth: empty access token in refresh response")
	}
	var expiresIn time.Duration
	if !tok.Expiry.IsZero() {
		expiresIn = time.Until(tok.Expiry)
	}
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return tok.AccessToken, expiresIn, nil
}

func isInvalidGrant(err error) bool {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return strings.Contains(rErr.ErrorCode, "invalid_grant")
	}
	return strings.Contains(err.Error(), "invalid_grant")
}

// refreshResult is the value retried by refreshExecutor: the pair a
// successful Exchanger.Refresh call returns.
type refreshResult struct {
	token     string
	expiresIn time.Duration
}

// refreshExecutor retries a transient refresh failure (a network blip
// talking to the token endpoint) a couple of times with backoff before
// refreshSync gives up and cools the account down; it never retries
// ErrInvalidGrant, since that needs re-authentication, not another
// attempt against the same rejected refresh token.
var refreshExecutor = newRefreshExecutor()

func newRefreshExecutor() *resilience.Executor[refreshResult] {
	cfg := resilience.DefaultRetryConfig
	cfg.MaxRetries = 2
	cfg.ShouldRetry = func(_ *http.Response, err error) bool {
		return err != nil && !errors.Is(err, ErrInvalidGrant)
	}
	return resilience.NewExecutor[refreshResult](cfg, nil)
}

// Refresher refreshes tokens on demand and proactively, deduplicating
// concurrent refreshes of the same account with singleflight.
type Refresher struct {
	mgr      *manager.Manager
	exchange Exchanger
	sf       singleflight.Group

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once

	safetyMargin time.Duration
}

// NewRefresher constructs a Refresher bound to the pool manager.
func NewRefresher(mgr *manager.Manager, exchange Exchanger) *Refresher {
	return &Refresher{mgr: mgr, exchange: exchange, stopCh: make(chan struct{}), safetyMargin: SafetyMargin}
}

// SetSafetyMargin overrides how far ahead of expiry a token is treated as
// due for refresh. d <= 0 is ignored, keeping SafetyMargin's default.
func (r *Refresher) SetSafetyMargin(d time.Duration) {
	if d > 0 {
		r.safetyMargin = d
	}
}

// EnsureFresh returns a valid access token for the account, refreshing
// synchronously if the cached one is within SafetyMargin of expiry or
// already expired.
func (r *Refresher) EnsureFresh(ctx context.Context, accountIndex int) (string, error) {
	a := r.mgr.AccountByIndex(accountIndex)
	if a == nil {
		return "", errors.New("oauth: unknown account")
	}
	if a.AccessToken != "" && time.Until(time.UnixMilli(a.ExpiresAtMs)) > r.safetyMargin {
		return a.AccessToken, nil
	}
	return r.refreshSync(ctx, accountIndex, a.RefreshToken)
}

func (r *Refresher) refreshSync(ctx context.Context, accountIndex int, refreshToken string) (string, error) {
	key := strconv.Itoa(accountIndex)
	result, err, _ := r.sf.Do(key, func() (any, error) {
		// Re-check after winning the singleflight race: another caller
		// may have already refreshed while we were waiting.
		if a := r.mgr.AccountByIndex(accountIndex); a != nil && a.AccessToken != "" &&
			time.Until(time.UnixMilli(a.ExpiresAtMs)) > r.safetyMargin {
			return a.AccessToken, nil
		}

		refreshCtx, cancel := context.WithTimeout(ctx, RefreshTimeout)
		defer cancel()

		start := time.Now()
		rr, err := refreshExecutor.Execute(refreshCtx, func() (refreshResult, error) {
			token, expiresIn, err := r.exchange.Refresh(refreshCtx, refreshToken)
			return refreshResult{token: token, expiresIn: expiresIn}, err
		})
		if err != nil {
			if errors.Is(err, ErrInvalidGrant) {
				log.Warnf("refresh invalid_grant for account %d after %v, removing from pool", accountIndex, time.Since(start))
				r.mgr.RemoveAccount(accountIndex)
			} else {
				log.Warnf("refresh failed for account %d after %v: %v", accountIndex, time.Since(start), err)
			}
			return "", err
		}
		expiresAt := time.Now().Add(rr.expiresIn)
		r.mgr.UpdateToken(accountIndex, rr.token, expiresAt)
		log.Debugf("refreshed account %d, expires %v", accountIndex, expiresAt.Format(time.RFC3339))
		return rr.token, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// StartProactiveRefresh runs a background loop that refreshes any
// account within SafetyMargin of expiry before a request ever needs it,
// so the request-serving path rarely blocks on a live refresh.
func (r *Refresher) StartProactiveRefresh(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweepDueAccounts()
			}
		}
	}()
}

func (r *Refresher) sweepDueAccounts() {
	for _, a := range r.mgr.All() {
		if !a.Enabled || a.RefreshToken == "" {
			continue
		}
		due := a.AccessToken == "" || time.Until(time.UnixMilli(a.ExpiresAtMs)) <= r.safetyMargin
		if !due {
			continue
		}
		go func(idx int, rt string) {
			ctx, cancel := context.WithTimeout(context.Background(), RefreshTimeout)
			defer cancel()
			if _, err := r.refreshSync(ctx, idx, rt); err != nil {
				log.Debugf("proactive refresh skipped for account %d: %v", idx, err)
			}
		}(a.Index, a.RefreshToken)
	}
}

// Stop halts the proactive refresh loop.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
