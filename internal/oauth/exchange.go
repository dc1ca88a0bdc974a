package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/skratchdot/open-golang/open"
	"golang.org/x/oauth2"

	"github.com/agpool/agpool/internal/oauth/pkce"
)

// LoginOptions controls how the interactive authorization-code flow
// presents itself to the user.
type LoginOptions struct {
	NoBrowser    bool
	CallbackPort int // 0 picks an ephemeral port
}

// LoginResult is what a completed authorization-code exchange yields,
// ready to hand to manager.Manager.AddOrMerge.
type LoginResult struct {
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
	Email        string
}

// Login runs the PKCE authorization-code flow against cfg: it starts a
// local callback listener, opens (or prints) the authorization URL,
// waits for the redirect, and exchanges the code for tokens.
func Login(ctx context.Context, cfg oauth2.Config, opts LoginOptions) (*LoginResult, error) {
	codes, err := pkce.Generate()
	if err != nil {
		return nil, fmt.Errorf("oauth: generating pkce codes: %w", err)
	}
	state, err := randomState()
	if err != nil {
		return nil, fmt.Errorf("oauth: generating state: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", opts.CallbackPort))
	if err != nil {
		return nil, fmt.Errorf("oauth: starting callback listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	authURL := cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codes.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{Handler: callbackHandler(state, codeCh, errCh)}
	go func() { _ = srv.Serve(listener) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if opts.NoBrowser {
		fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
	} else {
		fmt.Println("Opening browser for authentication")
		if err := open.Run(authURL); err != nil {
			fmt.Printf("Could not open browser automatically: %v\nVisit the following URL:\n%s\n", err, authURL)
		}
	}
	fmt.Println("Waiting for authentication callback...")

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()
	tok, err := cfg.Exchange(exchangeCtx, code,
		oauth2.SetAuthURLParam("code_verifier", codes.CodeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("oauth: exchanging authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, errors.New("oauth: provider did not return a refresh token; revoke prior access and retry")
	}

	email, err := fetchEmail(exchangeCtx, cfg, tok)
	if err != nil {
		fmt.Printf("Warning: could not fetch account email: %v\n", err)
	}

	fmt.Println("Authentication successful")
	return &LoginResult{
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		ExpiresAt:    tok.Expiry,
		Email:        email,
	}, nil
}

// fetchEmail resolves the authenticated account's email via the
// userinfo.email scope requested at authorization time, so the pool
// file can show something more useful than a bare account index.
func fetchEmail(ctx context.Context, cfg oauth2.Config, tok *oauth2.Token) (string, error) {
	client := cfg.Client(ctx, tok)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oauth: userinfo request returned %d", resp.StatusCode)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	return info.Email, nil
}

func callbackHandler(wantState string, codeCh chan<- string, errCh chan<- error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errMsg := q.Get("error"); errMsg != "" {
			errCh <- fmt.Errorf("oauth: authorization denied: %s", errMsg)
			http.Error(w, "Authorization denied. You may close this window.", http.StatusBadRequest)
			return
		}
		if q.Get("state") != wantState {
			errCh <- errors.New("oauth: state mismatch in callback")
			http.Error(w, "Invalid state. You may close this window.", http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			errCh <- errors.New("oauth: missing authorization code in callback")
			http.Error(w, "Missing authorization code. You may close this window.", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authentication successful. You may close this window.")
		codeCh <- code
	})
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
