package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/system"
)

// TokenProvider supplies the bearer credential the tunnel authenticates
// with. The provider is the only component that mutates tokens; the tunnel
// client reads snapshots and asks for refresh.
type TokenProvider interface {
	// CurrentToken returns the stored credential, or ErrUnauthenticated.
	CurrentToken() (*Tokens, error)
	// RefreshIfNeeded exchanges the refresh token for a new access token
	// when the current one is expiring soon. A refresh failure discards the
	// credential and returns ErrUnauthenticated so callers can prompt for
	// interactive login instead of retrying a known-bad token.
	RefreshIfNeeded(ctx context.Context) (*Tokens, error)
	// Login runs the authorization-code-with-PKCE exchange and stores the
	// resulting tokens.
	Login(ctx context.Context) (*Tokens, error)
	// Logout discards stored tokens.
	Logout() error
}

// OIDCTokenProvider implements the PKCE flow against an external identity
// provider. The browser flow itself belongs to the provider; this code only
// consumes the authorization code delivered to the redirect port.
type OIDCTokenProvider struct {
	cfg   config.AgentAuth
	store TokenStore

	mu           sync.Mutex
	tokens       *Tokens
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
}

func NewOIDCTokenProvider(cfg config.AgentAuth, store TokenStore) (*OIDCTokenProvider, error) {
	if cfg.ProviderURL == "" {
		return nil, fmt.Errorf("auth provider URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("auth client ID is required")
	}
	p := &OIDCTokenProvider{
		cfg:   cfg,
		store: store,
	}
	stored, err := store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load stored tokens, starting unauthenticated")
	} else if stored != nil {
		p.tokens = stored
		log.Info().Time("expiry", stored.Expiry).Msg("loaded stored tokens")
	}
	return p, nil
}

func (p *OIDCTokenProvider) getOauth2Config(ctx context.Context) (*oauth2.Config, error) {
	if p.oauth2Config == nil {
		if p.provider == nil {
			provider, err := oidc.NewProvider(ctx, p.cfg.ProviderURL)
			if err != nil {
				return nil, fmt.Errorf("failed to discover identity provider: %w", err)
			}
			p.provider = provider
		}
		p.oauth2Config = &oauth2.Config{
			ClientID:    p.cfg.ClientID,
			RedirectURL: fmt.Sprintf("http://localhost:%d/", p.cfg.RedirectPort),
			Scopes:      []string{oidc.ScopeOpenID, "profile", "email", "offline_access"},
			Endpoint:    p.provider.Endpoint(),
		}
	}
	return p.oauth2Config, nil
}

func (p *OIDCTokenProvider) CurrentToken() (*Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokens == nil || p.tokens.AccessToken == "" {
		return nil, ErrUnauthenticated
	}
	snapshot := *p.tokens
	return &snapshot, nil
}

func (p *OIDCTokenProvider) RefreshIfNeeded(ctx context.Context) (*Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tokens == nil || p.tokens.AccessToken == "" {
		return nil, ErrUnauthenticated
	}
	if !p.tokens.ExpiringSoon(p.cfg.RefreshMargin) {
		snapshot := *p.tokens
		return &snapshot, nil
	}
	if p.tokens.RefreshToken == "" {
		p.discardLocked()
		return nil, ErrUnauthenticated
	}

	log.Info().Time("expiry", p.tokens.Expiry).Msg("access token expiring soon, refreshing")

	cfg, err := p.getOauth2Config(ctx)
	if err != nil {
		return nil, err
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: p.tokens.RefreshToken})
	refreshed, err := src.Token()
	if err != nil {
		log.Warn().Err(err).Msg("token refresh failed, interactive login required")
		p.discardLocked()
		return nil, fmt.Errorf("%w: refresh failed: %s", ErrUnauthenticated, err)
	}

	prevRefresh := p.tokens.RefreshToken
	p.tokens = &Tokens{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		TokenType:    refreshed.TokenType,
		Expiry:       refreshed.Expiry,
	}
	// Some providers rotate the refresh token, some omit it on refresh.
	if p.tokens.RefreshToken == "" {
		p.tokens.RefreshToken = prevRefresh
	}
	if err := p.store.Save(p.tokens); err != nil {
		log.Warn().Err(err).Msg("failed to persist refreshed tokens")
	}
	snapshot := *p.tokens
	return &snapshot, nil
}

func (p *OIDCTokenProvider) Login(ctx context.Context) (*Tokens, error) {
	cfg, err := p.getOauth2Config(ctx)
	if err != nil {
		return nil, err
	}

	state := system.GenerateUUID()
	verifier := oauth2.GenerateVerifier()

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if p.cfg.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", p.cfg.Audience))
	}
	authURL := cfg.AuthCodeURL(state, opts...)

	log.Info().Msg("opening browser for authentication")
	if err := openBrowser(authURL); err != nil {
		log.Warn().Err(err).Str("url", authURL).Msg("failed to open browser, open the URL manually")
	}

	code, err := p.waitForCallback(ctx, state)
	if err != nil {
		return nil, err
	}

	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	if err := p.store.Save(p.tokens); err != nil {
		log.Warn().Err(err).Msg("failed to persist tokens")
	}
	snapshot := *p.tokens
	return &snapshot, nil
}

// waitForCallback runs a one-shot HTTP server on the redirect port until the
// identity provider delivers the authorization code.
func (p *OIDCTokenProvider) waitForCallback(ctx context.Context, expectedState string) (string, error) {
	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if errParam := query.Get("error"); errParam != "" {
			errChan <- fmt.Errorf("auth error: %s: %s", errParam, query.Get("error_description"))
			http.Error(w, "authentication failed", http.StatusBadRequest)
			return
		}
		if query.Get("state") != expectedState {
			errChan <- errors.New("state parameter mismatch")
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
		code := query.Get("code")
		if code == "" {
			errChan <- errors.New("no authorization code in callback")
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><h1>Authentication successful</h1><p>You can close this window.</p></body></html>"))
		codeChan <- code
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", p.cfg.RedirectPort),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	select {
	case code := <-codeChan:
		return code, nil
	case err := <-errChan:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Minute):
		return "", errors.New("authentication timed out")
	}
}

func (p *OIDCTokenProvider) Logout() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discardLocked()
	return nil
}

func (p *OIDCTokenProvider) discardLocked() {
	p.tokens = nil
	if err := p.store.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear token store")
	}
}

// StaticTokenProvider serves deployments without an identity provider: a
// fixed bearer token that never expires and cannot be refreshed.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) CurrentToken() (*Tokens, error) {
	if p.token == "" {
		return nil, ErrUnauthenticated
	}
	return &Tokens{AccessToken: p.token, TokenType: "Bearer"}, nil
}

func (p *StaticTokenProvider) RefreshIfNeeded(_ context.Context) (*Tokens, error) {
	return p.CurrentToken()
}

func (p *StaticTokenProvider) Login(_ context.Context) (*Tokens, error) {
	return p.CurrentToken()
}

func (p *StaticTokenProvider) Logout() error {
	return nil
}

func openBrowser(url string) error {
	for _, args := range [][]string{
		{"xdg-open", url},
		{"open", url},
		{"cmd", "/c", "start", url},
	} {
		if err := exec.Command(args[0], args[1:]...).Start(); err == nil {
			return nil
		}
	}
	return errors.New("unable to open browser")
}
