package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/cloudtolocalllm/bridge/api/pkg/config"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

//go:generate mockgen -source verifier.go -destination verifier_mocks.go -package auth

// TokenVerifier is the relay's side of the identity boundary: validate a
// bearer token and extract the tenant identity bound to it. Issuance lives
// with the external identity provider.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, accessToken string) (tenantID string, err error)
}

// NewTokenVerifier picks the verifier for the configured auth mode.
func NewTokenVerifier(ctx context.Context, cfg config.RelayAuth) (TokenVerifier, error) {
	switch cfg.Mode {
	case "oidc":
		return NewOIDCVerifier(ctx, cfg)
	case "token":
		return NewSharedSecretVerifier(cfg.SharedSecret)
	default:
		return nil, fmt.Errorf("unknown relay auth mode %q", cfg.Mode)
	}
}

// OIDCVerifier validates tokens against the identity provider's JWKS.
type OIDCVerifier struct {
	cfg      config.RelayAuth
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, cfg config.RelayAuth) (*OIDCVerifier, error) {
	if cfg.ProviderURL == "" {
		return nil, fmt.Errorf("OIDC provider URL is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover identity provider: %w", err)
	}
	oidcConfig := &oidc.Config{ClientID: cfg.ClientID}
	if cfg.ClientID == "" {
		oidcConfig.SkipClientIDCheck = true
	}
	return &OIDCVerifier{
		cfg:      cfg,
		verifier: provider.Verifier(oidcConfig),
	}, nil
}

func (v *OIDCVerifier) VerifyToken(ctx context.Context, accessToken string) (string, error) {
	token, err := v.verifier.Verify(ctx, accessToken)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	if v.cfg.TenantClaim == "" {
		return token.Subject, nil
	}
	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("%w: failed to parse claims: %s", ErrInvalidToken, err)
	}
	tenant, ok := claims[v.cfg.TenantClaim].(string)
	if !ok || tenant == "" {
		return "", fmt.Errorf("%w: missing tenant claim %q", ErrInvalidToken, v.cfg.TenantClaim)
	}
	return tenant, nil
}

// SharedSecretVerifier validates HMAC-signed tunnel tokens. Used for
// self-hosted deployments where the relay and agents share one secret, the
// same way a runner token authenticates runners.
type SharedSecretVerifier struct {
	secret []byte
}

func NewSharedSecretVerifier(secret string) (*SharedSecretVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("relay shared secret is required in token mode")
	}
	return &SharedSecretVerifier{secret: []byte(secret)}, nil
}

func (v *SharedSecretVerifier) VerifyToken(_ context.Context, accessToken string) (string, error) {
	token, err := jwt.Parse(accessToken, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return subject, nil
}

// IssueTunnelToken mints an HMAC tunnel token for a tenant. Zero ttl means
// no expiry.
func IssueTunnelToken(secret, tenantID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("shared secret is required")
	}
	if tenantID == "" {
		return "", fmt.Errorf("tenant id is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": tenantID,
		"iat": jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims["exp"] = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TenantFromToken extracts the subject claim without verifying the
// signature. The agent uses it to learn its own tenant identity from the
// access token; the relay never trusts it.
func TenantFromToken(accessToken string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("failed to parse access token: %w", err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("access token has no subject claim")
	}
	return subject, nil
}
