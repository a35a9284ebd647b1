package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretVerifier(t *testing.T) {
	verifier, err := NewSharedSecretVerifier("test-secret")
	require.NoError(t, err)

	token, err := IssueTunnelToken("test-secret", "u1", time.Hour)
	require.NoError(t, err)

	tenant, err := verifier.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", tenant)
}

func TestSharedSecretVerifierRejectsWrongSecret(t *testing.T) {
	verifier, err := NewSharedSecretVerifier("correct-secret")
	require.NoError(t, err)

	token, err := IssueTunnelToken("wrong-secret", "u1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(context.Background(), token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestSharedSecretVerifierRejectsExpiredToken(t *testing.T) {
	verifier, err := NewSharedSecretVerifier("test-secret")
	require.NoError(t, err)

	token, err := IssueTunnelToken("test-secret", "u1", -time.Minute)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(context.Background(), token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestSharedSecretVerifierRejectsGarbage(t *testing.T) {
	verifier, err := NewSharedSecretVerifier("test-secret")
	require.NoError(t, err)

	_, err = verifier.VerifyToken(context.Background(), "not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTenantFromToken(t *testing.T) {
	token, err := IssueTunnelToken("any-secret", "u42", 0)
	require.NoError(t, err)

	// Extraction is unverified by design: the agent only needs to learn its
	// own identity, the relay does full verification.
	tenant, err := TenantFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u42", tenant)

	_, err = TenantFromToken("garbage")
	require.Error(t, err)
}

func TestTokensExpiringSoon(t *testing.T) {
	tokens := &Tokens{AccessToken: "x", Expiry: time.Now().Add(10 * time.Minute)}
	assert.False(t, tokens.ExpiringSoon(5*time.Minute))
	assert.True(t, tokens.ExpiringSoon(15*time.Minute))

	expired := &Tokens{AccessToken: "x", Expiry: time.Now().Add(-time.Minute)}
	assert.True(t, expired.ExpiringSoon(5*time.Minute))

	static := &Tokens{AccessToken: "x"}
	assert.False(t, static.ExpiringSoon(5*time.Minute))
}
