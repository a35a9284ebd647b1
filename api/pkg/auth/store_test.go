package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTokenStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	store, err := NewFileTokenStore(path)
	require.NoError(t, err)

	// Missing file is not an error, just no tokens yet.
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	tokens := &Tokens{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Save(tokens))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err = store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, tokens.AccessToken, loaded.AccessToken)
	assert.Equal(t, tokens.RefreshToken, loaded.RefreshToken)
	assert.True(t, tokens.Expiry.Equal(loaded.Expiry))

	require.NoError(t, store.Clear())
	loaded, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Clearing twice is fine.
	require.NoError(t, store.Clear())
}

func TestFileTokenStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0600))

	store, err := NewFileTokenStore(path)
	require.NoError(t, err)

	_, err = store.Load()
	require.Error(t, err)
}

func TestStaticTokenProvider(t *testing.T) {
	provider := NewStaticTokenProvider("static-token")

	tokens, err := provider.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, "static-token", tokens.AccessToken)
	assert.False(t, tokens.ExpiringSoon(time.Hour))

	refreshed, err := provider.RefreshIfNeeded(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, tokens.AccessToken, refreshed.AccessToken)

	empty := NewStaticTokenProvider("")
	_, err = empty.CurrentToken()
	require.ErrorIs(t, err, ErrUnauthenticated)
}
