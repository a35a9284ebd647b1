// Package auth owns the bearer credential used to authenticate the tunnel:
// obtaining it through the identity provider's authorization-code-with-PKCE
// exchange on the agent, and verifying it on the relay.
package auth

import (
	"errors"
	"time"
)

var (
	// ErrUnauthenticated means there is no usable credential and an
	// interactive login is required.
	ErrUnauthenticated = errors.New("not authenticated")
)

// Tokens is the stored credential set. The provider owns the only mutable
// copy; everyone else gets value snapshots.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}

// ExpiringSoon reports whether the access token expires within the margin.
// A token already expired is expiring soon by definition. Tokens with no
// recorded expiry never expire (static deployment tokens).
func (t *Tokens) ExpiringSoon(margin time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.Expiry)
}
