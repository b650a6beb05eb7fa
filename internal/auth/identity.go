// Package auth verifies the bearer tokens that clients present in place of
// passwords during the gateway handshake.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the result of verifying a bearer token.
type Identity struct {
	// Active is false for tokens that are revoked or otherwise disabled
	// even though they parse and verify.
	Active bool

	// Username is the verified subject of the token.
	Username string

	// Roles are the role names granted to the token.
	Roles []string
}

// HasRole reports whether the identity carries the named role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenVerifier is the external token-verification collaborator. Caching
// policy is the verifier's concern, not the proxy's.
type TokenVerifier interface {
	Verify(ctx context.Context, bearerToken string) (*Identity, error)
}

// FarmClaims is the claim set carried by farm bearer tokens.
type FarmClaims struct {
	jwt.RegisteredClaims

	// Username is the farm username, falling back to the subject when
	// absent.
	Username string `json:"username,omitempty"`

	// Roles are the role names granted to the token.
	Roles []string `json:"roles,omitempty"`

	// Active marks revocable tokens; absent means active.
	Active *bool `json:"active,omitempty"`
}

// EffectiveUsername resolves the username claim with subject fallback.
func (c *FarmClaims) EffectiveUsername() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Subject
}

// IsActive reports whether the token is active.
func (c *FarmClaims) IsActive() bool {
	return c.Active == nil || *c.Active
}
