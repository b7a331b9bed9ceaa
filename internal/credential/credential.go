// Package credential defines the tagged credential union produced by the
// sign-in paths. A credential is immutable once produced; a refresh yields a
// new value that supersedes the old one.
package credential

import (
	"slices"
	"time"
)

// Kind discriminates the credential union.
type Kind string

const (
	// KindEnterprise is a token issued by the enterprise identity provider.
	KindEnterprise Kind = "enterprise"

	// KindInternal is an opaque session token issued by our own backend for
	// the email/password and third-party OAuth sign-in paths.
	KindInternal Kind = "internal"
)

// Credential is one authenticated credential. Enterprise credentials carry
// scopes, an expiry, and the provider account they were issued for; internal
// credentials are an opaque token only.
type Credential struct {
	Kind      Kind
	Token     string
	Scopes    []string
	ExpiresAt time.Time
	AccountID string
}

// NewEnterprise builds an enterprise credential.
func NewEnterprise(token string, scopes []string, expiresAt time.Time, accountID string) Credential {
	return Credential{
		Kind:      KindEnterprise,
		Token:     token,
		Scopes:    slices.Clone(scopes),
		ExpiresAt: expiresAt,
		AccountID: accountID,
	}
}

// NewInternal builds an internal credential from an opaque session token.
func NewInternal(token string) Credential {
	return Credential{Kind: KindInternal, Token: token}
}

// Zero reports whether the credential is the zero value (no credential).
func (c Credential) Zero() bool {
	return c.Token == ""
}

// HasScopes reports whether the credential covers every requested scope.
// Internal credentials are unscoped and never match a non-empty scope set.
func (c Credential) HasScopes(scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	if c.Kind != KindEnterprise {
		return false
	}
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// ExpiresWithin reports whether the credential expires within the given
// leeway. Credentials without an expiry never expire.
func (c Credential) ExpiresWithin(leeway time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(c.ExpiresAt) < leeway
}
