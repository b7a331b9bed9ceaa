// Package idp wraps the enterprise identity provider's token exchanges:
// silent, popup-interactive, redirect-interactive, and redirect completion.
package idp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider error codes surfaced by the enterprise identity provider.
const (
	CodeConsentRequired     = "consent_required"
	CodeInteractionRequired = "interaction_required"
	CodeLoginRequired       = "login_required"

	// CodeIframeTimeout is the provider's code for a hidden-frame exchange
	// that never answered. An environment failure, not a permission failure.
	CodeIframeTimeout = "monitor_window_timeout"
)

// ProviderError is a structured error from the identity provider.
type ProviderError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// ErrorCode returns the structured code of err if it is (or wraps) a
// ProviderError, and the empty string otherwise.
func ErrorCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Account is the enterprise account context a token is issued for.
type Account struct {
	HomeID   string `json:"home_id"`
	TenantID string `json:"tenant_id"`
	Username string `json:"username"`
}

// TokenResult is a successful token exchange.
type TokenResult struct {
	AccessToken string
	ExpiresAt   time.Time
	Scopes      []string
	Account     Account
}

// Provider abstracts the enterprise identity provider's exchanges.
type Provider interface {
	// AcquireSilent obtains a token without user interaction. Fails with a
	// structured ProviderError when the provider needs interaction.
	AcquireSilent(ctx context.Context, scopes []string, account Account) (*TokenResult, error)

	// AcquirePopup obtains a token via an interactive popup. forceConsent
	// prompts the user for consent even if the provider believes it has it.
	AcquirePopup(ctx context.Context, scopes []string, account Account, forceConsent bool) (*TokenResult, error)

	// AcquireRedirect starts a full-page redirect acquisition and returns
	// the authorization URL to navigate to. The response arrives on a later
	// page load and is resolved by CompleteRedirect.
	AcquireRedirect(ctx context.Context, scopes []string) (string, error)

	// CompleteRedirect resolves a pending redirect response from the URL
	// fragment of the landing page. Returns (nil, nil) when the fragment
	// carries no response to resolve.
	CompleteRedirect(ctx context.Context, fragment string) (*TokenResult, error)
}
