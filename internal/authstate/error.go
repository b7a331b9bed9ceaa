package authstate

import "fmt"

// ErrorCode classifies an authentication failure recorded on the session.
type ErrorCode string

const (
	ErrCodeConsentRequired     ErrorCode = "consent_required"
	ErrCodeInteractionRequired ErrorCode = "interaction_required"
	ErrCodeIframeTimeout       ErrorCode = "iframe_timeout"
	ErrCodeNetwork             ErrorCode = "network_error"
	ErrCodeRedirectProcessing  ErrorCode = "redirect_processing_error"
)

// AuthError is a classified authentication failure. Remediation carries
// operator-facing guidance for failures that need human action.
type AuthError struct {
	Code        ErrorCode `json:"code"`
	Description string    `json:"description,omitempty"`
	Remediation string    `json:"remediation,omitempty"`
}

func (e *AuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return string(e.Code)
}

// NewConsentError builds the remediation-bearing error surfaced once the
// single interactive consent retry has been consumed.
func NewConsentError(description string) *AuthError {
	return &AuthError{
		Code:        ErrCodeConsentRequired,
		Description: description,
		Remediation: "Consent was not granted. Ask your administrator to approve the application's requested permissions, then sign in again.",
	}
}

// NewInteractionError builds the remediation-bearing error for an exhausted
// interaction-required failure.
func NewInteractionError(description string) *AuthError {
	return &AuthError{
		Code:        ErrCodeInteractionRequired,
		Description: description,
		Remediation: "The identity provider requires you to sign in again.",
	}
}
