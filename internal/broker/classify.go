package broker

import (
	"strings"

	"github.com/carevue/authbroker/internal/idp"
)

// Class is the classification of a provider failure. Every error maps to
// exactly one class.
type Class int

const (
	// ClassOther is everything that is not one of the named classes.
	ClassOther Class = iota

	// ClassConsentRequired means the user or an administrator has not
	// granted the requested scopes.
	ClassConsentRequired

	// ClassInteractionRequired means the provider needs the user to sign in
	// or otherwise interact before it will issue a token.
	ClassInteractionRequired

	// ClassIframeTimeout means the hidden-frame silent exchange never
	// answered. An environment failure, not a permission failure.
	ClassIframeTimeout
)

func (c Class) String() string {
	switch c {
	case ClassConsentRequired:
		return "consent_required"
	case ClassInteractionRequired:
		return "interaction_required"
	case ClassIframeTimeout:
		return "iframe_timeout"
	default:
		return "other"
	}
}

// Classify maps a provider failure onto the consent-error taxonomy. The
// structured error code wins; substring matching on the message is a
// fallback for provider failures that surface only as strings.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}

	switch idp.ErrorCode(err) {
	case idp.CodeConsentRequired:
		return ClassConsentRequired
	case idp.CodeInteractionRequired, idp.CodeLoginRequired:
		return ClassInteractionRequired
	case idp.CodeIframeTimeout:
		return ClassIframeTimeout
	case "":
		// No structured code, fall through to message matching.
	default:
		return ClassOther
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, idp.CodeConsentRequired):
		return ClassConsentRequired
	case strings.Contains(msg, idp.CodeInteractionRequired), strings.Contains(msg, idp.CodeLoginRequired):
		return ClassInteractionRequired
	case strings.Contains(msg, idp.CodeIframeTimeout):
		return ClassIframeTimeout
	default:
		return ClassOther
	}
}
