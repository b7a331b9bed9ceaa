// Package redirect consumes URL evidence at page load to decide whether the
// page was reached via an enterprise redirect, a third-party OAuth redirect,
// or neither, and resolves the pending enterprise redirect exactly once.
package redirect

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/carevue/authbroker/internal/authstate"
	"github.com/carevue/authbroker/internal/credential"
	"github.com/carevue/authbroker/internal/idp"
	"github.com/carevue/authbroker/internal/log"
)

// Outcome says what the processor found and did.
type Outcome int

const (
	// OutcomeNone means the URL carried no redirect response.
	OutcomeNone Outcome = iota

	// OutcomeEnterprise means an enterprise redirect response was resolved.
	OutcomeEnterprise

	// OutcomeThirdPartyOAuth means a third-party OAuth authorization code is
	// pending. It belongs to the external callback page and is deliberately
	// not resolved here.
	OutcomeThirdPartyOAuth

	// OutcomeError means enterprise redirect resolution itself failed.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEnterprise:
		return "enterprise"
	case OutcomeThirdPartyOAuth:
		return "third_party_oauth"
	case OutcomeError:
		return "error"
	default:
		return "none"
	}
}

// Processor resolves the pending redirect once per page lifetime. A second
// Process call returns the recorded outcome without touching the network or
// the state machine again.
type Processor struct {
	provider idp.Provider
	session  *authstate.Session

	once    sync.Once
	outcome Outcome
}

// NewProcessor creates a processor over the provider and session.
func NewProcessor(provider idp.Provider, session *authstate.Session) *Processor {
	return &Processor{provider: provider, session: session}
}

// Process consumes the page URL and settles the session out of
// ProcessingRedirect. Idempotent within one lifetime.
func (p *Processor) Process(ctx context.Context, pageURL string) Outcome {
	p.once.Do(func() {
		p.session.BeginRedirect()
		p.outcome = p.resolve(ctx, pageURL)
	})
	return p.outcome
}

func (p *Processor) resolve(ctx context.Context, pageURL string) Outcome {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		log.LogWarnWithFields("redirect", "Unparseable page URL, treating as no redirect", map[string]any{
			"error": err.Error(),
		})
		p.session.FinishRedirect(credential.Credential{}, nil)
		return OutcomeNone
	}

	switch {
	case fragmentHasAuthArtifact(parsed.Fragment):
		return p.resolveEnterprise(ctx, parsed.Fragment)

	case parsed.Query().Get("code") != "":
		// A query-string code with no fragment artifact is a third-party
		// OAuth completion. It must not be misread as an enterprise failure.
		log.LogDebugWithFields("redirect", "Third-party OAuth code present, leaving it to the callback page", nil)
		p.session.FinishRedirect(credential.Credential{}, nil)
		return OutcomeThirdPartyOAuth

	default:
		p.session.FinishRedirect(credential.Credential{}, nil)
		return OutcomeNone
	}
}

func (p *Processor) resolveEnterprise(ctx context.Context, fragment string) Outcome {
	result, err := p.provider.CompleteRedirect(ctx, fragment)
	if err != nil {
		log.LogErrorWithFields("redirect", "Enterprise redirect resolution failed", map[string]any{
			"error": err.Error(),
		})
		p.session.FinishRedirect(credential.Credential{}, &authstate.AuthError{
			Code:        authstate.ErrCodeRedirectProcessing,
			Description: err.Error(),
		})
		return OutcomeError
	}
	if result == nil {
		// The fragment looked like a response but carried nothing to
		// resolve. A no-op, not an error.
		p.session.FinishRedirect(credential.Credential{}, nil)
		return OutcomeNone
	}

	p.session.SetAccount(result.Account)
	cred := credential.NewEnterprise(result.AccessToken, result.Scopes, result.ExpiresAt, result.Account.HomeID)
	p.session.FinishRedirect(cred, nil)

	log.LogInfoWithFields("redirect", "Enterprise redirect resolved", map[string]any{
		"account": result.Account.Username,
	})
	return OutcomeEnterprise
}

// fragmentHasAuthArtifact reports whether the URL fragment carries an
// enterprise authorization response: an authorization code or an id-token
// marker delivered in fragment response mode.
func fragmentHasAuthArtifact(fragment string) bool {
	if fragment == "" {
		return false
	}
	values, err := url.ParseQuery(strings.TrimPrefix(fragment, "#"))
	if err != nil {
		return false
	}
	return values.Get("code") != "" || values.Get("id_token") != "" || values.Get("error") != ""
}
