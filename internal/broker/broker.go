// Package broker orchestrates credential acquisition: single-flight silent
// exchanges, the interactive escalation ladder, consent-retry bookkeeping,
// and the fallback to the internal session token.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/carevue/authbroker/internal/authstate"
	"github.com/carevue/authbroker/internal/credential"
	"github.com/carevue/authbroker/internal/credstore"
	"github.com/carevue/authbroker/internal/idp"
	"github.com/carevue/authbroker/internal/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultWaitCeiling is how long a caller waits on another caller's
	// in-flight exchange before issuing its own. Proceeding independently
	// risks a redundant network call; waiting longer risks a deadlocked UI.
	DefaultWaitCeiling = 5 * time.Second

	// refreshThreshold is how early a cached credential stops being served
	// and a refresh is attempted instead.
	refreshThreshold = 5 * time.Minute
)

// ErrNotInitialized is returned when the broker is used before its
// collaborators are wired. A programming-contract violation, not an
// expected failure mode.
var ErrNotInitialized = errors.New("token broker not initialized")

// Broker produces access tokens for outgoing API calls regardless of which
// sign-in path the user completed.
type Broker struct {
	provider    idp.Provider
	store       credstore.Store
	session     *authstate.Session
	group       singleflight.Group
	waitCeiling time.Duration
}

// Option configures the broker.
type Option func(*Broker)

// WithWaitCeiling overrides the single-flight wait ceiling.
func WithWaitCeiling(d time.Duration) Option {
	return func(b *Broker) {
		b.waitCeiling = d
	}
}

// New creates a broker over the given collaborators.
func New(provider idp.Provider, store credstore.Store, session *authstate.Session, opts ...Option) *Broker {
	b := &Broker{
		provider:    provider,
		store:       store,
		session:     session,
		waitCeiling: DefaultWaitCeiling,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AccessToken returns a valid access token for the requested scopes, or the
// empty string when none can be produced. Expected failures never surface
// as a returned error: they are classified and recorded on the session, and
// the empty string with no recorded error means "not authenticated, proceed
// to sign-in". The returned error is reserved for contract violations and
// caller cancellation.
func (b *Broker) AccessToken(ctx context.Context, scopes []string) (string, error) {
	if b == nil || b.provider == nil || b.store == nil || b.session == nil {
		return "", ErrNotInitialized
	}

	// Redirect processing must settle before any token request is served.
	select {
	case <-b.session.Ready():
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if account, ok := b.session.Account(); ok {
		token, err := b.enterpriseToken(ctx, scopes, account)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
	}

	// Enterprise path absent or terminally exhausted: the internal session
	// token decides. Presence wins; absence means unauthenticated.
	token, err := b.store.Get(ctx)
	if err != nil {
		log.LogErrorWithFields("broker", "Internal token store read failed", map[string]any{
			"error": err.Error(),
		})
		return "", nil
	}
	if token == "" {
		return "", nil
	}

	b.session.Adopt(credential.NewInternal(token))
	return token, nil
}

// RequireAccessToken is AccessToken for user-intended actions: when every
// fallback is exhausted and a failure was recorded, the session is forced
// into the Error state instead of quietly staying where it was.
func (b *Broker) RequireAccessToken(ctx context.Context, scopes []string) (string, error) {
	token, err := b.AccessToken(ctx, scopes)
	if err != nil {
		return "", err
	}
	if token == "" {
		if authErr := b.session.Err(); authErr != nil {
			b.session.Fail(authErr)
		}
	}
	return token, nil
}

// TokenGetter returns the zero-argument getter installed into the shared
// API client so every outgoing request can attach a bearer token.
func (b *Broker) TokenGetter() func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return b.AccessToken(ctx, nil)
	}
}

// SignInRedirect starts a full-page redirect sign-in and returns the URL to
// navigate to.
func (b *Broker) SignInRedirect(ctx context.Context, scopes []string) (string, error) {
	if b == nil || b.provider == nil {
		return "", ErrNotInitialized
	}
	return b.provider.AcquireRedirect(ctx, scopes)
}

// SignOut clears both credential sources and resets the session.
func (b *Broker) SignOut(ctx context.Context) error {
	if err := b.store.Clear(ctx); err != nil {
		return err
	}
	b.session.SignOut()
	return nil
}

// enterpriseToken runs the enterprise ladder: cached credential, silent
// exchange, then interactive escalation. Returns the empty string when the
// path is terminally exhausted; the classified failure is already recorded
// on the session by then.
func (b *Broker) enterpriseToken(ctx context.Context, scopes []string, account idp.Account) (string, error) {
	if cred := b.session.Credential(); cred.Kind == credential.KindEnterprise &&
		cred.HasScopes(scopes) && !cred.ExpiresWithin(refreshThreshold) {
		return cred.Token, nil
	}

	b.session.SetAcquiring(true)
	defer b.session.SetAcquiring(false)

	result, silentErr := b.silentSingleFlight(ctx, scopes, account)
	if silentErr == nil {
		return b.commit(result), nil
	}
	if errors.Is(silentErr, context.Canceled) || errors.Is(silentErr, context.DeadlineExceeded) {
		// Caller abandoned interest; not a provider failure.
		return "", silentErr
	}

	class := Classify(silentErr)
	log.LogDebugWithFields("broker", "Silent acquisition failed", map[string]any{
		"class": class.String(),
		"error": silentErr.Error(),
	})

	var result2 *idp.TokenResult
	var popupErr error

	switch class {
	case ClassIframeTimeout:
		// Environment failure: escalate immediately, no consent forcing and
		// no flag consumption.
		result2, popupErr = b.provider.AcquirePopup(ctx, scopes, account, false)

	case ClassConsentRequired, ClassInteractionRequired:
		if alreadyAttempted := b.session.MarkConsentAttempt(); alreadyAttempted {
			// The one interactive consent retry for this session was spent.
			// Fail without prompting again.
			b.session.RecordError(remediationError(class, silentErr))
			return b.staleOrEmpty(scopes), nil
		}
		result2, popupErr = b.provider.AcquirePopup(ctx, scopes, account, true)

	default:
		result2, popupErr = b.provider.AcquirePopup(ctx, scopes, account, false)
	}

	if popupErr == nil {
		return b.commit(result2), nil
	}

	// Interactive failure is terminal for the enterprise path.
	b.session.RecordError(classifiedError(Classify(popupErr), popupErr))
	return b.staleOrEmpty(scopes), nil
}

// silentSingleFlight collapses concurrent silent exchanges for the same
// (kind, scopes) key onto one underlying call. A waiter that outlives the
// ceiling issues its own exchange rather than blocking indefinitely.
func (b *Broker) silentSingleFlight(ctx context.Context, scopes []string, account idp.Account) (*idp.TokenResult, error) {
	key := acquisitionKey(credential.KindEnterprise, scopes)

	// The shared exchange must not die with whichever caller happened to
	// lead it; its result still populates shared state for the next caller.
	sharedCtx := context.WithoutCancel(ctx)

	ch := b.group.DoChan(key, func() (any, error) {
		return b.provider.AcquireSilent(sharedCtx, scopes, account)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*idp.TokenResult), nil
	case <-time.After(b.waitCeiling):
		log.LogWarnWithFields("broker", "In-flight acquisition exceeded wait ceiling, proceeding independently", map[string]any{
			"ceiling": b.waitCeiling.String(),
		})
		return b.provider.AcquireSilent(ctx, scopes, account)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// commit records a successful enterprise acquisition on the session.
func (b *Broker) commit(result *idp.TokenResult) string {
	cred := credential.NewEnterprise(result.AccessToken, result.Scopes, result.ExpiresAt, result.Account.HomeID)
	b.session.SetAccount(result.Account)
	if b.session.State() == authstate.Authenticated {
		b.session.Adopt(cred)
		b.session.ClearError()
	} else {
		b.session.SignedIn(cred)
	}
	return cred.Token
}

// staleOrEmpty returns a still-valid cached credential after a failed
// refresh. A background failure that leaves a usable token must not strand
// the caller; the recorded error stays on the session either way.
func (b *Broker) staleOrEmpty(scopes []string) string {
	cred := b.session.Credential()
	if cred.Kind == credential.KindEnterprise && cred.HasScopes(scopes) &&
		!cred.ExpiresAt.IsZero() && time.Now().Before(cred.ExpiresAt) {
		return cred.Token
	}
	return ""
}

// classifiedError maps a classified failure onto the session error taxonomy.
func classifiedError(class Class, err error) *authstate.AuthError {
	switch class {
	case ClassConsentRequired, ClassInteractionRequired:
		return remediationError(class, err)
	case ClassIframeTimeout:
		return &authstate.AuthError{Code: authstate.ErrCodeIframeTimeout, Description: err.Error()}
	default:
		return &authstate.AuthError{Code: authstate.ErrCodeNetwork, Description: err.Error()}
	}
}

func remediationError(class Class, err error) *authstate.AuthError {
	if class == ClassConsentRequired {
		return authstate.NewConsentError(err.Error())
	}
	return authstate.NewInteractionError(err.Error())
}

func acquisitionKey(kind credential.Kind, scopes []string) string {
	return string(kind) + "|" + strings.Join(scopes, " ")
}
