package authstate

import (
	"sync"

	"github.com/carevue/authbroker/internal/credential"
	"github.com/carevue/authbroker/internal/idp"
	"github.com/carevue/authbroker/internal/log"
	"github.com/carevue/authbroker/internal/profile"
)

// TransitionFunc observes state transitions. Observers run after the
// transition is committed, without the session lock held.
type TransitionFunc func(from, to State, s *Session)

// Session is the externally visible authentication aggregate. It is the only
// mutable shared state besides the consent flag it carries; every mutation
// goes through a method that holds the lock.
type Session struct {
	mu sync.Mutex

	state   State
	cred    credential.Credential
	profile *profile.Profile
	authErr *AuthError

	account    idp.Account
	hasAccount bool

	// consentAttempted records that the one interactive consent retry for
	// this sign-in has been spent. Cleared only on a fresh successful
	// acquisition or explicit sign-out.
	consentAttempted bool

	acquiring bool

	ready     chan struct{}
	readyOnce sync.Once

	observers []TransitionFunc
}

// NewSession creates a session in Initializing.
func NewSession() *Session {
	return &Session{
		state: Initializing,
		ready: make(chan struct{}),
	}
}

// OnTransition registers a transition observer.
func (s *Session) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Credential returns the current credential, which may be the zero value.
func (s *Session) Credential() credential.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// Profile returns the resolved profile, or nil.
func (s *Session) Profile() *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Err returns the recorded authentication error, or nil.
func (s *Session) Err() *AuthError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authErr
}

// Account returns the enterprise account context, if one is present.
func (s *Session) Account() (idp.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account, s.hasAccount
}

// SetAccount records the enterprise account context.
func (s *Session) SetAccount(account idp.Account) {
	s.mu.Lock()
	s.account = account
	s.hasAccount = true
	s.mu.Unlock()
}

// Ready returns a channel closed once redirect processing has settled and
// the session is in a rest state. Token requests wait on this.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// SetAcquiring flips the in-progress indicator callers use to avoid
// redundant work while the broker runs the enterprise ladder.
func (s *Session) SetAcquiring(v bool) {
	s.mu.Lock()
	s.acquiring = v
	s.mu.Unlock()
}

// Acquiring reports whether a token acquisition is in progress.
func (s *Session) Acquiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiring
}

// MarkConsentAttempt sets the consent flag and reports whether it was
// already set, so callers get a test-and-set in one step.
func (s *Session) MarkConsentAttempt() (alreadyAttempted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	already := s.consentAttempted
	s.consentAttempted = true
	return already
}

// ConsentAttempted reports whether the interactive consent retry was spent.
func (s *Session) ConsentAttempted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consentAttempted
}

// RecordError stores a classified failure without forcing a transition.
// Background refresh failures that leave a usable credential land here.
func (s *Session) RecordError(err *AuthError) {
	s.mu.Lock()
	s.authErr = err
	s.mu.Unlock()
}

// ClearError removes the recorded failure.
func (s *Session) ClearError() {
	s.mu.Lock()
	s.authErr = nil
	s.mu.Unlock()
}

// BeginRedirect moves Initializing -> ProcessingRedirect.
func (s *Session) BeginRedirect() {
	s.transition(ProcessingRedirect, nil)
}

// FinishRedirect settles redirect processing: Authenticated when a
// credential came out of it, Error when resolution itself failed, and
// Unauthenticated otherwise.
func (s *Session) FinishRedirect(cred credential.Credential, err *AuthError) {
	switch {
	case err != nil:
		s.transition(Error, func() { s.authErr = err })
	case !cred.Zero():
		s.transition(Authenticated, func() {
			s.adoptLocked(cred)
			s.authErr = nil
		})
	default:
		s.transition(Unauthenticated, nil)
	}
	s.readyOnce.Do(func() { close(s.ready) })
}

// SignedIn commits a fresh credential from an explicit sign-in.
func (s *Session) SignedIn(cred credential.Credential) {
	s.transition(Authenticated, func() {
		s.adoptLocked(cred)
		s.authErr = nil
		s.consentAttempted = false
	})
}

// Adopt supersedes the current credential without a state change, e.g. a
// background refresh while already Authenticated.
func (s *Session) Adopt(cred credential.Credential) {
	s.mu.Lock()
	s.adoptLocked(cred)
	s.mu.Unlock()
}

// adoptLocked applies the credential priority rule: an enterprise
// credential strictly wins, so an internal token never displaces one.
func (s *Session) adoptLocked(cred credential.Credential) {
	if s.cred.Kind == credential.KindEnterprise && cred.Kind == credential.KindInternal {
		log.LogDebugWithFields("authstate", "Ignoring internal credential while enterprise credential is current", nil)
		return
	}
	s.cred = cred
	if cred.Kind == credential.KindEnterprise {
		s.consentAttempted = false
	}
}

// SignOut resets the session to Unauthenticated and drops all per-session
// bookkeeping.
func (s *Session) SignOut() {
	s.transition(Unauthenticated, func() {
		s.cred = credential.Credential{}
		s.profile = nil
		s.authErr = nil
		s.consentAttempted = false
		s.account = idp.Account{}
		s.hasAccount = false
	})
}

// Fail moves to Error with the classified failure. Used only when a failure
// blocks a user-intended action; background failures use RecordError.
func (s *Session) Fail(err *AuthError) {
	s.transition(Error, func() { s.authErr = err })
}

// SetProfile stores the resolved profile.
func (s *Session) SetProfile(p *profile.Profile) {
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
}

// transition validates and commits a state change, then notifies observers
// outside the lock.
func (s *Session) transition(to State, apply func()) {
	s.mu.Lock()
	from := s.state
	if from == to {
		if apply != nil {
			apply()
		}
		s.mu.Unlock()
		return
	}
	if !transitionAllowed(from, to) {
		log.LogWarnWithFields("authstate", "Refusing invalid state transition", map[string]any{
			"from": from.String(),
			"to":   to.String(),
		})
		s.mu.Unlock()
		return
	}
	s.state = to
	if apply != nil {
		apply()
	}
	observers := make([]TransitionFunc, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	log.LogDebugWithFields("authstate", "State transition", map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})

	for _, fn := range observers {
		fn(from, to, s)
	}
}
