package authstate

import (
	"testing"
	"time"

	"github.com/carevue/authbroker/internal/credential"
	"github.com/carevue/authbroker/internal/idp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enterpriseCred() credential.Credential {
	return credential.NewEnterprise("tok-e", []string{"scopeA"}, time.Now().Add(time.Hour), "home-1")
}

func TestSession_InitialState(t *testing.T) {
	s := NewSession()
	assert.Equal(t, Initializing, s.State())
	assert.True(t, s.State().Pending())
	assert.True(t, s.Credential().Zero())
	assert.Nil(t, s.Profile())
	assert.Nil(t, s.Err())
}

func TestSession_RedirectSettlement(t *testing.T) {
	t.Run("credential present settles authenticated", func(t *testing.T) {
		s := NewSession()
		s.BeginRedirect()
		assert.Equal(t, ProcessingRedirect, s.State())

		s.FinishRedirect(enterpriseCred(), nil)
		assert.Equal(t, Authenticated, s.State())

		select {
		case <-s.Ready():
		default:
			t.Fatal("ready channel must be closed after redirect settlement")
		}
	})

	t.Run("no credential settles unauthenticated", func(t *testing.T) {
		s := NewSession()
		s.BeginRedirect()
		s.FinishRedirect(credential.Credential{}, nil)
		assert.Equal(t, Unauthenticated, s.State())
		assert.Nil(t, s.Err())
	})

	t.Run("resolution failure settles error", func(t *testing.T) {
		s := NewSession()
		s.BeginRedirect()
		s.FinishRedirect(credential.Credential{}, &AuthError{Code: ErrCodeRedirectProcessing})
		assert.Equal(t, Error, s.State())
		require.NotNil(t, s.Err())
	})
}

func TestSession_InvalidTransitionsRefused(t *testing.T) {
	t.Run("cannot authenticate before redirect settles", func(t *testing.T) {
		s := NewSession()
		s.SignedIn(enterpriseCred())
		assert.Equal(t, Initializing, s.State())
	})

	t.Run("cannot return to processing redirect", func(t *testing.T) {
		s := NewSession()
		s.BeginRedirect()
		s.FinishRedirect(credential.Credential{}, nil)
		s.BeginRedirect()
		assert.Equal(t, Unauthenticated, s.State())
	})
}

func TestSession_EnterpriseCredentialWins(t *testing.T) {
	s := NewSession()
	s.BeginRedirect()
	s.FinishRedirect(enterpriseCred(), nil)

	// An internal token arriving while an enterprise credential is current
	// must not displace it.
	s.Adopt(credential.NewInternal("internal-session"))
	assert.Equal(t, credential.KindEnterprise, s.Credential().Kind)
	assert.Equal(t, "tok-e", s.Credential().Token)
}

func TestSession_ConsentFlag(t *testing.T) {
	s := NewSession()
	s.BeginRedirect()
	s.FinishRedirect(credential.Credential{}, nil)

	assert.False(t, s.MarkConsentAttempt(), "first mark reports not yet attempted")
	assert.True(t, s.MarkConsentAttempt(), "second mark reports already attempted")
	assert.True(t, s.ConsentAttempted())

	t.Run("cleared on fresh successful acquisition", func(t *testing.T) {
		s.SignedIn(enterpriseCred())
		assert.False(t, s.ConsentAttempted())
	})

	t.Run("cleared on sign out", func(t *testing.T) {
		s.MarkConsentAttempt()
		s.SignOut()
		assert.False(t, s.ConsentAttempted())
	})
}

func TestSession_SignOutResetsEverything(t *testing.T) {
	s := NewSession()
	s.BeginRedirect()
	s.FinishRedirect(enterpriseCred(), nil)
	s.SetAccount(idp.Account{HomeID: "home-1", Username: "ada@example.com"})
	s.RecordError(&AuthError{Code: ErrCodeNetwork})

	s.SignOut()

	assert.Equal(t, Unauthenticated, s.State())
	assert.True(t, s.Credential().Zero())
	assert.Nil(t, s.Profile())
	assert.Nil(t, s.Err())
	_, hasAccount := s.Account()
	assert.False(t, hasAccount)
}

func TestSession_TransitionObservers(t *testing.T) {
	s := NewSession()

	var transitions []string
	s.OnTransition(func(from, to State, _ *Session) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	s.BeginRedirect()
	s.FinishRedirect(enterpriseCred(), nil)
	s.SignOut()

	assert.Equal(t, []string{
		"initializing->processing_redirect",
		"processing_redirect->authenticated",
		"authenticated->unauthenticated",
	}, transitions)
}

func TestSession_RecordErrorKeepsState(t *testing.T) {
	s := NewSession()
	s.BeginRedirect()
	s.FinishRedirect(enterpriseCred(), nil)

	s.RecordError(&AuthError{Code: ErrCodeNetwork})
	assert.Equal(t, Authenticated, s.State(), "background failures must not force the error state")
	require.NotNil(t, s.Err())

	s.ClearError()
	assert.Nil(t, s.Err())
}

func TestSession_AcquiringIndicator(t *testing.T) {
	s := NewSession()
	assert.False(t, s.Acquiring())
	s.SetAcquiring(true)
	assert.True(t, s.Acquiring())
	s.SetAcquiring(false)
	assert.False(t, s.Acquiring())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "initializing", Initializing.String())
	assert.Equal(t, "processing_redirect", ProcessingRedirect.String())
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "unauthenticated", Unauthenticated.String())
	assert.Equal(t, "error", Error.String())
}
