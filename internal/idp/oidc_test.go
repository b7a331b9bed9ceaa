package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeIssuer serves a minimal OIDC discovery document plus a configurable
// token endpoint.
func fakeIssuer(t *testing.T, tokenHandler http.HandlerFunc) *httptest.Server {
	t.Helper()

	var issuerURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 issuerURL,
			"authorization_endpoint": issuerURL + "/authorize",
			"token_endpoint":         issuerURL + "/token",
			"jwks_uri":               issuerURL + "/keys",
		})
	})
	if tokenHandler != nil {
		mux.HandleFunc("/token", tokenHandler)
	}

	server := httptest.NewServer(mux)
	issuerURL = server.URL
	t.Cleanup(server.Close)
	return server
}

func newTestProvider(t *testing.T, tokenHandler http.HandlerFunc) *OIDCProvider {
	t.Helper()

	server := fakeIssuer(t, tokenHandler)
	provider, err := NewOIDCProvider(context.Background(), OIDCConfig{
		IssuerURL:   server.URL,
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/auth/callback",
	})
	require.NoError(t, err)
	return provider
}

func TestNewOIDCProvider_RequiresIssuerAndClient(t *testing.T) {
	_, err := NewOIDCProvider(context.Background(), OIDCConfig{ClientID: "client-1"})
	require.Error(t, err)

	_, err = NewOIDCProvider(context.Background(), OIDCConfig{IssuerURL: "https://login.example.com"})
	require.Error(t, err)
}

func TestNewOIDCProvider_DiscoveryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewOIDCProvider(context.Background(), OIDCConfig{
		IssuerURL: server.URL,
		ClientID:  "client-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery")
}

func TestAcquireSilent_NoCachedSessionIsLoginRequired(t *testing.T) {
	provider := newTestProvider(t, nil)

	_, err := provider.AcquireSilent(context.Background(), []string{"scopeA"}, Account{
		HomeID:   "home-1",
		Username: "ada@example.com",
	})
	require.Error(t, err)
	assert.Equal(t, CodeLoginRequired, ErrorCode(err))
}

func TestAcquireSilent_TranslatesTokenEndpointError(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "interaction_required",
			"error_description": "AADSTS50076: multi-factor authentication required",
		})
	})
	provider.refreshTokens["home-1"] = "refresh-1"

	_, err := provider.AcquireSilent(context.Background(), []string{"scopeA"}, Account{HomeID: "home-1"})
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeInteractionRequired, pe.Code)
	assert.Contains(t, pe.Description, "AADSTS50076")
}

func TestAcquireSilent_Success(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok-silent",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "refresh-2",
			"scope":         "openid profile scopeA",
		})
	})
	provider.refreshTokens["home-1"] = "refresh-1"

	result, err := provider.AcquireSilent(context.Background(), []string{"scopeA"}, Account{HomeID: "home-1"})
	require.NoError(t, err)
	assert.Equal(t, "tok-silent", result.AccessToken)
	assert.Equal(t, []string{"openid", "profile", "scopeA"}, result.Scopes)
	assert.Equal(t, "refresh-2", provider.refreshTokens["home-1"], "rotated refresh token must replace the old one")
}

func TestAcquirePopup_RequiresInteractor(t *testing.T) {
	provider := newTestProvider(t, nil)

	_, err := provider.AcquirePopup(context.Background(), nil, Account{}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interactor")
}

type fakeInteractor struct {
	authorize func(ctx context.Context, authURL string) (string, error)
}

func (f *fakeInteractor) Authorize(ctx context.Context, authURL string) (string, error) {
	return f.authorize(ctx, authURL)
}

func TestAcquirePopup_ForceConsentPrompts(t *testing.T) {
	var gotAuthURL string
	provider := newTestProvider(t, nil)
	provider.interactor = &fakeInteractor{
		authorize: func(ctx context.Context, authURL string) (string, error) {
			gotAuthURL = authURL
			return "", errors.New("window closed")
		},
	}

	_, err := provider.AcquirePopup(context.Background(), []string{"scopeA"}, Account{Username: "ada@example.com"}, true)
	require.Error(t, err)

	parsed, err := url.Parse(gotAuthURL)
	require.NoError(t, err)
	query := parsed.Query()
	assert.Equal(t, "consent", query.Get("prompt"))
	assert.Equal(t, "ada@example.com", query.Get("login_hint"))
	assert.Contains(t, query.Get("scope"), "scopeA")
	assert.Contains(t, query.Get("scope"), "offline_access")
}

func TestAcquirePopup_ProviderErrorInCallback(t *testing.T) {
	provider := newTestProvider(t, nil)
	provider.interactor = &fakeInteractor{
		authorize: func(ctx context.Context, authURL string) (string, error) {
			parsed, err := url.Parse(authURL)
			require.NoError(t, err)
			state := parsed.Query().Get("state")
			return "https://app.example.com/auth/callback?error=consent_required&error_description=needs+admin&state=" + state, nil
		},
	}

	_, err := provider.AcquirePopup(context.Background(), nil, Account{}, false)
	require.Error(t, err)
	assert.Equal(t, CodeConsentRequired, ErrorCode(err))
}

func TestAcquireRedirect_BuildsFragmentModeURL(t *testing.T) {
	provider := newTestProvider(t, nil)

	authURL, err := provider.AcquireRedirect(context.Background(), []string{"scopeA"})
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	query := parsed.Query()
	assert.Equal(t, "client-1", query.Get("client_id"))
	assert.Equal(t, "fragment", query.Get("response_mode"))
	assert.NotEmpty(t, query.Get("state"))
	assert.NotEmpty(t, query.Get("nonce"))
	assert.Equal(t, query.Get("state"), provider.pendingState)
}

func TestCompleteRedirect_NoResponseIsNoOp(t *testing.T) {
	provider := newTestProvider(t, nil)

	t.Run("empty fragment", func(t *testing.T) {
		result, err := provider.CompleteRedirect(context.Background(), "")
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("fragment without authorization response", func(t *testing.T) {
		result, err := provider.CompleteRedirect(context.Background(), "#section-billing")
		require.NoError(t, err)
		assert.Nil(t, result)
	})
}

func TestCompleteRedirect_ProviderError(t *testing.T) {
	provider := newTestProvider(t, nil)

	_, err := provider.CompleteRedirect(context.Background(), "#error=access_denied&error_description=user+cancelled")
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "access_denied", pe.Code)
	assert.Equal(t, "user cancelled", pe.Description)
}

func TestCompleteRedirect_StateMismatch(t *testing.T) {
	provider := newTestProvider(t, nil)

	_, err := provider.AcquireRedirect(context.Background(), nil)
	require.NoError(t, err)

	_, err = provider.CompleteRedirect(context.Background(), "#code=abc&state=forged")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state mismatch")
}

func TestAuthorizationCode(t *testing.T) {
	t.Run("extracts code when state matches", func(t *testing.T) {
		code, err := authorizationCode(url.Values{"code": {"abc"}, "state": {"s1"}}, "s1")
		require.NoError(t, err)
		assert.Equal(t, "abc", code)
	})

	t.Run("state mismatch", func(t *testing.T) {
		_, err := authorizationCode(url.Values{"code": {"abc"}, "state": {"other"}}, "s1")
		require.Error(t, err)
	})

	t.Run("missing code", func(t *testing.T) {
		_, err := authorizationCode(url.Values{"state": {"s1"}}, "s1")
		require.Error(t, err)
	})
}

func TestRequestScopes(t *testing.T) {
	merged := requestScopes([]string{"scopeA", "OpenID"})
	assert.Contains(t, merged, "openid")
	assert.Contains(t, merged, "offline_access")
	assert.Contains(t, merged, "scopeA")
	assert.Equal(t, 1, countOf(merged, "openid"), "openid must not be duplicated")
}

func countOf(values []string, want string) int {
	n := 0
	for _, v := range values {
		if v == want {
			n++
		}
	}
	return n
}

func TestTranslateRetrieveError(t *testing.T) {
	t.Run("structured oauth error", func(t *testing.T) {
		err := translateRetrieveError(&oauth2.RetrieveError{
			ErrorCode:        "consent_required",
			ErrorDescription: "admin approval needed",
		})
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, CodeConsentRequired, pe.Code)
	})

	t.Run("http failure without oauth body", func(t *testing.T) {
		err := translateRetrieveError(&oauth2.RetrieveError{Body: []byte("bad gateway")})
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "server_error", pe.Code)
		assert.Equal(t, "bad gateway", pe.Description)
	})

	t.Run("unrelated error passes through", func(t *testing.T) {
		underlying := errors.New("dial tcp: connection refused")
		assert.Equal(t, underlying, translateRetrieveError(underlying))
	})
}
