package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/carevue/authbroker/internal/log"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// silentTimeout bounds the non-interactive exchange. A silent path that
// hangs is reported as an iframe timeout so the broker escalates instead of
// blocking the caller.
const silentTimeout = 10 * time.Second

// baseScopes are always requested alongside the caller's resource scopes.
var baseScopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}

// Interactor performs the user-visible part of an interactive acquisition:
// it presents the authorization URL (popup, system browser, ...) and returns
// the callback URL the provider redirected to.
type Interactor interface {
	Authorize(ctx context.Context, authURL string) (callbackURL string, err error)
}

// OIDCConfig configures the enterprise provider adapter.
type OIDCConfig struct {
	// IssuerURL is used for OIDC discovery.
	IssuerURL string

	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Interactor drives popup acquisitions. Required for AcquirePopup.
	Interactor Interactor

	// HTTPClient overrides the client used for discovery and exchanges.
	HTTPClient *http.Client
}

// OIDCProvider implements Provider against any OIDC-compliant enterprise
// identity provider.
type OIDCProvider struct {
	config     oauth2.Config
	verifier   *oidc.IDTokenVerifier
	interactor Interactor
	httpClient *http.Client

	mu            sync.Mutex
	refreshTokens map[string]string // account home ID -> refresh token
	pendingState  string
	pendingNonce  string
}

var _ Provider = (*OIDCProvider)(nil)

// NewOIDCProvider discovers the issuer's endpoints and builds the adapter.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("issuerUrl and clientId are required")
	}

	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed OIDC discovery for %s: %w", cfg.IssuerURL, err)
	}

	return &OIDCProvider{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     provider.Endpoint(),
		},
		verifier:      provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		interactor:    cfg.Interactor,
		httpClient:    cfg.HTTPClient,
		refreshTokens: make(map[string]string),
	}, nil
}

// AcquireSilent redeems the account's refresh token. Without one there is no
// silent path and the provider reports login_required.
func (p *OIDCProvider) AcquireSilent(ctx context.Context, scopes []string, account Account) (*TokenResult, error) {
	p.mu.Lock()
	refreshToken := p.refreshTokens[account.HomeID]
	p.mu.Unlock()

	if refreshToken == "" {
		return nil, &ProviderError{
			Code:        CodeLoginRequired,
			Description: "no cached session for account " + account.Username,
		}
	}

	ctx, cancel := context.WithTimeout(p.clientContext(ctx), silentTimeout)
	defer cancel()

	cfg := p.config
	cfg.Scopes = requestScopes(scopes)

	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProviderError{
				Code:        CodeIframeTimeout,
				Description: "silent token exchange timed out",
			}
		}
		return nil, translateRetrieveError(err)
	}

	return p.buildResult(ctx, token, scopes, account)
}

// AcquirePopup runs the authorization-code flow through the interactor.
func (p *OIDCProvider) AcquirePopup(ctx context.Context, scopes []string, account Account, forceConsent bool) (*TokenResult, error) {
	if p.interactor == nil {
		return nil, fmt.Errorf("no interactor configured for popup acquisition")
	}

	state := uuid.NewString()
	nonce := uuid.NewString()

	opts := []oauth2.AuthCodeOption{oidc.Nonce(nonce)}
	if forceConsent {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	if account.Username != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", account.Username))
	}

	cfg := p.config
	cfg.Scopes = requestScopes(scopes)

	callbackURL, err := p.interactor.Authorize(ctx, cfg.AuthCodeURL(state, opts...))
	if err != nil {
		return nil, fmt.Errorf("interactive authorization failed: %w", err)
	}

	parsed, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}

	code, err := authorizationCode(parsed.Query(), state)
	if err != nil {
		return nil, err
	}

	return p.exchangeCode(ctx, scopes, code, nonce, account)
}

// AcquireRedirect returns the authorization URL for a full-page redirect
// acquisition. The provider answers on the redirect URI with the response in
// the URL fragment, resolved later by CompleteRedirect.
func (p *OIDCProvider) AcquireRedirect(ctx context.Context, scopes []string) (string, error) {
	state := uuid.NewString()
	nonce := uuid.NewString()

	p.mu.Lock()
	p.pendingState = state
	p.pendingNonce = nonce
	p.mu.Unlock()

	cfg := p.config
	cfg.Scopes = requestScopes(scopes)

	return cfg.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("response_mode", "fragment"),
	), nil
}

// CompleteRedirect resolves a redirect response carried in the URL fragment.
// A fragment without an authorization response is a no-op, not an error.
func (p *OIDCProvider) CompleteRedirect(ctx context.Context, fragment string) (*TokenResult, error) {
	if fragment == "" {
		return nil, nil
	}

	values, err := url.ParseQuery(strings.TrimPrefix(fragment, "#"))
	if err != nil {
		return nil, fmt.Errorf("malformed redirect fragment: %w", err)
	}

	if errCode := values.Get("error"); errCode != "" {
		return nil, &ProviderError{Code: errCode, Description: values.Get("error_description")}
	}

	code := values.Get("code")
	if code == "" {
		return nil, nil
	}

	p.mu.Lock()
	state, nonce := p.pendingState, p.pendingNonce
	p.pendingState, p.pendingNonce = "", ""
	p.mu.Unlock()

	if state != "" && values.Get("state") != state {
		return nil, fmt.Errorf("redirect state mismatch")
	}
	if state == "" {
		// Process restarted mid-flow; the nonce check below is skipped too.
		log.LogWarnWithFields("idp", "Completing redirect without pending state", nil)
	}

	return p.exchangeCode(ctx, nil, code, nonce, Account{})
}

// exchangeCode redeems an authorization code and verifies the ID token.
func (p *OIDCProvider) exchangeCode(ctx context.Context, scopes []string, code, nonce string, account Account) (*TokenResult, error) {
	ctx = p.clientContext(ctx)

	cfg := p.config
	cfg.Scopes = requestScopes(scopes)

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, translateRetrieveError(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("token response missing id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("id_token verification failed: %w", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, fmt.Errorf("id_token nonce mismatch")
	}

	var claims struct {
		Subject  string `json:"sub"`
		TenantID string `json:"tid"`
		Username string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode id_token claims: %w", err)
	}

	account = Account{
		HomeID:   claims.Subject,
		TenantID: claims.TenantID,
		Username: claims.Username,
	}

	return p.buildResult(ctx, token, scopes, account)
}

// buildResult converts an oauth2 token into a TokenResult and records the
// refresh token for future silent acquisitions.
func (p *OIDCProvider) buildResult(ctx context.Context, token *oauth2.Token, requested []string, account Account) (*TokenResult, error) {
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	if token.RefreshToken != "" && account.HomeID != "" {
		p.mu.Lock()
		p.refreshTokens[account.HomeID] = token.RefreshToken
		p.mu.Unlock()
	}

	granted := requested
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		granted = strings.Fields(scope)
	}

	return &TokenResult{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
		Scopes:      granted,
		Account:     account,
	}, nil
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	if p.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	return ctx
}

// authorizationCode extracts the code from an authorization response,
// surfacing provider errors and state mismatches.
func authorizationCode(values url.Values, state string) (string, error) {
	if errCode := values.Get("error"); errCode != "" {
		return "", &ProviderError{Code: errCode, Description: values.Get("error_description")}
	}
	if values.Get("state") != state {
		return "", fmt.Errorf("authorization state mismatch")
	}
	code := values.Get("code")
	if code == "" {
		return "", fmt.Errorf("authorization response missing code")
	}
	return code, nil
}

// requestScopes merges the standard OIDC scopes with the caller's.
func requestScopes(scopes []string) []string {
	merged := make([]string, 0, len(baseScopes)+len(scopes))
	merged = append(merged, baseScopes...)
	for _, s := range scopes {
		if !strings.EqualFold(s, oidc.ScopeOpenID) {
			merged = append(merged, s)
		}
	}
	return merged
}

// translateRetrieveError maps oauth2 token-endpoint failures onto the
// structured provider error taxonomy.
func translateRetrieveError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	if re.ErrorCode == "" {
		return &ProviderError{Code: "server_error", Description: string(re.Body)}
	}
	return &ProviderError{Code: re.ErrorCode, Description: re.ErrorDescription}
}
