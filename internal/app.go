// Package internal assembles the credential acquisition broker: store,
// provider adapter, session, broker, redirect processor, profile resolver,
// and the shared API client.
package internal

import (
	"context"
	"fmt"
	"net/http"

	"github.com/carevue/authbroker/internal/apiclient"
	"github.com/carevue/authbroker/internal/authstate"
	"github.com/carevue/authbroker/internal/broker"
	"github.com/carevue/authbroker/internal/config"
	"github.com/carevue/authbroker/internal/credential"
	"github.com/carevue/authbroker/internal/credstore"
	"github.com/carevue/authbroker/internal/idp"
	"github.com/carevue/authbroker/internal/log"
	"github.com/carevue/authbroker/internal/profile"
	"github.com/carevue/authbroker/internal/redirect"
)

// App is the assembled broker with all dependencies built.
type App struct {
	config    config.Config
	store     credstore.Store
	session   *authstate.Session
	broker    *broker.Broker
	processor *redirect.Processor
	resolver  *profile.Resolver
	client    *http.Client
}

// NewApp builds the broker from config. The interactor drives popup
// acquisitions and may be nil when only silent and redirect flows are used.
func NewApp(ctx context.Context, cfg config.Config, interactor idp.Interactor) (*App, error) {
	if cfg.LogLevel != "" {
		if err := log.SetLevel(cfg.LogLevel); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	log.LogInfoWithFields("app", "Building credential broker", map[string]any{
		"issuer": cfg.Enterprise.IssuerURL,
	})

	provider, err := idp.NewOIDCProvider(ctx, idp.OIDCConfig{
		IssuerURL:    cfg.Enterprise.IssuerURL,
		ClientID:     cfg.Enterprise.ClientID,
		ClientSecret: string(cfg.Enterprise.ClientSecret),
		RedirectURI:  cfg.Enterprise.RedirectURI,
		Interactor:   interactor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build enterprise provider: %w", err)
	}

	store := credstore.NewMemoryStore()
	session := authstate.NewSession()
	resolver := profile.NewResolver(cfg.ProfileEndpoint)

	app := &App{
		config:    cfg,
		store:     store,
		session:   session,
		broker:    broker.New(provider, store, session),
		processor: redirect.NewProcessor(provider, session),
		resolver:  resolver,
	}

	// Resolve the profile on every entry into Authenticated so a signed-in
	// user is never without one.
	session.OnTransition(func(from, to authstate.State, s *authstate.Session) {
		if to != authstate.Authenticated {
			return
		}
		cred := s.Credential()
		if s.Profile() == nil || resolver.NeedsResolve(cred) {
			s.SetProfile(resolver.Resolve(context.Background(), cred))
		}
	})

	app.client = apiclient.NewClient(app.broker.TokenGetter())

	return app, nil
}

// ProcessStartup resolves any pending redirect carried by the page URL and
// settles the session into a rest state. Must run before token requests.
func (a *App) ProcessStartup(ctx context.Context, pageURL string) redirect.Outcome {
	return a.processor.Process(ctx, pageURL)
}

// AccessToken produces a token for the requested scopes; see
// broker.Broker.AccessToken for the contract.
func (a *App) AccessToken(ctx context.Context, scopes []string) (string, error) {
	return a.broker.AccessToken(ctx, scopes)
}

// RequireAccessToken is the user-intended-action variant: exhaustion with a
// recorded failure forces the Error state.
func (a *App) RequireAccessToken(ctx context.Context, scopes []string) (string, error) {
	return a.broker.RequireAccessToken(ctx, scopes)
}

// SignInRedirectURL starts a full-page redirect sign-in.
func (a *App) SignInRedirectURL(ctx context.Context) (string, error) {
	return a.broker.SignInRedirect(ctx, a.config.Enterprise.Scopes)
}

// CompleteInternalSignIn records a session token issued by an alternate
// sign-in path (email/password, third-party OAuth callback page).
func (a *App) CompleteInternalSignIn(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("internal session token must not be empty")
	}
	if err := a.store.Set(ctx, token); err != nil {
		return fmt.Errorf("failed to store internal session token: %w", err)
	}
	a.session.SignedIn(credential.NewInternal(token))
	return nil
}

// SignOut clears every credential source and resets the session.
func (a *App) SignOut(ctx context.Context) error {
	return a.broker.SignOut(ctx)
}

// Profile returns the resolved profile, re-resolving when the credential
// kind changed since the last resolution.
func (a *App) Profile(ctx context.Context) *profile.Profile {
	cred := a.session.Credential()
	if cred.Zero() {
		return nil
	}
	if p := a.session.Profile(); p != nil && !a.resolver.NeedsResolve(cred) {
		return p
	}
	p := a.resolver.Resolve(ctx, cred)
	a.session.SetProfile(p)
	return p
}

// Session exposes the externally observable authentication state.
func (a *App) Session() *authstate.Session {
	return a.session
}

// HTTPClient is the shared API client with the token getter installed.
func (a *App) HTTPClient() *http.Client {
	return a.client
}
