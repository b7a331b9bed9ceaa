package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/carevue/authbroker/internal/credential"
	"github.com/carevue/authbroker/internal/log"
)

// Resolver fetches profiles with the current credential. It remembers which
// credential kind it last resolved for, so a credential-kind switch forces a
// fresh resolution instead of silently keeping a stale profile.
type Resolver struct {
	endpoint   string
	httpClient *http.Client

	mu       sync.Mutex
	lastKind credential.Kind
}

// NewResolver creates a resolver against the given profile endpoint.
func NewResolver(endpoint string) *Resolver {
	return &Resolver{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NeedsResolve reports whether the credential's kind differs from the one
// the last successful resolution used.
func (r *Resolver) NeedsResolve(cred credential.Credential) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKind != cred.Kind
}

// Resolve returns the profile for the credential. The endpoint is tried
// first; on any failure the credential's embedded claims back a minimal
// profile, so an authenticated user never ends up without one.
func (r *Resolver) Resolve(ctx context.Context, cred credential.Credential) *Profile {
	if p, err := r.fetch(ctx, cred); err == nil {
		r.setLastKind(cred.Kind)
		return p
	} else {
		log.LogWarnWithFields("profile", "Profile endpoint failed, falling back to credential claims", map[string]any{
			"kind":  string(cred.Kind),
			"error": err.Error(),
		})
	}

	p := fromClaims(cred)
	r.setLastKind(cred.Kind)
	return p
}

func (r *Resolver) setLastKind(kind credential.Kind) {
	r.mu.Lock()
	r.lastKind = kind
	r.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context, cred credential.Credential) (*Profile, error) {
	if r.endpoint == "" {
		return nil, fmt.Errorf("no profile endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("profile endpoint returned status %d: %s", resp.StatusCode, body)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode profile response: %w", err)
	}
	if !p.Minimal() {
		return nil, fmt.Errorf("profile endpoint returned an empty profile")
	}

	return &p, nil
}

// fromClaims derives a minimal profile from the credential itself.
func fromClaims(cred credential.Credential) *Profile {
	claims := credential.ExtractClaims(cred)

	p := &Profile{
		ID:       claims.Subject,
		Name:     claims.Name,
		Email:    claims.Email,
		Username: claims.Username,
	}
	if p.ID == "" {
		p.ID = cred.AccountID
	}
	if p.Name == "" && p.Username != "" {
		p.Name = p.Username
	}
	if !p.Minimal() {
		// Opaque internal token with no claims. The session token itself
		// proves authentication, so identify the user generically.
		p.Username = "authenticated-user"
		p.Name = "Authenticated user"
	}
	return p
}
