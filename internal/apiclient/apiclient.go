// Package apiclient is the outward token-getter surface: a bearer-token
// RoundTripper every outgoing API request goes through, so call sites never
// re-implement broker logic.
package apiclient

import (
	"context"
	"net/http"

	"github.com/carevue/authbroker/internal/log"
)

// TokenGetter produces an access token for an outgoing request, or the
// empty string when the caller is unauthenticated.
type TokenGetter func(ctx context.Context) (string, error)

// Transport attaches a bearer token to each request. Requests proceed
// without an Authorization header when no token is available; the backend
// decides what anonymous callers may do.
type Transport struct {
	Getter TokenGetter
	Base   http.RoundTripper
}

var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip implements http.RoundTripper. The request is cloned before
// mutation, per the RoundTripper contract.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if t.Getter == nil {
		return base.RoundTrip(req)
	}

	token, err := t.Getter(req.Context())
	if err != nil {
		return nil, err
	}
	if token == "" {
		log.LogDebugWithFields("apiclient", "No token available, sending request unauthenticated", map[string]any{
			"url": req.URL.Redacted(),
		})
		return base.RoundTrip(req)
	}

	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(authed)
}

// NewClient returns the shared API client with the token getter installed.
func NewClient(getter TokenGetter) *http.Client {
	return &http.Client{
		Transport: &Transport{Getter: getter},
	}
}
