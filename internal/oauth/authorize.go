package oauth

import (
	"slices"
	"sync/atomic"

	"golang.org/x/oauth2"

	"smartgate/internal/metrics"
	"smartgate/pkg/logging"
)

// RedirectAllowlist is the set of registered redirect URIs. It can be
// replaced at runtime while requests are being served.
type RedirectAllowlist struct {
	uris atomic.Pointer[[]string]
}

// NewRedirectAllowlist creates an allowlist holding uris.
func NewRedirectAllowlist(uris []string) *RedirectAllowlist {
	a := &RedirectAllowlist{}
	a.Update(uris)
	return a
}

// Update replaces the allowed URIs.
func (a *RedirectAllowlist) Update(uris []string) {
	list := slices.Clone(uris)
	a.uris.Store(&list)
}

// Allowed reports whether uri exactly matches a registered URI.
func (a *RedirectAllowlist) Allowed(uri string) bool {
	list := a.uris.Load()
	return list != nil && slices.Contains(*list, uri)
}

// RequestBuilder builds authorization redirect URLs.
type RequestBuilder struct {
	allowlist *RedirectAllowlist
	metrics   *metrics.Metrics
}

// NewRequestBuilder creates a builder checking redirect URIs against allowlist.
func NewRequestBuilder(allowlist *RedirectAllowlist, m *metrics.Metrics) *RequestBuilder {
	return &RequestBuilder{allowlist: allowlist, metrics: m}
}

// CheckRedirect returns an *UntrustedRedirectError unless uri is registered.
func (b *RequestBuilder) CheckRedirect(uri string) error {
	if b.allowlist.Allowed(uri) {
		return nil
	}
	b.metrics.SecurityEvent("untrusted_redirect")
	logging.Security("untrusted_redirect", "Rejected authorization request with unregistered redirect uri %q", uri)
	return &UntrustedRedirectError{URI: uri}
}

// BuildRedirect returns the authorization endpoint URL for attempt. The URL
// carries the challenge but never the verifier.
func (b *RequestBuilder) BuildRedirect(attempt *PendingAttempt, caps *CapabilityDocument, clientID string) (string, error) {
	if err := b.CheckRedirect(attempt.RedirectURI); err != nil {
		return "", err
	}
	if err := requireSecureURL("authorization_endpoint", caps.AuthorizationEndpoint); err != nil {
		return "", err
	}

	conf := &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    oauth2.Endpoint{AuthURL: caps.AuthorizationEndpoint},
		RedirectURL: attempt.RedirectURI,
		Scopes:      attempt.RequestedScope,
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("aud", attempt.Issuer),
		oauth2.SetAuthURLParam("code_challenge", attempt.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", attempt.ChallengeMethod),
	}
	if attempt.LaunchToken != "" {
		opts = append(opts, oauth2.SetAuthURLParam("launch", attempt.LaunchToken))
	}

	return conf.AuthCodeURL(attempt.Marker, opts...), nil
}
