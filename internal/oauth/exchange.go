package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"smartgate/internal/metrics"
	"smartgate/pkg/logging"
	pkgoauth "smartgate/pkg/oauth"
)

const (
	defaultTokenTimeout  = 10 * time.Second
	defaultTokenLifetime = 5 * time.Minute

	// Token type hints from RFC 7009 section 2.1.
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// TokenClientConfig configures a TokenClient.
type TokenClientConfig struct {
	ClientID     string
	ClientSecret string

	// HTTPClient must not follow redirects; see NewHTTPClient.
	HTTPClient *http.Client

	// Timeout bounds each token endpoint call.
	Timeout time.Duration

	// DefaultTokenLifetime is assumed when a response omits expires_in.
	DefaultTokenLifetime time.Duration

	Metrics *metrics.Metrics
}

// TokenClient talks to the token and revocation endpoints. It never retries
// on its own: codes are single-use and refresh tokens rotate.
type TokenClient struct {
	clientID        string
	clientSecret    string
	httpClient      *http.Client
	timeout         time.Duration
	defaultLifetime time.Duration
	metrics         *metrics.Metrics
	now             func() time.Time
}

// NewTokenClient creates a token client.
func NewTokenClient(cfg TokenClientConfig) *TokenClient {
	c := &TokenClient{
		clientID:        cfg.ClientID,
		clientSecret:    cfg.ClientSecret,
		httpClient:      cfg.HTTPClient,
		timeout:         cfg.Timeout,
		defaultLifetime: cfg.DefaultTokenLifetime,
		metrics:         cfg.Metrics,
		now:             time.Now,
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient(nil)
	}
	if c.timeout <= 0 {
		c.timeout = defaultTokenTimeout
	}
	if c.defaultLifetime <= 0 {
		c.defaultLifetime = defaultTokenLifetime
	}
	return c
}

// NewHTTPClient returns a client that reports redirects to the caller instead
// of following them. A token endpoint that redirects no longer matches its
// capability document. base may be nil.
func NewHTTPClient(base *http.Client) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}

// ExchangeCode redeems an authorization code for the attempt that produced
// it. The verifier is checked against the stored challenge before any
// network I/O.
func (c *TokenClient) ExchangeCode(ctx context.Context, code string, attempt *PendingAttempt, caps *CapabilityDocument) (*TokenMaterial, error) {
	if err := pkgoauth.VerifyPKCE(attempt.Verifier.Value(), attempt.Challenge, attempt.ChallengeMethod); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPKCEValidation, err)
	}
	if err := requireSecureURL("token_endpoint", caps.TokenEndpoint); err != nil {
		return nil, err
	}

	conf := c.config(caps)
	conf.RedirectURL = attempt.RedirectURI

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	start := c.now()
	tok, err := conf.Exchange(callCtx, code, oauth2.VerifierOption(attempt.Verifier.Value()))
	c.metrics.ObserveToken(start)
	if err != nil {
		return nil, c.classify(ctx, "code exchange", err)
	}

	material, err := c.material(tok, attempt.RequestedScope, LaunchContext{})
	if err != nil {
		return nil, err
	}
	material.Generation = 1
	logging.Info("OAuth", "Exchanged authorization code %s (scope %q)", logging.Fingerprint(code), material.GrantedScope.String())
	return material, nil
}

// Refresh redeems the refresh token in previous. The result continues the
// same lineage at the next generation; its scope never exceeds previous.
func (c *TokenClient) Refresh(ctx context.Context, previous *TokenMaterial, caps *CapabilityDocument) (*TokenMaterial, error) {
	if !previous.CanRefresh() {
		return nil, fmt.Errorf("%w: no refresh token", ErrReauthorizationRequired)
	}
	if err := requireSecureURL("token_endpoint", caps.TokenEndpoint); err != nil {
		return nil, err
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	// A token carrying only the refresh token is never valid, so the source
	// always performs exactly one refresh_token grant.
	src := c.config(caps).TokenSource(callCtx, &oauth2.Token{RefreshToken: previous.RefreshToken.Value()})

	start := c.now()
	tok, err := src.Token()
	c.metrics.ObserveToken(start)
	if err != nil {
		return nil, c.classify(ctx, "refresh", err)
	}

	material, err := c.material(tok, previous.GrantedScope, previous.Launch)
	if err != nil {
		return nil, err
	}
	if material.RefreshToken.IsEmpty() {
		material.RefreshToken = previous.RefreshToken
	}
	material.Lineage = previous.Lineage
	material.Generation = previous.Generation + 1
	return material, nil
}

// Revoke asks the server to revoke token (RFC 7009). Servers without a
// revocation endpoint are skipped.
func (c *TokenClient) Revoke(ctx context.Context, caps *CapabilityDocument, token RedactedToken, hint string) error {
	if token.IsEmpty() {
		return nil
	}
	if !caps.SupportsRevocation() {
		logging.Debug("OAuth", "Issuer %s has no revocation endpoint, skipping revocation", caps.Issuer)
		return nil
	}
	if err := requireSecureURL("revocation_endpoint", caps.RevocationEndpoint); err != nil {
		return err
	}

	form := url.Values{"token": {token.Value()}}
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	if c.clientSecret == "" {
		form.Set("client_id", c.clientID)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, caps.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.clientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: "revoke", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
	}
	logging.Debug("OAuth", "Revoked %s %s", hint, token.Fingerprint())
	return nil
}

func (c *TokenClient) config(caps *CapabilityDocument) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if c.clientSecret != "" {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   caps.AuthorizationEndpoint,
			TokenURL:  caps.TokenEndpoint,
			AuthStyle: style,
		},
	}
}

func (c *TokenClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.timeout)
}

// classify maps an x/oauth2 error onto the error taxonomy. parent is the
// caller's context, used to tell cancellation apart from our own timeout.
func (c *TokenClient) classify(parent context.Context, op string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		switch {
		case status >= 300 && status < 400:
			logging.Warn("OAuth", "Token endpoint answered %s with a redirect (status %d)", op, status)
			return fmt.Errorf("%s: %w", op, ErrEndpointMismatch)
		case status == http.StatusTooManyRequests || status >= 500:
			return &TransientError{Op: op, Err: fmt.Errorf("status %d", status)}
		}
		code := rErr.ErrorCode
		if code == "" {
			code = pkgoauth.ErrorInvalidRequest
		}
		return &TokenError{Code: code, Description: rErr.ErrorDescription, StatusCode: status}
	}

	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", op, context.Cause(parent))
	}
	return &TransientError{Op: op, Err: err}
}

// material converts a token response. bound is the scope the grant may not
// exceed; inherited is the launch context carried over on refresh.
func (c *TokenClient) material(tok *oauth2.Token, bound ScopeSet, inherited LaunchContext) (*TokenMaterial, error) {
	if !strings.EqualFold(tok.Type(), "bearer") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTokenType, tok.TokenType)
	}

	now := c.now()
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(c.defaultLifetime)
	}

	granted := bound
	if raw, _ := tok.Extra("scope").(string); strings.TrimSpace(raw) != "" {
		returned := ParseScopeSet(raw)
		granted = returned.Intersect(bound)
		if len(granted) != len(returned) {
			logging.Warn("OAuth", "Server granted scopes beyond the request, ignoring them (granted %q, allowed %q)", raw, bound.String())
		}
	}

	return &TokenMaterial{
		AccessToken:  NewRedactedToken(tok.AccessToken),
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		IssuedAt:     now,
		RefreshToken: NewRedactedToken(tok.RefreshToken),
		GrantedScope: NewScopeSet(granted...),
		Launch:       launchContext(tok, inherited),
	}, nil
}

func launchContext(tok *oauth2.Token, lc LaunchContext) LaunchContext {
	if v, ok := tok.Extra("patient").(string); ok && v != "" {
		lc.Patient = v
	}
	if v, ok := tok.Extra("encounter").(string); ok && v != "" {
		lc.Encounter = v
	}
	switch v := tok.Extra("need_patient_banner").(type) {
	case bool:
		lc.NeedPatientBanner = v
	case string:
		lc.NeedPatientBanner = v == "true"
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		if user := fhirUserFromIDToken(idToken); user != "" {
			lc.FHIRUser = user
		}
	}
	return lc
}

// fhirUserFromIDToken reads the fhirUser claim without verifying the
// signature. The id_token was received over TLS directly from the token
// endpoint.
func fhirUserFromIDToken(idToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		logging.Debug("OAuth", "Ignoring unparseable id_token: %v", err)
		return ""
	}
	for _, key := range []string{"fhirUser", "profile"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
