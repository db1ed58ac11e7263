package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"smartgate/internal/metrics"
	"smartgate/internal/oauth"
	"smartgate/pkg/logging"
	pkgoauth "smartgate/pkg/oauth"
)

const (
	defaultTimeout       = 5 * time.Second
	defaultRetryInterval = 200 * time.Millisecond
	defaultMaxTries      = 3

	// FHIRContentType is the media type of FHIR JSON resources.
	FHIRContentType = "application/fhir+json"

	maxResourceSize = 8 << 20
)

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{0,63}$`)
	resourceIDPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// Resource is a FHIR resource as returned by the record server.
type Resource struct {
	Type string
	ID   string
	Body json.RawMessage
}

// Config wires a Gateway.
type Config struct {
	Tokens        *oauth.TokenManager
	HTTPClient    *http.Client
	Timeout       time.Duration
	RetryInterval time.Duration
	Metrics       *metrics.Metrics
}

// Gateway fetches resources from the record server on behalf of a session.
type Gateway struct {
	tokens        *oauth.TokenManager
	httpClient    *http.Client
	timeout       time.Duration
	retryInterval time.Duration
	maxTries      uint
	metrics       *metrics.Metrics
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	g := &Gateway{
		tokens:        cfg.Tokens,
		httpClient:    cfg.HTTPClient,
		timeout:       cfg.Timeout,
		retryInterval: cfg.RetryInterval,
		maxTries:      defaultMaxTries,
		metrics:       cfg.Metrics,
	}
	if g.httpClient == nil {
		g.httpClient = oauth.NewHTTPClient(nil)
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.retryInterval <= 0 {
		g.retryInterval = defaultRetryInterval
	}
	return g
}

// ParsePath splits a "Type/id" resource path and checks both parts against
// the FHIR grammar.
func ParsePath(resourcePath string) (typ, id string, err error) {
	typ, id, ok := strings.Cut(resourcePath, "/")
	if !ok || !resourceTypePattern.MatchString(typ) || !resourceIDPattern.MatchString(id) || id == "." || id == ".." {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidResourcePath, resourcePath)
	}
	return typ, id, nil
}

// Fetch reads resourcePath from the session's record server. requiredScope
// is the SMART scope the read needs; it is checked locally before any
// network call.
func (g *Gateway) Fetch(ctx context.Context, sessionID, resourcePath, requiredScope string) (res *Resource, err error) {
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeSuccess
		switch {
		case errors.Is(err, ErrScopeOrAuth):
			outcome = metrics.OutcomeDenied
		case err != nil:
			outcome = metrics.OutcomeError
		}
		g.metrics.ObserveResource(start, outcome)
	}()

	typ, id, err := ParsePath(resourcePath)
	if err != nil {
		return nil, err
	}
	required, err := oauth.ParseSMARTScope(requiredScope)
	if err != nil {
		return nil, fmt.Errorf("invalid required scope: %w", err)
	}

	session, err := g.tokens.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Material.GrantedScope.Covers(required) {
		logging.Info("Gateway", "Session %s lacks %s for %s", logging.TruncateSessionID(sessionID), requiredScope, resourcePath)
		return nil, &ScopeOrAuthError{Required: requiredScope, Reason: "scope not granted"}
	}

	token, err := g.tokens.GetValidAccessToken(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	target := session.Issuer + "/" + typ + "/" + id
	resp, body, err := g.get(ctx, target, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if challenge := pkgoauth.ParseWWWAuthenticateFromResponse(resp); challenge.IsInsufficientScope() {
			return nil, &ScopeOrAuthError{Required: requiredScope, Reason: "record server requires " + challenge.Scope}
		}

		logging.Debug("Gateway", "Record server rejected the token for session %s, refreshing", logging.TruncateSessionID(sessionID))
		material, err := g.tokens.ForceRefresh(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		resp, body, err = g.get(ctx, target, material.AccessToken)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			logging.Warn("Gateway", "Record server rejected a freshly refreshed token for session %s, invalidating",
				logging.TruncateSessionID(sessionID))
			if invErr := g.tokens.Invalidate(context.WithoutCancel(ctx), sessionID); invErr != nil {
				logging.Error("Gateway", invErr, "Failed to invalidate session %s", logging.TruncateSessionID(sessionID))
			}
			return nil, &ScopeOrAuthError{Required: requiredScope, Reason: "token rejected after refresh"}
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return decodeResource(typ, id, body)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ScopeOrAuthError{Required: requiredScope, Reason: fmt.Sprintf("record server returned %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &ResourceNotFoundError{Path: resourcePath, Status: resp.StatusCode}
	default:
		return nil, recordServerError(resp.StatusCode, body)
	}
}

// get performs one logical GET, retrying transient failures. The returned
// response body is already drained into the byte slice.
func (g *Gateway) get(ctx context.Context, target string, token oauth.RedactedToken) (*http.Response, []byte, error) {
	type result struct {
		resp *http.Response
		body []byte
	}

	operation := func() (result, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
		if err != nil {
			return result{}, backoff.Permanent(err)
		}
		req.Header.Set("Accept", FHIRContentType)
		req.Header.Set("Authorization", "Bearer "+token.Value())

		resp, err := g.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return result{}, backoff.Permanent(fmt.Errorf("resource fetch: %w", context.Cause(ctx)))
			}
			return result{}, &oauth.TransientError{Op: "resource fetch", Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceSize))
		if err != nil {
			if ctx.Err() != nil {
				return result{}, backoff.Permanent(fmt.Errorf("resource fetch: %w", context.Cause(ctx)))
			}
			return result{}, &oauth.TransientError{Op: "resource fetch", Err: err}
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return result{}, &oauth.TransientError{Op: "resource fetch", Err: recordServerError(resp.StatusCode, body)}
		}
		return result{resp: resp, body: body}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = g.retryInterval

	r, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(g.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Debug("Gateway", "Fetch of %s failed, retrying in %s: %v", target, next, err)
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return r.resp, r.body, nil
}

func decodeResource(typ, id string, body []byte) (*Resource, error) {
	var header struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &header); err != nil {
		return nil, &RecordServerError{Status: http.StatusOK, Code: "invalid-json", Diagnostics: err.Error()}
	}
	if header.ResourceType != typ {
		return nil, &RecordServerError{
			Status:      http.StatusOK,
			Code:        "invalid-resource",
			Diagnostics: fmt.Sprintf("expected %s, got %q", typ, header.ResourceType),
		}
	}
	return &Resource{Type: typ, ID: id, Body: json.RawMessage(body)}, nil
}
