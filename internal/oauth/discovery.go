package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"smartgate/internal/metrics"
	"smartgate/pkg/logging"
	pkgoauth "smartgate/pkg/oauth"
)

const (
	smartConfigurationPath = "/.well-known/smart-configuration"
	oauthMetadataPath      = "/.well-known/oauth-authorization-server"

	defaultDiscoveryTTL     = 24 * time.Hour
	defaultDiscoveryTimeout = 10 * time.Second
	defaultRetryInterval    = 250 * time.Millisecond
	defaultMaxTries         = 3

	// maxDocumentSize bounds the capability document read.
	maxDocumentSize = 1 << 20
)

var (
	errDocumentNotFound = errors.New("capability document not found")
	errMalformed        = errors.New("malformed capability document")
)

// DiscoveryClient fetches and caches capability documents per issuer.
type DiscoveryClient struct {
	httpClient    *http.Client
	cacheTTL      time.Duration
	timeout       time.Duration
	retryInterval time.Duration
	maxTries      uint
	now           func() time.Time
	metrics       *metrics.Metrics

	// Cache (issuer URL -> document) with mutex for thread safety
	mu    sync.RWMutex
	cache map[string]*CapabilityDocument

	// singleflight group to deduplicate concurrent fetches per issuer
	group singleflight.Group
}

// DiscoveryOption configures a DiscoveryClient.
type DiscoveryOption func(*DiscoveryClient)

// WithDiscoveryHTTPClient sets the HTTP client used for fetches.
func WithDiscoveryHTTPClient(c *http.Client) DiscoveryOption {
	return func(d *DiscoveryClient) { d.httpClient = c }
}

// WithDiscoveryCacheTTL sets how long a document is served from cache.
func WithDiscoveryCacheTTL(ttl time.Duration) DiscoveryOption {
	return func(d *DiscoveryClient) { d.cacheTTL = ttl }
}

// WithDiscoveryTimeout sets the per-try timeout.
func WithDiscoveryTimeout(timeout time.Duration) DiscoveryOption {
	return func(d *DiscoveryClient) { d.timeout = timeout }
}

// WithDiscoveryRetryInterval sets the initial backoff interval.
func WithDiscoveryRetryInterval(interval time.Duration) DiscoveryOption {
	return func(d *DiscoveryClient) { d.retryInterval = interval }
}

// WithDiscoveryClock overrides time.Now, for tests.
func WithDiscoveryClock(now func() time.Time) DiscoveryOption {
	return func(d *DiscoveryClient) { d.now = now }
}

// WithDiscoveryMetrics attaches metrics.
func WithDiscoveryMetrics(m *metrics.Metrics) DiscoveryOption {
	return func(d *DiscoveryClient) { d.metrics = m }
}

// NewDiscoveryClient creates a discovery client.
func NewDiscoveryClient(opts ...DiscoveryOption) *DiscoveryClient {
	d := &DiscoveryClient{
		httpClient:    http.DefaultClient,
		cacheTTL:      defaultDiscoveryTTL,
		timeout:       defaultDiscoveryTimeout,
		retryInterval: defaultRetryInterval,
		maxTries:      defaultMaxTries,
		now:           time.Now,
		cache:         make(map[string]*CapabilityDocument),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// GetCapabilities returns the capability document for issuer, fetching it if
// it is not cached or the cached copy is older than the TTL. The returned
// document is shared and must not be modified.
func (d *DiscoveryClient) GetCapabilities(ctx context.Context, issuer string) (*CapabilityDocument, error) {
	issuer = NormalizeIssuer(issuer)
	if err := requireSecureURL("issuer", issuer); err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}

	if doc := d.cached(issuer); doc != nil {
		d.metrics.Discovery(metrics.OutcomeCached)
		return doc, nil
	}

	v, err, shared := d.group.Do(issuer, func() (interface{}, error) {
		// Double-check after winning the flight.
		if doc := d.cached(issuer); doc != nil {
			return doc, nil
		}

		doc, err := d.fetch(ctx, issuer)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.cache[issuer] = doc
		d.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		d.metrics.Discovery(metrics.OutcomeError)
		logging.Warn("Discovery", "Capability discovery failed for %s: %v", issuer, err)
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}

	if !shared {
		d.metrics.Discovery(metrics.OutcomeSuccess)
	}
	return v.(*CapabilityDocument), nil
}

// Invalidate drops the cached document for issuer so the next lookup fetches
// it again.
func (d *DiscoveryClient) Invalidate(issuer string) {
	issuer = NormalizeIssuer(issuer)
	d.mu.Lock()
	delete(d.cache, issuer)
	d.mu.Unlock()
	logging.Info("Discovery", "Invalidated cached capabilities for %s", issuer)
}

func (d *DiscoveryClient) cached(issuer string) *CapabilityDocument {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.cache[issuer]
	if !ok || d.now().Sub(doc.FetchedAt) >= d.cacheTTL {
		return nil
	}
	return doc
}

// fetch tries the SMART well-known document first and falls back to RFC 8414
// metadata when the primary is not published.
func (d *DiscoveryClient) fetch(ctx context.Context, issuer string) (*CapabilityDocument, error) {
	var lastErr error
	for _, path := range []string{smartConfigurationPath, oauthMetadataPath} {
		source := issuer + path
		doc, err := d.fetchWithRetry(ctx, source)
		if errors.Is(err, errDocumentNotFound) {
			logging.Debug("Discovery", "No document at %s, trying next location", source)
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := validateCapabilities(doc); err != nil {
			return nil, err
		}

		doc.FetchedAt = d.now()
		doc.Source = source
		logging.Info("Discovery", "Fetched capabilities for %s from %s", issuer, source)
		return doc, nil
	}
	return nil, lastErr
}

func (d *DiscoveryClient) fetchWithRetry(ctx context.Context, source string) (*CapabilityDocument, error) {
	operation := func() (*CapabilityDocument, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, source, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, &TransientError{Op: "discovery", Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(errDocumentNotFound)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, &TransientError{Op: "discovery", Err: fmt.Errorf("status %d", resp.StatusCode)}
		case resp.StatusCode != http.StatusOK:
			return nil, backoff.Permanent(fmt.Errorf("unexpected status %d from %s", resp.StatusCode, source))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
		if err != nil {
			return nil, &TransientError{Op: "discovery", Err: err}
		}

		var doc CapabilityDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", errMalformed, err))
		}
		return &doc, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = d.retryInterval

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(d.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Debug("Discovery", "Fetch of %s failed, retrying in %s: %v", source, next, err)
		}),
	)
}

// validateCapabilities rejects documents that cannot be used safely.
func validateCapabilities(doc *CapabilityDocument) error {
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return fmt.Errorf("%w: authorization_endpoint and token_endpoint are required", errMalformed)
	}
	if err := requireSecureURL("authorization_endpoint", doc.AuthorizationEndpoint); err != nil {
		return err
	}
	if err := requireSecureURL("token_endpoint", doc.TokenEndpoint); err != nil {
		return err
	}
	if doc.RevocationEndpoint != "" {
		if err := requireSecureURL("revocation_endpoint", doc.RevocationEndpoint); err != nil {
			return err
		}
	}

	switch {
	case len(doc.CodeChallengeMethodsSupported) == 0:
		logging.Warn("Discovery", "Document does not list code_challenge_methods_supported, assuming S256")
	case !slices.Contains(doc.CodeChallengeMethodsSupported, pkgoauth.MethodS256):
		return fmt.Errorf("%w: S256 code challenge method not supported", errMalformed)
	}
	return nil
}

// requireSecureURL enforces an absolute https URL with a host.
func requireSecureURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || !strings.EqualFold(u.Scheme, "https") {
		return &InsecureEndpointError{Field: field, URL: raw}
	}
	return nil
}

// NormalizeIssuer strips a trailing slash so that cache keys and well-known
// paths are stable.
func NormalizeIssuer(issuer string) string {
	return strings.TrimRight(strings.TrimSpace(issuer), "/")
}
