package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"smartgate/internal/metrics"
	"smartgate/pkg/logging"
)

// Launch kinds.
const (
	LaunchEHR        = "ehr"
	LaunchStandalone = "standalone"

	scopeEHRLaunch        = "launch"
	scopeStandaloneLaunch = "launch/patient"
)

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	// FHIRBaseURL is the issuer used for standalone launches.
	FHIRBaseURL    string
	AllowedIssuers []string
	ClientID       string
	Scopes         []string

	Discovery    *DiscoveryClient
	Attempts     *AttemptIssuer
	Builder      *RequestBuilder
	Callbacks    *CallbackValidator
	Tokens       *TokenClient
	TokenManager *TokenManager
	Sessions     SessionStore
	Ledger       CodeLedger
	Metrics      *metrics.Metrics
}

// LaunchRequest describes an incoming launch.
type LaunchRequest struct {
	// Issuer is the iss parameter of an EHR launch. Empty means a
	// standalone launch against the configured FHIR server.
	Issuer      string
	LaunchToken string
	RedirectURI string
	BindingID   string
}

// Manager drives the authorization flow from launch to session and back to
// logout.
type Manager struct {
	fhirBaseURL    string
	allowedIssuers map[string]bool
	clientID       string
	scopes         ScopeSet

	discovery    *DiscoveryClient
	attempts     *AttemptIssuer
	builder      *RequestBuilder
	callbacks    *CallbackValidator
	tokens       *TokenClient
	tokenManager *TokenManager
	sessions     SessionStore
	ledger       CodeLedger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewManager creates a flow manager.
func NewManager(cfg ManagerConfig) *Manager {
	allowed := make(map[string]bool, len(cfg.AllowedIssuers)+1)
	allowed[NormalizeIssuer(cfg.FHIRBaseURL)] = true
	for _, iss := range cfg.AllowedIssuers {
		allowed[NormalizeIssuer(iss)] = true
	}
	return &Manager{
		fhirBaseURL:    NormalizeIssuer(cfg.FHIRBaseURL),
		allowedIssuers: allowed,
		clientID:       cfg.ClientID,
		scopes:         NewScopeSet(cfg.Scopes...),
		discovery:      cfg.Discovery,
		attempts:       cfg.Attempts,
		builder:        cfg.Builder,
		callbacks:      cfg.Callbacks,
		tokens:         cfg.Tokens,
		tokenManager:   cfg.TokenManager,
		sessions:       cfg.Sessions,
		ledger:         cfg.Ledger,
		metrics:        cfg.Metrics,
		now:            time.Now,
	}
}

// StartLaunch creates an authorization attempt and returns the URL to send
// the browser to.
func (m *Manager) StartLaunch(ctx context.Context, req LaunchRequest) (string, *PendingAttempt, error) {
	issuer, kind := m.fhirBaseURL, LaunchStandalone
	if req.Issuer != "" {
		issuer = NormalizeIssuer(req.Issuer)
		if !m.allowedIssuers[issuer] {
			m.metrics.SecurityEvent("untrusted_issuer")
			logging.Security("untrusted_issuer", "Rejected launch from unconfigured issuer %q", req.Issuer)
			return "", nil, &UntrustedIssuerError{Issuer: req.Issuer}
		}
	}
	if req.LaunchToken != "" {
		kind = LaunchEHR
	}
	if err := m.builder.CheckRedirect(req.RedirectURI); err != nil {
		return "", nil, err
	}

	caps, err := m.discovery.GetCapabilities(ctx, issuer)
	if err != nil {
		return "", nil, err
	}

	scope := m.scopes
	if kind == LaunchEHR {
		scope = scope.Union(ScopeSet{scopeEHRLaunch})
	} else {
		scope = scope.Union(ScopeSet{scopeStandaloneLaunch})
	}

	attempt, err := m.attempts.NewAttempt(ctx, AttemptRequest{
		Scope:       scope,
		RedirectURI: req.RedirectURI,
		Issuer:      issuer,
		LaunchToken: req.LaunchToken,
		BindingID:   req.BindingID,
	})
	if err != nil {
		return "", nil, err
	}

	authURL, err := m.builder.BuildRedirect(attempt, caps, m.clientID)
	if err != nil {
		return "", nil, err
	}

	m.metrics.Launch(kind)
	logging.Info("OAuth", "Started %s launch %s against %s", kind, attempt.ID, issuer)
	return authURL, attempt, nil
}

// CompleteCallback validates an authorization redirect, redeems the code and
// creates a new session. A code that was already redeemed is refused and the
// session created from it is revoked.
func (m *Manager) CompleteCallback(ctx context.Context, query url.Values, bindingID string) (*Session, error) {
	result, err := m.callbacks.ValidateCallback(ctx, query, bindingID)
	if err != nil {
		return nil, err
	}
	attempt := result.Attempt
	codeHash := HashCode(result.Code)

	claimed, err := m.ledger.Claim(ctx, codeHash)
	if err != nil {
		m.callbacks.Finish(ctx, attempt, AttemptFailed)
		return nil, fmt.Errorf("failed to record authorization code: %w", err)
	}
	if !claimed {
		m.callbacks.Finish(ctx, attempt, AttemptFailed)
		m.codeReplayed(ctx, codeHash, result.Code)
		return nil, ErrCodeReplay
	}

	caps, err := m.discovery.GetCapabilities(ctx, attempt.Issuer)
	if err != nil {
		m.callbacks.Finish(ctx, attempt, AttemptFailed)
		return nil, err
	}

	material, err := m.tokens.ExchangeCode(ctx, result.Code, attempt, caps)
	if err != nil {
		m.callbacks.Finish(ctx, attempt, AttemptFailed)
		m.metrics.Callback(metrics.OutcomeError)
		if errors.Is(err, ErrEndpointMismatch) {
			m.discovery.Invalidate(attempt.Issuer)
		}
		if errors.Is(err, ErrPKCEValidation) {
			m.metrics.SecurityEvent("pkce")
			logging.Security("pkce", "Verifier for attempt %s does not match its challenge", attempt.ID)
		}
		return nil, err
	}
	material.Lineage = uuid.NewString()

	now := m.now()
	session := &Session{
		ID:           uuid.NewString(),
		Issuer:       attempt.Issuer,
		Material:     material,
		CreatedAt:    now,
		LastAccessAt: now,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		m.callbacks.Finish(ctx, attempt, AttemptFailed)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := m.ledger.Bind(ctx, codeHash, session.ID); err != nil {
		logging.Warn("OAuth", "Failed to bind code %s to session %s: %v",
			logging.Fingerprint(result.Code), logging.TruncateSessionID(session.ID), err)
	}

	m.callbacks.Finish(ctx, attempt, AttemptExchanged)
	m.metrics.Callback(metrics.OutcomeSuccess)
	m.metrics.SessionOpened()
	logging.Info("OAuth", "Created session %s for %s (patient %q)",
		logging.TruncateSessionID(session.ID), session.Issuer, material.Launch.Patient)
	return session.Clone(), nil
}

// Logout revokes the session's tokens, best-effort, and deletes it. Unknown
// sessions are ignored.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	session, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.tokenManager.revoke(context.WithoutCancel(ctx), session, false)
	return m.tokenManager.Invalidate(ctx, sessionID)
}

// TokenManager returns the manager's token manager.
func (m *Manager) TokenManager() *TokenManager {
	return m.tokenManager
}

func (m *Manager) codeReplayed(ctx context.Context, codeHash, code string) {
	m.metrics.SecurityEvent("code_replay")
	m.metrics.Callback(metrics.OutcomeError)

	sessionID, err := m.ledger.Lookup(ctx, codeHash)
	if err != nil {
		logging.Error("OAuth", err, "Failed to look up session for replayed code %s", logging.Fingerprint(code))
	}
	logging.Security("code_replay", "Authorization code %s presented again, revoking session %s",
		logging.Fingerprint(code), logging.TruncateSessionID(sessionID))
	if sessionID == "" {
		return
	}

	cleanupCtx := context.WithoutCancel(ctx)
	session, err := m.sessions.Get(cleanupCtx, sessionID)
	if err != nil {
		return
	}
	m.tokenManager.revoke(cleanupCtx, session, true)
	if err := m.tokenManager.Invalidate(cleanupCtx, sessionID); err != nil {
		logging.Error("OAuth", err, "Failed to invalidate session %s after code replay", logging.TruncateSessionID(sessionID))
	}
}
