package oauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"smartgate/internal/metrics"
	"smartgate/pkg/logging"
)

// DefaultRefreshSafetyMargin is the minimum remaining lifetime of an access
// token handed to callers.
const DefaultRefreshSafetyMargin = 60 * time.Second

// errChainAdvanced is returned inside a refresh flight when another flight
// already moved the chain past the presented generation.
var errChainAdvanced = errors.New("refresh chain advanced")

// TokenManagerConfig wires a TokenManager.
type TokenManagerConfig struct {
	Sessions     SessionStore
	Discovery    *DiscoveryClient
	Tokens       *TokenClient
	SafetyMargin time.Duration
	Metrics      *metrics.Metrics
}

// TokenManager keeps each session's token material usable. It rotates
// refresh tokens, serializes concurrent refreshes of the same chain head and
// treats presentation of a superseded refresh token as theft.
type TokenManager struct {
	sessions  SessionStore
	discovery *DiscoveryClient
	tokens    *TokenClient
	margin    time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time

	// flights are keyed by session id and generation.
	flights singleflight.Group
}

// NewTokenManager creates a token manager.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	margin := cfg.SafetyMargin
	if margin < 0 {
		margin = DefaultRefreshSafetyMargin
	}
	return &TokenManager{
		sessions:  cfg.Sessions,
		discovery: cfg.Discovery,
		tokens:    cfg.Tokens,
		margin:    margin,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Session returns a copy of the session.
func (m *TokenManager) Session(ctx context.Context, sessionID string) (*Session, error) {
	return m.sessions.Get(ctx, sessionID)
}

// GetValidAccessToken returns an access token that stays valid for at least
// the safety margin, refreshing first if needed.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, sessionID string) (RedactedToken, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return RedactedToken{}, err
	}
	if session.Material.ValidFor(m.now(), m.margin) {
		return session.Material.AccessToken, nil
	}

	logging.Debug("TokenManager", "Access token for session %s is within the safety margin, refreshing",
		logging.TruncateSessionID(sessionID))
	material, err := m.rotate(ctx, session, session.Material, false)
	if err != nil {
		return RedactedToken{}, err
	}
	if !material.ValidFor(m.now(), m.margin) {
		return RedactedToken{}, fmt.Errorf("%w: refreshed token lifetime is shorter than the safety margin", ErrReauthorizationRequired)
	}
	return material.AccessToken, nil
}

// ForceRefresh rotates the session's tokens even if the access token still
// looks valid, for example after the resource server rejected it.
func (m *TokenManager) ForceRefresh(ctx context.Context, sessionID string) (*TokenMaterial, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.rotate(ctx, session, session.Material, false)
}

// Refresh rotates the chain starting from presented. presented must be the
// session's current head; anything else is reported as reuse, the tokens are
// revoked and the session is deleted.
func (m *TokenManager) Refresh(ctx context.Context, sessionID string, presented *TokenMaterial) (*TokenMaterial, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.rotate(ctx, session, presented, true)
}

// Invalidate deletes the session.
func (m *TokenManager) Invalidate(ctx context.Context, sessionID string) error {
	if err := m.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.metrics.SessionClosed()
	logging.Info("TokenManager", "Invalidated session %s", logging.TruncateSessionID(sessionID))
	return nil
}

func (m *TokenManager) rotate(ctx context.Context, session *Session, presented *TokenMaterial, strict bool) (*TokenMaterial, error) {
	head := session.Material
	if presented == nil || !presented.IsHeadOf(head) {
		if strict || presented == nil || head == nil || presented.Lineage != head.Lineage || presented.Generation > head.Generation {
			return nil, m.reuseDetected(ctx, session, presented)
		}
		// A concurrent non-strict caller already advanced the chain.
		m.metrics.Refresh(metrics.OutcomeStale)
		return head, nil
	}

	// Once sent, a rotation has to be persisted even if the caller that
	// started it goes away. The token and discovery clients bound each call.
	flightCtx := context.WithoutCancel(ctx)
	key := session.ID + ":" + strconv.FormatUint(presented.Generation, 10)
	ch := m.flights.DoChan(key, func() (interface{}, error) {
		return m.refreshHead(flightCtx, session.ID, presented)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("refresh: %w", context.Cause(ctx))
	}
	if res.Shared {
		logging.Debug("TokenManager", "Joined in-flight refresh for session %s", logging.TruncateSessionID(session.ID))
	}
	v, err := res.Val, res.Err

	if errors.Is(err, errChainAdvanced) || errors.Is(err, ErrStaleRefreshToken) {
		if strict {
			m.metrics.Refresh(metrics.OutcomeStale)
			return nil, ErrStaleRefreshToken
		}
		current, getErr := m.sessions.Get(ctx, session.ID)
		if getErr != nil {
			return nil, getErr
		}
		if !current.Material.ValidFor(m.now(), 0) {
			return nil, ErrStaleRefreshToken
		}
		return current.Material, nil
	}
	if err != nil {
		return nil, err
	}
	return v.(*TokenMaterial).Clone(), nil
}

// refreshHead runs inside a flight and performs the single network refresh
// for one chain position.
func (m *TokenManager) refreshHead(ctx context.Context, sessionID string, presented *TokenMaterial) (*TokenMaterial, error) {
	current, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !presented.IsHeadOf(current.Material) {
		return nil, errChainAdvanced
	}
	if !presented.CanRefresh() {
		return nil, fmt.Errorf("%w: access token expired and no refresh token was issued", ErrReauthorizationRequired)
	}

	caps, err := m.discovery.GetCapabilities(ctx, current.Issuer)
	if err != nil {
		return nil, err
	}

	next, err := m.tokens.Refresh(ctx, presented, caps)
	if err != nil {
		m.metrics.Refresh(metrics.OutcomeError)
		switch {
		case errors.Is(err, ErrEndpointMismatch):
			m.discovery.Invalidate(current.Issuer)
		case errors.Is(err, ErrInvalidGrant):
			logging.Warn("TokenManager", "Refresh token for session %s was rejected, session requires re-authorization",
				logging.TruncateSessionID(sessionID))
			if invErr := m.Invalidate(ctx, sessionID); invErr != nil {
				logging.Error("TokenManager", invErr, "Failed to invalidate session %s", logging.TruncateSessionID(sessionID))
			}
			return nil, fmt.Errorf("%w: %w", ErrReauthorizationRequired, err)
		}
		return nil, err
	}

	if err := m.sessions.SwapMaterial(ctx, sessionID, presented.Generation, next); err != nil {
		if errors.Is(err, ErrStaleRefreshToken) {
			m.metrics.Refresh(metrics.OutcomeStale)
			logging.Info("TokenManager", "Lost refresh race for session %s at generation %d",
				logging.TruncateSessionID(sessionID), presented.Generation)
		}
		return nil, err
	}

	m.metrics.Refresh(metrics.OutcomeSuccess)
	logging.Debug("TokenManager", "Rotated session %s to generation %d", logging.TruncateSessionID(sessionID), next.Generation)
	return next, nil
}

func (m *TokenManager) reuseDetected(ctx context.Context, session *Session, presented *TokenMaterial) error {
	m.metrics.Refresh(metrics.OutcomeReuse)
	m.metrics.SecurityEvent("refresh_reuse")

	presentedGen, presentedFP := uint64(0), "<none>"
	if presented != nil {
		presentedGen, presentedFP = presented.Generation, presented.RefreshToken.Fingerprint()
	}
	var headGen uint64
	if session.Material != nil {
		headGen = session.Material.Generation
	}
	logging.Security("refresh_reuse",
		"Superseded refresh token %s (generation %d) presented for session %s at head generation %d, revoking",
		presentedFP, presentedGen, logging.TruncateSessionID(session.ID), headGen)

	cleanupCtx := context.WithoutCancel(ctx)
	m.revoke(cleanupCtx, session, true)
	if err := m.Invalidate(cleanupCtx, session.ID); err != nil {
		logging.Error("TokenManager", err, "Failed to delete session %s after reuse", logging.TruncateSessionID(session.ID))
	}
	return fmt.Errorf("%w: session %s", ErrRefreshReuseDetected, logging.TruncateSessionID(session.ID))
}

// revoke revokes the session's refresh token, and with all also its access
// token. Without all the access token is revoked only when there is no
// refresh token. Failures are logged and ignored.
func (m *TokenManager) revoke(ctx context.Context, session *Session, all bool) {
	material := session.Material
	if material == nil {
		return
	}
	caps, err := m.discovery.GetCapabilities(ctx, session.Issuer)
	if err != nil {
		logging.Warn("TokenManager", "Cannot revoke tokens for session %s: %v", logging.TruncateSessionID(session.ID), err)
		return
	}

	if !material.RefreshToken.IsEmpty() {
		if err := m.tokens.Revoke(ctx, caps, material.RefreshToken, HintRefreshToken); err != nil {
			logging.Warn("TokenManager", "Refresh token revocation failed: %v", err)
		}
		if !all {
			return
		}
	}
	if err := m.tokens.Revoke(ctx, caps, material.AccessToken, HintAccessToken); err != nil {
		logging.Warn("TokenManager", "Access token revocation failed: %v", err)
	}
}
