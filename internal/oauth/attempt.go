package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smartgate/pkg/logging"
	pkgoauth "smartgate/pkg/oauth"
)

const (
	// DefaultAttemptTTL is how long an authorization attempt stays redeemable.
	DefaultAttemptTTL = 10 * time.Minute

	maxMarkerCollisions = 3
)

// AttemptRequest carries what a new authorization attempt is bound to.
type AttemptRequest struct {
	Scope       ScopeSet
	RedirectURI string
	Issuer      string
	LaunchToken string
	BindingID   string
}

// AttemptIssuer creates PKCE-protected authorization attempts.
type AttemptIssuer struct {
	store AttemptStore
	ttl   time.Duration
	now   func() time.Time
}

// NewAttemptIssuer creates an issuer storing attempts in store.
func NewAttemptIssuer(store AttemptStore, ttl time.Duration) *AttemptIssuer {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &AttemptIssuer{store: store, ttl: ttl, now: time.Now}
}

// NewAttempt generates a fresh verifier, challenge and anti-forgery marker and
// stores the attempt under the marker.
func (i *AttemptIssuer) NewAttempt(ctx context.Context, req AttemptRequest) (*PendingAttempt, error) {
	for try := 1; ; try++ {
		attempt, err := i.newAttempt(req)
		if err != nil {
			return nil, err
		}

		err = i.store.Put(ctx, attempt)
		if err == nil {
			logging.Debug("OAuth", "Created authorization attempt %s for issuer %s", attempt.ID, attempt.Issuer)
			return attempt, nil
		}
		if !errors.Is(err, ErrConflict) || try >= maxMarkerCollisions {
			return nil, fmt.Errorf("failed to store authorization attempt: %w", err)
		}
		logging.Warn("OAuth", "Marker collision on attempt %d, regenerating", try)
	}
}

func (i *AttemptIssuer) newAttempt(req AttemptRequest) (*PendingAttempt, error) {
	pkce := pkgoauth.GeneratePKCE()
	marker, err := pkgoauth.GenerateState()
	if err != nil {
		return nil, err
	}

	now := i.now()
	return &PendingAttempt{
		ID:              uuid.NewString(),
		Verifier:        NewRedactedToken(pkce.CodeVerifier),
		Challenge:       pkce.CodeChallenge,
		ChallengeMethod: pkce.CodeChallengeMethod,
		Marker:          marker,
		RequestedScope:  NewScopeSet(req.Scope...),
		RedirectURI:     req.RedirectURI,
		Issuer:          NormalizeIssuer(req.Issuer),
		LaunchToken:     req.LaunchToken,
		BindingID:       req.BindingID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(i.ttl),
		Status:          AttemptCreated,
	}, nil
}
