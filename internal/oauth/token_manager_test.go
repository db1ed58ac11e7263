package oauth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartgate/internal/metrics"
)

// setRemaining rewrites the stored access token lifetime in place.
func setRemaining(t *testing.T, st *testStack, sessionID string, remaining time.Duration) *TokenMaterial {
	t.Helper()
	ctx := context.Background()
	session, err := st.sessions.Get(ctx, sessionID)
	require.NoError(t, err)

	m := session.Material.Clone()
	m.ExpiresAt = time.Now().Add(remaining)
	require.NoError(t, st.sessions.SwapMaterial(ctx, sessionID, m.Generation, m))
	return m
}

func TestTokenManager_GetValidAccessToken_Margin(t *testing.T) {
	tests := []struct {
		remaining   time.Duration
		wantRefresh bool
	}{
		{remaining: time.Second, wantRefresh: true},
		{remaining: 30 * time.Second, wantRefresh: true},
		{remaining: 59 * time.Second, wantRefresh: true},
		{remaining: 70 * time.Second, wantRefresh: false},
		{remaining: time.Hour, wantRefresh: false},
	}

	for _, tt := range tests {
		t.Run(tt.remaining.String(), func(t *testing.T) {
			st := newTestStack(t)
			session := st.login(t)
			stored := setRemaining(t, st, session.ID, tt.remaining)

			token, err := st.tokenManager.GetValidAccessToken(context.Background(), session.ID)
			require.NoError(t, err)

			current, err := st.sessions.Get(context.Background(), session.ID)
			require.NoError(t, err)
			assert.True(t, current.Material.ValidFor(time.Now(), DefaultRefreshSafetyMargin), "stored token is outside the margin")
			assert.True(t, token.Equal(current.Material.AccessToken))

			if tt.wantRefresh {
				assert.False(t, token.Equal(stored.AccessToken))
				assert.Equal(t, uint64(2), current.Material.Generation)
				assert.Equal(t, int32(1), st.ehr.RefreshHits.Load())
			} else {
				assert.True(t, token.Equal(stored.AccessToken))
				assert.Equal(t, int32(0), st.ehr.RefreshHits.Load())
			}
		})
	}
}

func TestTokenManager_GetValidAccessToken_ShortLivedTokens(t *testing.T) {
	st := newTestStack(t)
	st.ehr.SetExpiresIn(30)
	session := st.login(t)

	_, err := st.tokenManager.GetValidAccessToken(context.Background(), session.ID)
	require.Error(t, err)
	assert.True(t, RequiresReauthorization(err), "a token inside the margin is never handed out")
}

func TestTokenManager_GetValidAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	st := newTestStack(t)
	session := st.login(t)
	setRemaining(t, st, session.ID, 10*time.Second)

	const callers = 20
	tokens := make([]RedactedToken, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = st.tokenManager.GetValidAccessToken(context.Background(), session.ID)
		}(i)
	}
	wg.Wait()

	current, err := st.sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current.Material.Generation)
	assert.Equal(t, int32(1), st.ehr.RefreshHits.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, tokens[i].Equal(current.Material.AccessToken))
	}
}

func TestTokenManager_CancelledCallerDoesNotAbortSharedRefresh(t *testing.T) {
	st := newTestStack(t)
	session := st.login(t)
	setRemaining(t, st, session.ID, 10*time.Second)

	release := st.ehr.BlockToken()
	defer release()

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := st.tokenManager.GetValidAccessToken(firstCtx, session.ID)
		firstErr <- err
	}()
	// The login exchange was the first token request.
	require.Eventually(t, func() bool { return st.ehr.TokenHits.Load() == 2 }, 5*time.Second, time.Millisecond)

	type result struct {
		token RedactedToken
		err   error
	}
	second := make(chan result, 1)
	go func() {
		token, err := st.tokenManager.GetValidAccessToken(context.Background(), session.ID)
		second <- result{token: token, err: err}
	}()
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller kept waiting for the refresh")
	}

	release()
	var got result
	select {
	case got = <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never received the refreshed token")
	}
	require.NoError(t, got.err)

	current, err := st.sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current.Material.Generation, "rotation was persisted")
	assert.True(t, got.token.Equal(current.Material.AccessToken))
	assert.Equal(t, int32(1), st.ehr.RefreshHits.Load())

	token, err := st.tokenManager.GetValidAccessToken(context.Background(), session.ID)
	require.NoError(t, err, "session survives the cancelled caller")
	assert.True(t, token.Equal(current.Material.AccessToken))
	assert.Equal(t, int32(1), st.ehr.RefreshHits.Load())
}

func TestTokenManager_Refresh_ConcurrentSameHead(t *testing.T) {
	st := newTestStack(t)
	session := st.login(t)
	head := session.Material

	release := st.ehr.BlockToken()
	defer release()

	const callers = 8
	results := make([]*TokenMaterial, callers)
	errs := make([]error, callers)

	var started, done sync.WaitGroup
	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = st.tokenManager.Refresh(context.Background(), session.ID, head)
		}(i)
	}
	started.Wait()
	// The login exchange was the first token request.
	require.Eventually(t, func() bool { return st.ehr.TokenHits.Load() == 2 }, 5*time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	release()
	done.Wait()

	current, err := st.sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current.Material.Generation, "exactly one generation was persisted")
	assert.Equal(t, int32(1), st.ehr.RefreshHits.Load())

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], ErrStaleRefreshToken)
			continue
		}
		assert.True(t, results[i].IsHeadOf(current.Material))
	}
}

func TestTokenManager_Refresh_ReuseDetection(t *testing.T) {
	ctx := context.Background()
	st := newTestStack(t)
	session := st.login(t)
	original := session.Material

	rotated, err := st.tokenManager.Refresh(ctx, session.ID, original)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rotated.Generation)
	assert.Equal(t, original.Lineage, rotated.Lineage)
	assert.True(t, rotated.GrantedScope.SubsetOf(original.GrantedScope))

	_, err = st.tokenManager.Refresh(ctx, session.ID, original)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshReuseDetected)
	assert.True(t, IsSecurityEvent(err))
	assert.True(t, RequiresReauthorization(err))

	_, err = st.sessions.Get(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "session is gone after reuse")

	revoked := st.ehr.Revoked()
	assert.Contains(t, revoked, rotated.RefreshToken.Value())
	assert.Contains(t, revoked, rotated.AccessToken.Value())
	assert.False(t, st.ehr.RefreshTokenActive(rotated.RefreshToken.Value()))

	assert.Equal(t, 1.0, testutil.ToFloat64(st.metrics.SecurityEvents.WithLabelValues("refresh_reuse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(st.metrics.TokenRefreshes.WithLabelValues(metrics.OutcomeReuse)))
}

func TestTokenManager_Refresh_ForeignMaterialIsReuse(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *TokenMaterial)
	}{
		{"other lineage", func(m *TokenMaterial) { m.Lineage = "other" }},
		{"future generation", func(m *TokenMaterial) { m.Generation = 7 }},
		{"different refresh token", func(m *TokenMaterial) { m.RefreshToken = NewRedactedToken("stolen") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStack(t)
			session := st.login(t)

			presented := session.Material.Clone()
			tt.mutate(presented)

			_, err := st.tokenManager.Refresh(context.Background(), session.ID, presented)
			assert.ErrorIs(t, err, ErrRefreshReuseDetected)
			_, err = st.sessions.Get(context.Background(), session.ID)
			assert.ErrorIs(t, err, ErrSessionNotFound)
			assert.Equal(t, int32(0), st.ehr.RefreshHits.Load())
		})
	}
}

func TestTokenManager_Refresh_InvalidGrant(t *testing.T) {
	ctx := context.Background()
	st := newTestStack(t)
	session := st.login(t)

	caps, err := st.discovery.GetCapabilities(ctx, session.Issuer)
	require.NoError(t, err)
	require.NoError(t, st.tokens.Revoke(ctx, caps, session.Material.RefreshToken, HintRefreshToken))

	_, err = st.tokenManager.ForceRefresh(ctx, session.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, err = st.sessions.Get(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTokenManager_Refresh_TransientKeepsSession(t *testing.T) {
	ctx := context.Background()
	st := newTestStack(t)
	session := st.login(t)
	st.ehr.SetTokenStatus(http.StatusBadGateway)

	_, err := st.tokenManager.ForceRefresh(ctx, session.ID)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(2), st.ehr.TokenHits.Load())
	assert.Equal(t, int32(0), st.ehr.RefreshHits.Load())

	current, err := st.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, current.Material.IsHeadOf(session.Material))
}

func TestTokenManager_Refresh_EndpointMismatchInvalidatesDiscovery(t *testing.T) {
	ctx := context.Background()
	st := newTestStack(t)
	session := st.login(t)
	hits := st.ehr.DiscoveryHits.Load()
	st.ehr.SetTokenRedirect()

	_, err := st.tokenManager.ForceRefresh(ctx, session.ID)
	assert.ErrorIs(t, err, ErrEndpointMismatch)

	_, err = st.discovery.GetCapabilities(ctx, session.Issuer)
	require.NoError(t, err)
	assert.Equal(t, hits+1, st.ehr.DiscoveryHits.Load())
}

func TestTokenManager_NoRefreshToken(t *testing.T) {
	ctx := context.Background()
	st := newTestStack(t)
	session := st.login(t)

	m := session.Material.Clone()
	m.RefreshToken = NewRedactedToken("")
	m.ExpiresAt = time.Now().Add(10 * time.Second)
	require.NoError(t, st.sessions.SwapMaterial(ctx, session.ID, m.Generation, m))

	_, err := st.tokenManager.GetValidAccessToken(ctx, session.ID)
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
}

func TestTokenManager_SessionNotFound(t *testing.T) {
	st := newTestStack(t)

	_, err := st.tokenManager.GetValidAccessToken(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, RequiresReauthorization(err))

	_, err = st.tokenManager.ForceRefresh(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestTokenManager_Invalidate(t *testing.T) {
	st := newTestStack(t)
	session := st.login(t)

	require.NoError(t, st.tokenManager.Invalidate(context.Background(), session.ID))
	_, err := st.tokenManager.Session(context.Background(), session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
