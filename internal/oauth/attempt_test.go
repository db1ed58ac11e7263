package oauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgoauth "smartgate/pkg/oauth"
)

func TestAttemptIssuer_NewAttempt(t *testing.T) {
	store := NewMemoryAttemptStore()
	defer store.Stop()
	issuer := NewAttemptIssuer(store, time.Minute)

	attempt, err := issuer.NewAttempt(context.Background(), AttemptRequest{
		Scope:       NewScopeSet("openid", "patient/Patient.read"),
		RedirectURI: testRedirectURI,
		Issuer:      "https://ehr.example.com/fhir/",
		LaunchToken: "xyz",
		BindingID:   testBindingID,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, attempt.ID)
	assert.Equal(t, pkgoauth.MethodS256, attempt.ChallengeMethod)
	assert.NoError(t, pkgoauth.VerifyPKCE(attempt.Verifier.Value(), attempt.Challenge, attempt.ChallengeMethod))
	assert.Len(t, attempt.Verifier.Value(), 43)
	assert.NotEqual(t, attempt.Verifier.Value(), attempt.Marker)
	assert.Equal(t, "https://ehr.example.com/fhir", attempt.Issuer)
	assert.Equal(t, AttemptCreated, attempt.Status)
	assert.Equal(t, time.Minute, attempt.ExpiresAt.Sub(attempt.CreatedAt))

	consumed, err := store.Consume(context.Background(), attempt.Marker)
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, consumed.ID)
}

func TestAttemptIssuer_UniqueVerifiersAndMarkers(t *testing.T) {
	store := NewMemoryAttemptStore()
	defer store.Stop()
	issuer := NewAttemptIssuer(store, time.Minute)

	verifiers := make(map[string]bool)
	markers := make(map[string]bool)
	for i := 0; i < 200; i++ {
		a, err := issuer.NewAttempt(context.Background(), AttemptRequest{RedirectURI: testRedirectURI})
		require.NoError(t, err)
		assert.False(t, verifiers[a.Verifier.Value()], "verifier repeated")
		assert.False(t, markers[a.Marker], "marker repeated")
		verifiers[a.Verifier.Value()] = true
		markers[a.Marker] = true
	}
}

// conflictingStore reports a marker collision for the first n puts.
type conflictingStore struct {
	AttemptStore
	n     int32
	calls atomic.Int32
}

func (s *conflictingStore) Put(ctx context.Context, a *PendingAttempt) error {
	if s.calls.Add(1) <= s.n {
		return ErrConflict
	}
	return s.AttemptStore.Put(ctx, a)
}

func TestAttemptIssuer_MarkerCollision(t *testing.T) {
	t.Run("regenerates after collision", func(t *testing.T) {
		mem := NewMemoryAttemptStore()
		defer mem.Stop()
		store := &conflictingStore{AttemptStore: mem, n: 2}

		_, err := NewAttemptIssuer(store, time.Minute).NewAttempt(context.Background(), AttemptRequest{})
		require.NoError(t, err)
		assert.Equal(t, int32(3), store.calls.Load())
	})

	t.Run("gives up after three collisions", func(t *testing.T) {
		mem := NewMemoryAttemptStore()
		defer mem.Stop()
		store := &conflictingStore{AttemptStore: mem, n: 10}

		_, err := NewAttemptIssuer(store, time.Minute).NewAttempt(context.Background(), AttemptRequest{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, int32(3), store.calls.Load())
	})
}

func TestMemoryAttemptStore_Consume(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	newAttempt := func(marker string) *PendingAttempt {
		return &PendingAttempt{ID: "id-" + marker, Marker: marker, CreatedAt: now, ExpiresAt: now.Add(time.Minute), Status: AttemptCreated}
	}

	tests := []struct {
		name       string
		setup      func(s *MemoryAttemptStore)
		marker     string
		wantReason string
	}{
		{
			name:       "unknown marker",
			setup:      func(s *MemoryAttemptStore) {},
			marker:     "wrong123",
			wantReason: CSRFUnknownState,
		},
		{
			name: "consumed marker",
			setup: func(s *MemoryAttemptStore) {
				require.NoError(t, s.Put(ctx, newAttempt("m1")))
				_, err := s.Consume(ctx, "m1")
				require.NoError(t, err)
			},
			marker:     "m1",
			wantReason: CSRFReusedState,
		},
		{
			name: "expired marker",
			setup: func(s *MemoryAttemptStore) {
				require.NoError(t, s.Put(ctx, newAttempt("m2")))
				s.now = func() time.Time { return now.Add(2 * time.Minute) }
			},
			marker:     "m2",
			wantReason: CSRFExpiredState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryAttemptStore()
			defer s.Stop()
			tt.setup(s)

			got, err := s.Consume(ctx, tt.marker)
			assert.Nil(t, got)
			var csrfErr *CSRFError
			require.True(t, errors.As(err, &csrfErr))
			assert.Equal(t, tt.wantReason, csrfErr.Reason)
			assert.ErrorIs(t, err, ErrCSRF)
		})
	}
}

func TestMemoryAttemptStore_PutIsAddOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAttemptStore()
	defer s.Stop()

	a := &PendingAttempt{Marker: "m", ExpiresAt: time.Now().Add(time.Minute), Status: AttemptCreated}
	require.NoError(t, s.Put(ctx, a))
	assert.ErrorIs(t, s.Put(ctx, a), ErrConflict)

	_, err := s.Consume(ctx, "m")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Put(ctx, a), ErrConflict, "tombstone still blocks the marker")
}

func TestMemoryAttemptStore_ConsumeIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAttemptStore()
	defer s.Stop()
	require.NoError(t, s.Put(ctx, &PendingAttempt{Marker: "m", ExpiresAt: time.Now().Add(time.Minute), Status: AttemptCreated}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, "m"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryAttemptStore_FinishAndCleanup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAttemptStore()
	defer s.Stop()

	now := time.Now()
	require.NoError(t, s.Put(ctx, &PendingAttempt{Marker: "m", ExpiresAt: now.Add(time.Minute), Status: AttemptCreated}))
	a, err := s.Consume(ctx, "m")
	require.NoError(t, err)

	require.NoError(t, a.Transition(AttemptExchanged))
	require.NoError(t, s.Finish(ctx, a))
	assert.Equal(t, AttemptExchanged, s.attempts["m"].Status)

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	s.cleanup()
	assert.Empty(t, s.attempts)
}
