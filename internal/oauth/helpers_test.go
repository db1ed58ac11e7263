package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"smartgate/internal/metrics"
	"smartgate/internal/testing/fakeehr"
)

const (
	testRedirectURI = "https://app.example.com/callback"
	testBindingID   = "binding-1"
)

var testScopes = []string{"openid", "fhirUser", "offline_access", "patient/Patient.read"}

// testStack is a fully wired flow against a fake EHR, using memory stores.
type testStack struct {
	ehr          *fakeehr.Server
	metrics      *metrics.Metrics
	discovery    *DiscoveryClient
	attempts     *MemoryAttemptStore
	sessions     *MemorySessionStore
	ledger       *MemoryCodeLedger
	allowlist    *RedirectAllowlist
	tokens       *TokenClient
	tokenManager *TokenManager
	manager      *Manager
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	ehr := fakeehr.New(t)
	m := metrics.New(prometheus.NewRegistry())

	st := &testStack{
		ehr:       ehr,
		metrics:   m,
		attempts:  NewMemoryAttemptStore(),
		sessions:  NewMemorySessionStore(time.Hour),
		ledger:    NewMemoryCodeLedger(15 * time.Minute),
		allowlist: NewRedirectAllowlist([]string{testRedirectURI}),
	}
	t.Cleanup(func() {
		st.attempts.Stop()
		st.sessions.Stop()
		st.ledger.Stop()
	})

	st.discovery = NewDiscoveryClient(
		WithDiscoveryHTTPClient(ehr.HTTPClient()),
		WithDiscoveryRetryInterval(time.Millisecond),
		WithDiscoveryMetrics(m),
	)
	st.tokens = NewTokenClient(TokenClientConfig{
		ClientID:   fakeehr.ClientID,
		HTTPClient: ehr.HTTPClient(),
		Metrics:    m,
	})
	st.tokenManager = NewTokenManager(TokenManagerConfig{
		Sessions:     st.sessions,
		Discovery:    st.discovery,
		Tokens:       st.tokens,
		SafetyMargin: DefaultRefreshSafetyMargin,
		Metrics:      m,
	})
	st.manager = NewManager(ManagerConfig{
		FHIRBaseURL:  ehr.Issuer,
		ClientID:     fakeehr.ClientID,
		Scopes:       testScopes,
		Discovery:    st.discovery,
		Attempts:     NewAttemptIssuer(st.attempts, DefaultAttemptTTL),
		Builder:      NewRequestBuilder(st.allowlist, m),
		Callbacks:    NewCallbackValidator(st.attempts, m),
		Tokens:       st.tokens,
		TokenManager: st.tokenManager,
		Sessions:     st.sessions,
		Ledger:       st.ledger,
		Metrics:      m,
	})
	return st
}

// login runs a standalone launch through approval and callback.
func (st *testStack) login(t *testing.T) *Session {
	t.Helper()
	ctx := context.Background()

	authURL, _, err := st.manager.StartLaunch(ctx, LaunchRequest{RedirectURI: testRedirectURI, BindingID: testBindingID})
	require.NoError(t, err)

	callback, err := st.ehr.Approve(authURL)
	require.NoError(t, err)

	session, err := st.manager.CompleteCallback(ctx, callback.Query(), testBindingID)
	require.NoError(t, err)
	return session
}

// newTestMaterial returns head material valid for lifetime.
func newTestMaterial(lifetime time.Duration) *TokenMaterial {
	now := time.Now()
	return &TokenMaterial{
		AccessToken:  NewRedactedToken("access-1"),
		TokenType:    "Bearer",
		ExpiresAt:    now.Add(lifetime),
		IssuedAt:     now,
		RefreshToken: NewRedactedToken("refresh-1"),
		GrantedScope: NewScopeSet("patient/Patient.read"),
		Lineage:      "lineage-1",
		Generation:   1,
	}
}
