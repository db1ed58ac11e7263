package oauth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartgate/internal/testing/fakeehr"
	pkgoauth "smartgate/pkg/oauth"
)

// exchangeFixture prepares an attempt and a code the fake EHR will accept.
func exchangeFixture(t *testing.T, ehr *fakeehr.Server, scope string) (*TokenClient, *CapabilityDocument, *PendingAttempt, string) {
	t.Helper()
	caps, err := newTestDiscovery(ehr).GetCapabilities(context.Background(), ehr.Issuer)
	require.NoError(t, err)

	pkce := pkgoauth.GeneratePKCE()
	attempt := &PendingAttempt{
		ID:              "attempt-1",
		Verifier:        NewRedactedToken(pkce.CodeVerifier),
		Challenge:       pkce.CodeChallenge,
		ChallengeMethod: pkce.CodeChallengeMethod,
		Marker:          "m",
		RequestedScope:  ParseScopeSet(scope),
		RedirectURI:     testRedirectURI,
		Issuer:          ehr.Issuer,
		Status:          AttemptConsumed,
	}
	code := ehr.IssueCode(pkce.CodeChallenge, testRedirectURI, scope)

	client := NewTokenClient(TokenClientConfig{
		ClientID:             fakeehr.ClientID,
		HTTPClient:           ehr.HTTPClient(),
		DefaultTokenLifetime: 7 * time.Minute,
	})
	return client, caps, attempt, code
}

func TestTokenClient_ExchangeCode(t *testing.T) {
	ehr := fakeehr.New(t)
	client, caps, attempt, code := exchangeFixture(t, ehr, fakeehr.DefaultScope)

	before := time.Now()
	m, err := client.ExchangeCode(context.Background(), code, attempt, caps)
	require.NoError(t, err)

	assert.NotEmpty(t, m.AccessToken.Value())
	assert.NotEmpty(t, m.RefreshToken.Value())
	assert.Equal(t, "Bearer", m.TokenType)
	assert.Equal(t, uint64(1), m.Generation)
	assert.WithinDuration(t, before.Add(time.Hour), m.ExpiresAt, 5*time.Second)
	assert.Equal(t, ParseScopeSet(fakeehr.DefaultScope), m.GrantedScope)
	assert.Equal(t, "123", m.Launch.Patient)
	assert.True(t, m.Launch.NeedPatientBanner)
	assert.Equal(t, fakeehr.FHIRUser, m.Launch.FHIRUser)
}

func TestTokenClient_ExchangeCode_PKCEMismatchSkipsNetwork(t *testing.T) {
	ehr := fakeehr.New(t)
	client, caps, attempt, code := exchangeFixture(t, ehr, "openid")

	tests := []struct {
		name   string
		mutate func(a *PendingAttempt)
	}{
		{"challenge mismatch", func(a *PendingAttempt) { a.Challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM" }},
		{"verifier too short", func(a *PendingAttempt) { a.Verifier = NewRedactedToken("short") }},
		{"verifier bad alphabet", func(a *PendingAttempt) {
			a.Verifier = NewRedactedToken("dBjftJeZ4CVP+mB92K27uhbUJU1p1r/wW1gFWFOEjXk")
		}},
		{"plain method", func(a *PendingAttempt) { a.ChallengeMethod = "plain" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := *attempt
			tt.mutate(&a)
			_, err := client.ExchangeCode(context.Background(), code, &a, caps)
			assert.ErrorIs(t, err, ErrPKCEValidation)
			assert.True(t, IsSecurityEvent(err))
		})
	}
	assert.Equal(t, int32(0), ehr.TokenHits.Load())
}

func TestTokenClient_ExchangeCode_Scope(t *testing.T) {
	t.Run("over-grant is intersected with the request", func(t *testing.T) {
		ehr := fakeehr.New(t)
		ehr.SetGrantedScope("openid patient/Patient.read patient/Observation.read")
		client, caps, attempt, code := exchangeFixture(t, ehr, "openid patient/Patient.read")

		m, err := client.ExchangeCode(context.Background(), code, attempt, caps)
		require.NoError(t, err)
		assert.Equal(t, ScopeSet{"openid", "patient/Patient.read"}, m.GrantedScope)
	})

	t.Run("down-scoping is kept", func(t *testing.T) {
		ehr := fakeehr.New(t)
		ehr.SetGrantedScope("openid")
		client, caps, attempt, code := exchangeFixture(t, ehr, "openid patient/Patient.read")

		m, err := client.ExchangeCode(context.Background(), code, attempt, caps)
		require.NoError(t, err)
		assert.Equal(t, ScopeSet{"openid"}, m.GrantedScope)
	})

	t.Run("omitted scope means the requested scope", func(t *testing.T) {
		ehr := fakeehr.New(t)
		ehr.OmitScope()
		client, caps, attempt, code := exchangeFixture(t, ehr, "openid patient/Patient.read")

		m, err := client.ExchangeCode(context.Background(), code, attempt, caps)
		require.NoError(t, err)
		assert.Equal(t, ScopeSet{"openid", "patient/Patient.read"}, m.GrantedScope)
	})
}

func TestTokenClient_ExchangeCode_DefaultLifetime(t *testing.T) {
	ehr := fakeehr.New(t)
	ehr.SetExpiresIn(0)
	client, caps, attempt, code := exchangeFixture(t, ehr, "openid")

	before := time.Now()
	m, err := client.ExchangeCode(context.Background(), code, attempt, caps)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(7*time.Minute), m.ExpiresAt, 5*time.Second)
}

func TestTokenClient_ExchangeCode_Errors(t *testing.T) {
	t.Run("used code is invalid_grant and not retried", func(t *testing.T) {
		ehr := fakeehr.New(t)
		client, caps, attempt, code := exchangeFixture(t, ehr, "openid")

		_, err := client.ExchangeCode(context.Background(), code, attempt, caps)
		require.NoError(t, err)

		_, err = client.ExchangeCode(context.Background(), code, attempt, caps)
		var tokenErr *TokenError
		require.True(t, errors.As(err, &tokenErr))
		assert.True(t, tokenErr.IsInvalidGrant())
		assert.Equal(t, http.StatusBadRequest, tokenErr.StatusCode)
		assert.ErrorIs(t, err, ErrInvalidGrant)
		assert.Equal(t, int32(2), ehr.TokenHits.Load())
	})

	t.Run("server error is transient and not retried", func(t *testing.T) {
		ehr := fakeehr.New(t)
		client, caps, attempt, code := exchangeFixture(t, ehr, "openid")
		ehr.SetTokenStatus(http.StatusServiceUnavailable)

		_, err := client.ExchangeCode(context.Background(), code, attempt, caps)
		assert.ErrorIs(t, err, ErrTransient)
		assert.Equal(t, int32(1), ehr.TokenHits.Load())
	})

	t.Run("other client error is a token error", func(t *testing.T) {
		ehr := fakeehr.New(t)
		client, caps, attempt, code := exchangeFixture(t, ehr, "openid")
		ehr.SetTokenStatus(http.StatusBadRequest)

		_, err := client.ExchangeCode(context.Background(), code, attempt, caps)
		var tokenErr *TokenError
		require.True(t, errors.As(err, &tokenErr))
		assert.False(t, tokenErr.IsInvalidGrant())
		assert.NotErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("redirect is an endpoint mismatch", func(t *testing.T) {
		ehr := fakeehr.New(t)
		client, caps, attempt, code := exchangeFixture(t, ehr, "openid")
		ehr.SetTokenRedirect()

		_, err := client.ExchangeCode(context.Background(), code, attempt, caps)
		assert.ErrorIs(t, err, ErrEndpointMismatch)
	})

	t.Run("wrong client", func(t *testing.T) {
		ehr := fakeehr.New(t)
		_, caps, attempt, code := exchangeFixture(t, ehr, "openid")
		client := NewTokenClient(TokenClientConfig{ClientID: "someone-else", HTTPClient: ehr.HTTPClient()})

		_, err := client.ExchangeCode(context.Background(), code, attempt, caps)
		var tokenErr *TokenError
		require.True(t, errors.As(err, &tokenErr))
		assert.Equal(t, "invalid_client", tokenErr.Code)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ehr := fakeehr.New(t)
		client, caps, attempt, code := exchangeFixture(t, ehr, "openid")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.ExchangeCode(ctx, code, attempt, caps)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrTransient)
	})
}

func TestTokenClient_Refresh(t *testing.T) {
	ehr := fakeehr.New(t)
	client, caps, attempt, code := exchangeFixture(t, ehr, "openid patient/Patient.read patient/Observation.read")

	first, err := client.ExchangeCode(context.Background(), code, attempt, caps)
	require.NoError(t, err)
	first.Lineage = "lineage-1"

	t.Run("rotates and advances the chain", func(t *testing.T) {
		second, err := client.Refresh(context.Background(), first, caps)
		require.NoError(t, err)

		assert.Equal(t, "lineage-1", second.Lineage)
		assert.Equal(t, uint64(2), second.Generation)
		assert.False(t, second.RefreshToken.Equal(first.RefreshToken))
		assert.False(t, second.AccessToken.Equal(first.AccessToken))
		assert.True(t, second.GrantedScope.SubsetOf(first.GrantedScope))
		assert.Equal(t, first.Launch, second.Launch)
		assert.False(t, ehr.RefreshTokenActive(first.RefreshToken.Value()))

		_, err = client.Refresh(context.Background(), first, caps)
		assert.ErrorIs(t, err, ErrInvalidGrant, "the server rejects a rotated refresh token")
	})

	t.Run("refreshed scope never widens", func(t *testing.T) {
		narrow := first.Clone()
		narrow.GrantedScope = ScopeSet{"patient/Patient.read"}

		m, err := client.ExchangeCode(context.Background(), ehr.IssueCode(attempt.Challenge, testRedirectURI, "openid patient/Patient.read patient/Observation.read"), attempt, caps)
		require.NoError(t, err)
		narrow.RefreshToken = m.RefreshToken

		refreshed, err := client.Refresh(context.Background(), narrow, caps)
		require.NoError(t, err)
		assert.Equal(t, ScopeSet{"patient/Patient.read"}, refreshed.GrantedScope)
	})

	t.Run("no refresh token", func(t *testing.T) {
		m := first.Clone()
		m.RefreshToken = NewRedactedToken("")
		_, err := client.Refresh(context.Background(), m, caps)
		assert.ErrorIs(t, err, ErrReauthorizationRequired)
	})
}

func TestTokenClient_Refresh_WithoutRotation(t *testing.T) {
	ehr := fakeehr.New(t)
	ehr.DisableRotation()
	client, caps, attempt, code := exchangeFixture(t, ehr, "openid")

	first, err := client.ExchangeCode(context.Background(), code, attempt, caps)
	require.NoError(t, err)

	second, err := client.Refresh(context.Background(), first, caps)
	require.NoError(t, err)
	assert.True(t, second.RefreshToken.Equal(first.RefreshToken))
	assert.Equal(t, uint64(2), second.Generation)
}

func TestTokenClient_Revoke(t *testing.T) {
	ehr := fakeehr.New(t)
	client, caps, _, _ := exchangeFixture(t, ehr, "openid")

	require.NoError(t, client.Revoke(context.Background(), caps, NewRedactedToken("rt-1"), HintRefreshToken))
	require.NoError(t, client.Revoke(context.Background(), caps, NewRedactedToken(""), HintAccessToken))
	assert.Equal(t, []string{"rt-1"}, ehr.Revoked())

	noRevocation := *caps
	noRevocation.RevocationEndpoint = ""
	require.NoError(t, client.Revoke(context.Background(), &noRevocation, NewRedactedToken("rt-2"), HintRefreshToken))
	assert.Len(t, ehr.Revoked(), 1)
}

func TestFHIRUserFromIDToken(t *testing.T) {
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		require.NoError(t, err)
		return s
	}

	assert.Equal(t, "Practitioner/1", fhirUserFromIDToken(sign(jwt.MapClaims{"fhirUser": "Practitioner/1"})))
	assert.Equal(t, "Patient/2", fhirUserFromIDToken(sign(jwt.MapClaims{"profile": "Patient/2"})))
	assert.Empty(t, fhirUserFromIDToken(sign(jwt.MapClaims{"sub": "x"})))
	assert.Empty(t, fhirUserFromIDToken("not-a-jwt"))
}
