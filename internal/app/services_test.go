package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartgate/internal/config"
)

const testRedirectURI = "https://app.example.com/callback"

func validConfig() config.Config {
	cfg := config.GetDefaultConfig()
	cfg.FHIRBaseURL = "https://ehr.example.com/fhir"
	cfg.ClientID = "smartgate-test"
	cfg.RedirectURI = testRedirectURI
	cfg.AllowedRedirectURIs = []string{testRedirectURI}
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	cfg.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestInitializeServices_Memory(t *testing.T) {
	services, err := InitializeServices(context.Background(), validConfig(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(services.Close)

	assert.NotNil(t, services.Manager)
	assert.NotNil(t, services.Tokens)
	assert.NotNil(t, services.Gateway)
	assert.NotNil(t, services.Server)
	assert.Equal(t, "127.0.0.1:0", services.ListenAddr)

	rec := httptest.NewRecorder()
	services.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	services.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "smartgate_active_sessions")
}

func TestInitializeServices_DefaultRegistry(t *testing.T) {
	services, err := InitializeServices(context.Background(), validConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(services.Close)

	rec := httptest.NewRecorder()
	services.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestInitializeServices_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := validConfig()
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"

	services, err := InitializeServices(context.Background(), cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	services.Close()
	services.Close()
}

func TestInitializeServices_RedisErrors(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "bad scheme", url: "http://localhost:6379"},
		{name: "unreachable", url: "redis://127.0.0.1:1/0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Redis.URL = tt.url
			_, err := InitializeServices(context.Background(), cfg, prometheus.NewRegistry())
			assert.Error(t, err)
		})
	}
}

func TestServices_Reload(t *testing.T) {
	services, err := InitializeServices(context.Background(), validConfig(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(services.Close)

	next := "https://app.example.com/v2/callback"
	assert.False(t, services.Allowlist.Allowed(next))

	cfg := validConfig()
	cfg.AllowedRedirectURIs = []string{testRedirectURI, next}
	services.Reload(cfg)

	assert.True(t, services.Allowlist.Allowed(next))
	assert.True(t, services.Allowlist.Allowed(testRedirectURI))
}
