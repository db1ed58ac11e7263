package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartgate/internal/config"
)

const validYAML = `
fhirBaseURL: https://ehr.example.com/fhir
clientID: smartgate-test
redirectURI: https://app.example.com/callback
allowedRedirectURIs:
  - https://app.example.com/callback
session:
  secret: 0123456789abcdef0123456789abcdef
listenAddr: 127.0.0.1:0
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600))
	return dir
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(true, "/etc/smartgate", ":9090")
	assert.True(t, cfg.Debug)
	assert.Equal(t, "/etc/smartgate", cfg.ConfigPath)
	assert.Equal(t, ":9090", cfg.ListenAddr)
}

func TestNewApplication(t *testing.T) {
	t.Run("valid configuration", func(t *testing.T) {
		application, err := NewApplication(context.Background(), NewConfig(false, writeConfig(t, validYAML), ""))
		require.NoError(t, err)
		t.Cleanup(application.Services().Close)
		assert.Equal(t, "127.0.0.1:0", application.Services().ListenAddr)
	})

	t.Run("listen flag overrides the file", func(t *testing.T) {
		application, err := NewApplication(context.Background(), NewConfig(true, writeConfig(t, validYAML), "127.0.0.1:18080"))
		require.NoError(t, err)
		t.Cleanup(application.Services().Close)
		assert.Equal(t, "127.0.0.1:18080", application.Services().ListenAddr)
	})

	t.Run("invalid configuration lists every field", func(t *testing.T) {
		_, err := NewApplication(context.Background(), NewConfig(false, writeConfig(t, "clientID: x\n"), ""))
		require.Error(t, err)

		var verrs config.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Contains(t, err.Error(), "fhirBaseURL")
		assert.Contains(t, err.Error(), "session.secret")
	})

	t.Run("malformed file", func(t *testing.T) {
		_, err := NewApplication(context.Background(), NewConfig(false, writeConfig(t, "clientID: [oops"), ""))
		assert.Error(t, err)
	})
}

func TestApplication_RunStopsOnCancel(t *testing.T) {
	application, err := NewApplication(context.Background(), NewConfig(false, writeConfig(t, validYAML), ""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
