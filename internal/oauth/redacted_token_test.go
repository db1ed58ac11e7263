package oauth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactedToken_Formatting(t *testing.T) {
	token := NewRedactedToken("super-secret-token-12345")

	assert.Equal(t, "[REDACTED]", token.String())
	assert.Equal(t, "super-secret-token-12345", token.Value())
	assert.Equal(t, "oauth.RedactedToken{[REDACTED]}", token.GoString())
	assert.Equal(t, "Token: [REDACTED]", fmt.Sprintf("Token: %s", token))
	assert.Equal(t, "Token: [REDACTED]", fmt.Sprintf("Token: %v", token))
	assert.NotContains(t, fmt.Sprintf("%+v", struct{ T RedactedToken }{token}), "super-secret")
}

func TestRedactedToken_JSON(t *testing.T) {
	material := struct {
		Access RedactedToken `json:"access"`
	}{Access: NewRedactedToken("secret")}

	data, err := json.Marshal(material)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access":"[REDACTED]"}`, string(data))
}

func TestRedactedToken_Equal(t *testing.T) {
	a := NewRedactedToken("abc")
	assert.True(t, a.Equal(NewRedactedToken("abc")))
	assert.False(t, a.Equal(NewRedactedToken("abd")))
	assert.False(t, a.Equal(RedactedToken{}))
	assert.True(t, RedactedToken{}.IsEmpty())
}

func TestRedactedToken_Fingerprint(t *testing.T) {
	a := NewRedactedToken("refresh-token-value")
	assert.Len(t, a.Fingerprint(), 8)
	assert.NotContains(t, a.Fingerprint(), "refresh")
	assert.Equal(t, a.Fingerprint(), NewRedactedToken("refresh-token-value").Fingerprint())
}

func TestRedactedToken_LogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	token := NewRedactedToken("refresh-token-value")
	logger.Info("rotated", "token", token, "empty", RedactedToken{})

	assert.NotContains(t, buf.String(), "refresh-token-value")
	assert.Contains(t, buf.String(), "token=[REDACTED]#"+token.Fingerprint())
	assert.Contains(t, buf.String(), "empty=[REDACTED]")
}
