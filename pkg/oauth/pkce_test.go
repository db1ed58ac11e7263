package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCE(t *testing.T) {
	pkce := GeneratePKCE()

	assert.GreaterOrEqual(t, len(pkce.CodeVerifier), 43)
	assert.LessOrEqual(t, len(pkce.CodeVerifier), 128)
	assert.Equal(t, MethodS256, pkce.CodeChallengeMethod)

	hash := sha256.Sum256([]byte(pkce.CodeVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), pkce.CodeChallenge)
	assert.True(t, ValidVerifier(pkce.CodeVerifier))
}

func TestGeneratePKCE_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		pkce := GeneratePKCE()
		require.False(t, seen[pkce.CodeVerifier], "duplicate verifier generated")
		seen[pkce.CodeVerifier] = true
	}
}

func TestGenerateState(t *testing.T) {
	s1, err := GenerateState()
	require.NoError(t, err)
	s2, err := GenerateState()
	require.NoError(t, err)

	assert.Len(t, s1, 43)
	assert.NotEqual(t, s1, s2)
	assert.NotContains(t, s1, "=")
}

func TestValidVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		want     bool
	}{
		{"minimum length", strings.Repeat("a", 43), true},
		{"maximum length", strings.Repeat("Z", 128), true},
		{"unreserved punctuation", strings.Repeat("-._~", 11), true},
		{"too short", strings.Repeat("a", 42), false},
		{"too long", strings.Repeat("a", 129), false},
		{"illegal character", strings.Repeat("a", 42) + "+", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidVerifier(tt.verifier))
		})
	}
}

func TestVerifyPKCE(t *testing.T) {
	pkce := GeneratePKCE()
	other := GeneratePKCE()

	assert.NoError(t, VerifyPKCE(pkce.CodeVerifier, pkce.CodeChallenge, MethodS256))
	assert.Error(t, VerifyPKCE(pkce.CodeVerifier, other.CodeChallenge, MethodS256))
	assert.Error(t, VerifyPKCE(pkce.CodeVerifier, pkce.CodeVerifier, "plain"))
	assert.Error(t, VerifyPKCE("short", pkce.CodeChallenge, MethodS256))
}
