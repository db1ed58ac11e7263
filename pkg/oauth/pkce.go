package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// MethodS256 is the only code challenge method smartgate issues or accepts.
	MethodS256 = "S256"

	// stateBytes is the number of random bytes for the OAuth state parameter.
	// 32 bytes encodes to 43 base64url characters.
	stateBytes = 32

	// Verifier length bounds from RFC 7636 section 4.1.
	minVerifierLen = 43
	maxVerifierLen = 128
)

// GeneratePKCE generates a new PKCE code verifier and challenge.
// The code verifier is 32 random bytes (256 bits), base64url-encoded.
// The code challenge is the S256 (SHA256) hash of the verifier.
func GeneratePKCE() *PKCEChallenge {
	verifier := oauth2.GenerateVerifier()
	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: MethodS256,
	}
}

// GenerateState generates a random anti-forgery marker for the state
// parameter. It draws its own entropy and is never derived from a verifier.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidVerifier reports whether v satisfies the RFC 7636 verifier grammar:
// 43-128 characters from the unreserved set [A-Za-z0-9-._~].
func ValidVerifier(v string) bool {
	if len(v) < minVerifierLen || len(v) > maxVerifierLen {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyPKCE checks that challenge was derived from verifier with method.
// Only S256 is supported; "plain" is rejected.
func VerifyPKCE(verifier, challenge, method string) error {
	if method != MethodS256 {
		return fmt.Errorf("unsupported code challenge method %q", method)
	}
	if !ValidVerifier(verifier) {
		return fmt.Errorf("code verifier does not satisfy RFC 7636 grammar")
	}
	expected := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return fmt.Errorf("code challenge does not match verifier")
	}
	return nil
}
