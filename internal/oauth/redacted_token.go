package oauth

import (
	"crypto/subtle"
	"log/slog"

	"smartgate/pkg/logging"
)

const redacted = "[REDACTED]"

// RedactedToken holds an access token, refresh token, authorization code or
// PKCE verifier. Every formatting and encoding path (fmt verbs, JSON, text,
// slog attributes) yields a placeholder; only Value exposes the secret.
//
//	tok := oauth.NewRedactedToken(raw)
//	logging.Info("OAuth", "issued %s", tok)   // issued [REDACTED]
//	slog.Info("issued", "token", tok)         // token=[REDACTED]#1a2b3c4d
type RedactedToken struct {
	value string
}

func NewRedactedToken(value string) RedactedToken {
	return RedactedToken{value: value}
}

// Value returns the secret. Pass it to the wire or a store, never to a log.
func (t RedactedToken) Value() string { return t.value }

func (t RedactedToken) IsEmpty() bool { return t.value == "" }

func (t RedactedToken) String() string   { return redacted }
func (t RedactedToken) GoString() string { return "oauth.RedactedToken{" + redacted + "}" }

// LogValue tags the placeholder with the fingerprint so audit entries about
// the same token can be correlated.
func (t RedactedToken) LogValue() slog.Value {
	if t.value == "" {
		return slog.StringValue(redacted)
	}
	return slog.StringValue(redacted + "#" + t.Fingerprint())
}

// Fingerprint is a short SHA-256 prefix of the secret.
func (t RedactedToken) Fingerprint() string {
	return logging.Fingerprint(t.value)
}

// Equal compares in constant time.
func (t RedactedToken) Equal(other RedactedToken) bool {
	return subtle.ConstantTimeCompare([]byte(t.value), []byte(other.value)) == 1
}

func (t RedactedToken) MarshalText() ([]byte, error) { return []byte(redacted), nil }
func (t RedactedToken) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
