package oauth

import "strings"

// Bearer token error codes from RFC 6750 section 3.1.
const (
	ErrorInvalidRequest    = "invalid_request"
	ErrorInvalidToken      = "invalid_token"
	ErrorInsufficientScope = "insufficient_scope"
)

// AuthChallenge represents parsed information from a WWW-Authenticate header.
type AuthChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer").
	Scheme string

	// Realm is the protection realm.
	Realm string

	// Scope is the space-separated list of scopes the resource requires.
	Scope string

	// Error is the error code from the header (if any).
	Error string

	// ErrorDescription is a human-readable error description (if any).
	ErrorDescription string
}

// IsBearer returns true if the challenge uses the Bearer scheme.
func (c *AuthChallenge) IsBearer() bool {
	return c != nil && strings.EqualFold(c.Scheme, "Bearer")
}

// IsInsufficientScope reports whether the resource server rejected the token
// because it lacks a scope. Refreshing cannot fix this.
func (c *AuthChallenge) IsInsufficientScope() bool {
	return c.IsBearer() && c.Error == ErrorInsufficientScope
}

// PKCEChallenge represents a PKCE (Proof Key for Code Exchange) pair.
type PKCEChallenge struct {
	// CodeVerifier is the secret, never sent in the authorization request.
	CodeVerifier string

	// CodeChallenge is the base64url SHA256 hash of the verifier.
	CodeChallenge string

	// CodeChallengeMethod is always "S256".
	CodeChallengeMethod string
}
