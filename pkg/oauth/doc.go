// Package oauth provides protocol-level OAuth 2.x helpers that carry no
// gateway state: PKCE pair generation and verification (RFC 7636), anti-forgery
// state generation, and parsing of bearer WWW-Authenticate challenges
// (RFC 6750).
//
//	pkce := oauth.GeneratePKCE()
//	state, err := oauth.GenerateState()
//	err = oauth.VerifyPKCE(pkce.CodeVerifier, pkce.CodeChallenge, pkce.CodeChallengeMethod)
//
// The stateful pieces (pending attempts, sessions, refresh rotation) live in
// internal/oauth.
package oauth
