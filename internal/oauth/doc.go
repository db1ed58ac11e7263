// Package oauth implements the SMART App Launch authorization flow for the
// gateway: capability discovery, PKCE-protected authorization requests,
// callback validation, code exchange and refresh token rotation.
//
// # Flow
//
//  1. A browser hits /launch. Manager.StartLaunch checks the issuer, looks up
//     its capability document and creates a PendingAttempt holding a fresh
//     PKCE verifier and an independent anti-forgery marker.
//  2. The browser is redirected to the authorization endpoint. The URL
//     carries the S256 challenge and the marker as state, never the verifier.
//  3. The authorization server redirects back to /callback.
//     Manager.CompleteCallback consumes the attempt by marker (at most once),
//     records the code hash in the redeemed-code ledger and exchanges the
//     code with the stored verifier.
//  4. The resulting TokenMaterial is stored in a new Session.
//  5. TokenManager keeps the access token valid. Every refresh rotates the
//     refresh token and advances the session's chain generation.
//
// # Security
//
// ## Anti-forgery
//
// Markers are consumed with test-and-set semantics. A consumed marker stays
// behind as a tombstone until the attempt TTL, so a replayed callback is
// reported as reused. Each attempt is also bound to the browser that started
// it.
//
// ## Code replay
//
// Only SHA-256(code) is persisted. A code seen twice is refused, and the
// session created by its first redemption is revoked and deleted.
//
// ## Refresh reuse
//
// A session stores only the head of its refresh chain (lineage plus
// generation). Presenting anything other than the head to TokenManager.Refresh
// is treated as token theft: both tokens are revoked and the session is
// deleted. Concurrent refreshes of the same head share a single network call,
// and the store swaps material with a compare-and-swap on the generation.
//
// ## Secrets in logs
//
// Tokens and verifiers are held as RedactedToken, whose String, GoString and
// JSON forms never contain the value. Codes are logged only as fingerprints.
//
// # Storage
//
// AttemptStore, SessionStore and CodeLedger each have an in-memory and a Redis
// implementation. The Redis stores use Lua scripts for the atomic consume and
// compare-and-swap operations, so several gateway replicas can share state.
package oauth
