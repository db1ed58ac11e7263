package oauth

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// classify with errors.Is without depending on the concrete type.
var (
	ErrDiscovery               = errors.New("discovery failed")
	ErrInsecureEndpoint        = errors.New("insecure endpoint")
	ErrUntrustedRedirect       = errors.New("untrusted redirect uri")
	ErrUntrustedIssuer         = errors.New("untrusted issuer")
	ErrCSRF                    = errors.New("anti-forgery check failed")
	ErrAuthorizationDenied     = errors.New("authorization denied")
	ErrAuthorizationServer     = errors.New("authorization server error")
	ErrPKCEValidation          = errors.New("pkce validation failed")
	ErrInvalidGrant            = errors.New("invalid grant")
	ErrCodeReplay              = errors.New("authorization code already redeemed")
	ErrRefreshReuseDetected    = errors.New("refresh token reuse detected")
	ErrStaleRefreshToken       = errors.New("stale refresh token")
	ErrReauthorizationRequired = errors.New("re-authorization required")
	ErrSessionNotFound         = errors.New("session not found")
	ErrTransient               = errors.New("transient failure")
	ErrEndpointMismatch        = errors.New("endpoint no longer matches capability document")
	ErrUnsupportedTokenType    = errors.New("unsupported token type")

	// ErrConflict is returned by add-only store operations when the key exists.
	ErrConflict = errors.New("conflict")
	// ErrExpiredMaterial is returned when storing token material that has
	// already expired.
	ErrExpiredMaterial = errors.New("token material already expired")
)

// DiscoveryError reports a failure to obtain a usable capability document.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() []error {
	return []error{ErrDiscovery, e.Err}
}

// InsecureEndpointError reports an endpoint that is relative or not https.
type InsecureEndpointError struct {
	Field string
	URL   string
}

func (e *InsecureEndpointError) Error() string {
	return fmt.Sprintf("%s %q must be an absolute https URL", e.Field, e.URL)
}

func (e *InsecureEndpointError) Unwrap() error {
	return ErrInsecureEndpoint
}

// UntrustedRedirectError reports a redirect URI outside the allowlist.
type UntrustedRedirectError struct {
	URI string
}

func (e *UntrustedRedirectError) Error() string {
	return fmt.Sprintf("redirect uri %q is not registered", e.URI)
}

func (e *UntrustedRedirectError) Unwrap() error {
	return ErrUntrustedRedirect
}

// UntrustedIssuerError reports a launch naming an issuer that is not
// configured.
type UntrustedIssuerError struct {
	Issuer string
}

func (e *UntrustedIssuerError) Error() string {
	return fmt.Sprintf("issuer %q is not allowed", e.Issuer)
}

func (e *UntrustedIssuerError) Unwrap() error {
	return ErrUntrustedIssuer
}

// CSRF rejection reasons.
const (
	CSRFMissingState    = "missing_state"
	CSRFUnknownState    = "unknown_state"
	CSRFReusedState     = "reused_state"
	CSRFExpiredState    = "expired_state"
	CSRFBindingMismatch = "binding_mismatch"
	CSRFMissingCode     = "missing_code"
)

// CSRFError reports a callback whose anti-forgery marker failed validation.
type CSRFError struct {
	Reason string
}

func (e *CSRFError) Error() string {
	return fmt.Sprintf("anti-forgery check failed: %s", e.Reason)
}

func (e *CSRFError) Unwrap() error {
	return ErrCSRF
}

// AuthorizationDeniedError is returned when the user declined the request.
type AuthorizationDeniedError struct {
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("authorization denied: %s", e.Code)
}

func (e *AuthorizationDeniedError) Unwrap() error {
	return ErrAuthorizationDenied
}

// AuthorizationServerError carries any other error parameter from the
// authorization redirect.
type AuthorizationServerError struct {
	Code        string
	Description string
}

func (e *AuthorizationServerError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization server error: %s", e.Code)
	}
	return fmt.Sprintf("authorization server error: %s: %s", e.Code, e.Description)
}

func (e *AuthorizationServerError) Unwrap() error {
	return ErrAuthorizationServer
}

// TokenError is a token endpoint error response (RFC 6749 section 5.2).
type TokenError struct {
	Code        string
	Description string
	StatusCode  int
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token endpoint returned %s (status %d)", e.Code, e.StatusCode)
}

// IsInvalidGrant reports whether the code or refresh token was rejected.
func (e *TokenError) IsInvalidGrant() bool {
	return e.Code == "invalid_grant"
}

func (e *TokenError) Unwrap() error {
	if e.IsInvalidGrant() {
		return ErrInvalidGrant
	}
	return nil
}

// TransientError wraps a network, timeout or 5xx failure. The whole user
// action is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// IsSecurityEvent reports whether err must be logged as an audit event.
func IsSecurityEvent(err error) bool {
	for _, target := range []error{
		ErrCSRF,
		ErrCodeReplay,
		ErrRefreshReuseDetected,
		ErrUntrustedRedirect,
		ErrUntrustedIssuer,
		ErrPKCEValidation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RequiresReauthorization reports whether the caller must start a new launch.
func RequiresReauthorization(err error) bool {
	return errors.Is(err, ErrReauthorizationRequired) ||
		errors.Is(err, ErrRefreshReuseDetected) ||
		errors.Is(err, ErrSessionNotFound)
}
