package oauth

import (
	"fmt"
	"slices"
	"time"
)

// CapabilityDocument is the SMART configuration (or RFC 8414 metadata) of an
// authorization server. It is immutable once fetched.
type CapabilityDocument struct {
	Issuer                            string   `json:"issuer,omitempty"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	Capabilities                      []string `json:"capabilities,omitempty"`

	// FetchedAt is set by the discovery client, not read from the document.
	FetchedAt time.Time `json:"-"`
	// Source is the URL the document was actually loaded from.
	Source string `json:"-"`
}

// SupportsRevocation reports whether the server advertises RFC 7009.
func (c *CapabilityDocument) SupportsRevocation() bool {
	return c.RevocationEndpoint != ""
}

// HasCapability reports whether a SMART capability string is advertised.
func (c *CapabilityDocument) HasCapability(capability string) bool {
	return slices.Contains(c.Capabilities, capability)
}

// LaunchContext is the patient and user context bound to a token.
type LaunchContext struct {
	Patient           string `json:"patient,omitempty"`
	Encounter         string `json:"encounter,omitempty"`
	FHIRUser          string `json:"fhirUser,omitempty"`
	NeedPatientBanner bool   `json:"needPatientBanner,omitempty"`
}

// TokenMaterial is the credential set held by one session.
//
// Lineage identifies the refresh chain started by one authorization code and
// Generation is the position of this material in it. Only the chain head is
// ever stored.
type TokenMaterial struct {
	AccessToken  RedactedToken
	TokenType    string
	ExpiresAt    time.Time
	IssuedAt     time.Time
	RefreshToken RedactedToken
	GrantedScope ScopeSet
	Launch       LaunchContext
	Lineage      string
	Generation   uint64
}

// ValidFor reports whether the access token is usable for at least margin.
func (m *TokenMaterial) ValidFor(now time.Time, margin time.Duration) bool {
	if m == nil || m.AccessToken.IsEmpty() {
		return false
	}
	return m.ExpiresAt.After(now.Add(margin))
}

// CanRefresh reports whether a refresh token is available.
func (m *TokenMaterial) CanRefresh() bool {
	return m != nil && !m.RefreshToken.IsEmpty()
}

// IsHeadOf reports whether m is the same chain position as head.
func (m *TokenMaterial) IsHeadOf(head *TokenMaterial) bool {
	return m != nil && head != nil &&
		m.Lineage == head.Lineage &&
		m.Generation == head.Generation &&
		m.RefreshToken.Equal(head.RefreshToken)
}

// Clone returns a deep copy.
func (m *TokenMaterial) Clone() *TokenMaterial {
	if m == nil {
		return nil
	}
	c := *m
	c.GrantedScope = slices.Clone(m.GrantedScope)
	return &c
}

// Session is one authenticated browser session.
type Session struct {
	ID           string
	Issuer       string
	Material     *TokenMaterial
	CreatedAt    time.Time
	LastAccessAt time.Time
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Material = s.Material.Clone()
	return &c
}

// AttemptStatus is the lifecycle state of a PendingAttempt.
type AttemptStatus string

const (
	AttemptCreated   AttemptStatus = "created"
	AttemptConsumed  AttemptStatus = "consumed"
	AttemptExchanged AttemptStatus = "exchanged"
	AttemptExpired   AttemptStatus = "expired"
	AttemptDenied    AttemptStatus = "denied"
	AttemptFailed    AttemptStatus = "failed"
)

var attemptTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptCreated:  {AttemptConsumed, AttemptExpired},
	AttemptConsumed: {AttemptExchanged, AttemptExpired, AttemptDenied, AttemptFailed},
}

// PendingAttempt is one in-flight authorization request.
type PendingAttempt struct {
	ID              string
	Verifier        RedactedToken
	Challenge       string
	ChallengeMethod string
	Marker          string
	RequestedScope  ScopeSet
	RedirectURI     string
	Issuer          string
	LaunchToken     string
	BindingID       string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Status          AttemptStatus
}

// Consumed reports whether the attempt has left the created state.
func (a *PendingAttempt) Consumed() bool {
	return a.Status != AttemptCreated
}

// Expired reports whether the attempt is past its TTL at now.
func (a *PendingAttempt) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Transition moves the attempt to next, rejecting illegal edges.
func (a *PendingAttempt) Transition(next AttemptStatus) error {
	if slices.Contains(attemptTransitions[a.Status], next) {
		a.Status = next
		return nil
	}
	return fmt.Errorf("illegal attempt transition %s -> %s", a.Status, next)
}
