// Package fakeehr is an in-process EHR for tests: a SMART authorization
// server and a FHIR server behind one TLS listener.
//
// The authorization server enforces what a real one would: codes are
// single-use and bound to their PKCE challenge and redirect URI, refresh
// tokens rotate, and revoked or superseded tokens fail with invalid_grant.
package fakeehr

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	ClientID     = "test-client"
	FHIRUser     = "Practitioner/dr-1"
	DefaultScope = "openid fhirUser offline_access launch/patient patient/Patient.read"

	idTokenKey = "fakeehr-id-token-key"
)

type grant struct {
	challenge   string
	redirectURI string
	scope       string
	patient     string
	used        bool
}

type tokenState struct {
	scope     string
	patient   string
	expiresAt time.Time
	active    bool
}

// Server is a fake EHR. Configure it with the setters before driving a flow.
type Server struct {
	*httptest.Server

	// Issuer is the FHIR base URL, which is also the SMART issuer.
	Issuer string

	DiscoveryHits atomic.Int32
	TokenHits     atomic.Int32
	RefreshHits   atomic.Int32
	ResourceHits  atomic.Int32

	mu             sync.Mutex
	codes          map[string]*grant
	refreshTokens  map[string]*tokenState
	accessTokens   map[string]*tokenState
	revoked        []string
	resources      map[string]string
	documentStatus map[string]int
	document       map[string]any
	expiresIn      int
	grantedScope   string
	omitScope      bool
	patient        string
	rotate         bool
	tokenStatus    int
	tokenRedirect  bool
	tokenGate      chan struct{}
	resourceStatus []int
	deny           bool
}

// New starts a fake EHR that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		codes:          make(map[string]*grant),
		refreshTokens:  make(map[string]*tokenState),
		accessTokens:   make(map[string]*tokenState),
		resources:      make(map[string]string),
		documentStatus: make(map[string]int),
		expiresIn:      3600,
		patient:        "123",
		rotate:         true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /fhir/.well-known/smart-configuration", s.handleDocument)
	mux.HandleFunc("GET /fhir/.well-known/oauth-authorization-server", s.handleDocument)
	mux.HandleFunc("GET /auth/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /auth/token", s.handleToken)
	mux.HandleFunc("POST /auth/revoke", s.handleRevoke)
	mux.HandleFunc("GET /fhir/{type}/{id}", s.handleResource)

	s.Server = httptest.NewTLSServer(mux)
	s.Issuer = s.URL + "/fhir"
	s.AddResource("Patient", "123", `{"resourceType":"Patient","id":"123","name":[{"family":"Chalmers","given":["Peter"]}]}`)
	t.Cleanup(s.Close)
	return s
}

// HTTPClient returns a client trusting the server's certificate that does
// not follow redirects.
func (s *Server) HTTPClient() *http.Client {
	c := *s.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &c
}

// SetExpiresIn sets expires_in for issued access tokens. Zero omits it.
func (s *Server) SetExpiresIn(seconds int) { s.with(func() { s.expiresIn = seconds }) }

// SetGrantedScope overrides the scope granted on code exchange.
func (s *Server) SetGrantedScope(scope string) { s.with(func() { s.grantedScope = scope }) }

// OmitScope makes token responses leave out the scope parameter.
func (s *Server) OmitScope() { s.with(func() { s.omitScope = true }) }

// SetPatient sets the patient launch context. Empty omits it.
func (s *Server) SetPatient(id string) { s.with(func() { s.patient = id }) }

// DisableRotation makes refresh responses reuse the presented refresh token.
func (s *Server) DisableRotation() { s.with(func() { s.rotate = false }) }

// SetTokenStatus makes the token endpoint fail with status.
func (s *Server) SetTokenStatus(status int) { s.with(func() { s.tokenStatus = status }) }

// SetTokenRedirect makes the token endpoint answer with a redirect.
func (s *Server) SetTokenRedirect() { s.with(func() { s.tokenRedirect = true }) }

// Deny makes the authorize endpoint report access_denied.
func (s *Server) Deny() { s.with(func() { s.deny = true }) }

// SetDocumentStatus makes the well-known document at path fail with status.
// path is relative to the issuer, e.g. "/.well-known/smart-configuration".
func (s *Server) SetDocumentStatus(path string, status int) {
	s.with(func() { s.documentStatus["/fhir"+path] = status })
}

// SetDocument replaces the capability document. Keys override defaults; a
// nil value removes the key.
func (s *Server) SetDocument(doc map[string]any) { s.with(func() { s.document = doc }) }

// QueueResourceStatus makes the next resource requests fail with the given
// statuses, in order, before normal handling resumes.
func (s *Server) QueueResourceStatus(statuses ...int) {
	s.with(func() { s.resourceStatus = append(s.resourceStatus, statuses...) })
}

// AddResource serves body at /fhir/{typ}/{id}.
func (s *Server) AddResource(typ, id, body string) {
	s.with(func() { s.resources[typ+"/"+id] = body })
}

// BlockToken holds token requests until the returned release func is called.
func (s *Server) BlockToken() (release func()) {
	gate := make(chan struct{})
	s.with(func() { s.tokenGate = gate })
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// ExpireAccessToken makes the resource server reject token.
func (s *Server) ExpireAccessToken(token string) {
	s.with(func() {
		if st, ok := s.accessTokens[token]; ok {
			st.expiresAt = time.Now().Add(-time.Second)
		}
	})
}

// Revoked returns the tokens passed to the revocation endpoint.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

// RefreshTokenActive reports whether token would still be accepted.
func (s *Server) RefreshTokenActive(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.refreshTokens[token]
	return ok && st.active
}

// IssueCode registers an authorization code as if the user approved a
// request with the given challenge, redirect URI and scope.
func (s *Server) IssueCode(challenge, redirectURI, scope string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := "code-" + randomString()
	s.codes[code] = &grant{challenge: challenge, redirectURI: redirectURI, scope: scope, patient: s.patient}
	return code
}

// Approve follows an authorization URL as a consenting user would and
// returns the callback URL the browser is sent back to.
func (s *Server) Approve(authURL string) (*url.URL, error) {
	resp, err := s.HTTPClient().Get(authURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("authorize returned status %d", resp.StatusCode)
	}
	return url.Parse(resp.Header.Get("Location"))
}

func (s *Server) with(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	s.DiscoveryHits.Add(1)

	s.mu.Lock()
	status := s.documentStatus[r.URL.Path]
	override := s.document
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	doc := map[string]any{
		"issuer":                                s.Issuer,
		"authorization_endpoint":                s.URL + "/auth/authorize",
		"token_endpoint":                        s.URL + "/auth/token",
		"revocation_endpoint":                   s.URL + "/auth/revoke",
		"scopes_supported":                      strings.Fields(DefaultScope),
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic"},
		"code_challenge_methods_supported":      []string{"S256"},
		"capabilities":                          []string{"launch-ehr", "launch-standalone", "context-ehr-patient", "permission-offline"},
	}
	for k, v := range override {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}

	params := url.Values{"state": {q.Get("state")}}
	switch {
	case q.Get("response_type") != "code",
		q.Get("code_challenge") == "",
		q.Get("code_challenge_method") != "S256",
		q.Get("code_verifier") != "",
		q.Get("aud") != s.Issuer:
		params.Set("error", "invalid_request")
	default:
		s.mu.Lock()
		deny := s.deny
		s.mu.Unlock()
		if deny {
			params.Set("error", "access_denied")
			params.Set("error_description", "The user declined")
		} else {
			params.Set("code", s.IssueCode(q.Get("code_challenge"), redirectURI, q.Get("scope")))
		}
	}

	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.TokenHits.Add(1)

	s.mu.Lock()
	gate, status, redirect := s.tokenGate, s.tokenStatus, s.tokenRedirect
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if redirect {
		http.Redirect(w, r, s.URL+"/moved/token", http.StatusTemporaryRedirect)
		return
	}
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": "server_error"})
		return
	}

	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	clientID, _, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
	}
	if clientID != ClientID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r.PostForm)
	case "refresh_token":
		s.RefreshHits.Add(1)
		s.refresh(w, r.PostForm)
	default:
		tokenError(w, "unsupported_grant_type")
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, form url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.codes[form.Get("code")]
	if !ok || g.used {
		tokenError(w, "invalid_grant")
		return
	}
	g.used = true
	if oauth2.S256ChallengeFromVerifier(form.Get("code_verifier")) != g.challenge || form.Get("redirect_uri") != g.redirectURI {
		tokenError(w, "invalid_grant")
		return
	}

	scope := g.scope
	if s.grantedScope != "" {
		scope = s.grantedScope
	}
	s.issueLocked(w, scope, g.patient, "")
}

func (s *Server) refresh(w http.ResponseWriter, form url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()

	presented := form.Get("refresh_token")
	st, ok := s.refreshTokens[presented]
	if !ok || !st.active {
		tokenError(w, "invalid_grant")
		return
	}
	reuse := ""
	if s.rotate {
		st.active = false
	} else {
		reuse = presented
	}
	scope := st.scope
	if s.grantedScope != "" {
		scope = s.grantedScope
	}
	s.issueLocked(w, scope, st.patient, reuse)
}

func (s *Server) issueLocked(w http.ResponseWriter, scope, patient, reuseRefresh string) {
	access := "at-" + randomString()
	refresh := reuseRefresh
	if refresh == "" {
		refresh = "rt-" + randomString()
	}

	lifetime := s.expiresIn
	if lifetime == 0 {
		lifetime = 300
	}
	s.accessTokens[access] = &tokenState{scope: scope, patient: patient, expiresAt: time.Now().Add(time.Duration(lifetime) * time.Second), active: true}
	s.refreshTokens[refresh] = &tokenState{scope: scope, patient: patient, active: true}

	idToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":      s.Issuer,
		"aud":      ClientID,
		"sub":      "dr-1",
		"fhirUser": FHIRUser,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(idTokenKey))

	resp := map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"refresh_token": refresh,
		"id_token":      idToken,
	}
	if s.expiresIn != 0 {
		resp["expires_in"] = s.expiresIn
	}
	if !s.omitScope {
		resp["scope"] = scope
	}
	if patient != "" {
		resp["patient"] = patient
		resp["need_patient_banner"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	token := r.PostForm.Get("token")

	s.mu.Lock()
	s.revoked = append(s.revoked, token)
	if st, ok := s.refreshTokens[token]; ok {
		st.active = false
	}
	if st, ok := s.accessTokens[token]; ok {
		st.active = false
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	s.ResourceHits.Add(1)
	typ, id := r.PathValue("type"), r.PathValue("id")

	s.mu.Lock()
	var queued int
	if len(s.resourceStatus) > 0 {
		queued, s.resourceStatus = s.resourceStatus[0], s.resourceStatus[1:]
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	st, known := s.accessTokens[token]
	valid := known && st.active && time.Now().Before(st.expiresAt)
	var scope string
	if known {
		scope = st.scope
	}
	body, found := s.resources[typ+"/"+id]
	s.mu.Unlock()

	switch {
	case queued == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="fhir", error="invalid_token"`)
		writeOutcome(w, queued, "login", "token rejected")
		return
	case queued != 0:
		writeOutcome(w, queued, "exception", "queued failure")
		return
	case !valid:
		w.Header().Set("WWW-Authenticate", `Bearer realm="fhir", error="invalid_token", error_description="token expired or unknown"`)
		writeOutcome(w, http.StatusUnauthorized, "login", "invalid token")
		return
	case !scopeAllows(scope, typ):
		w.Header().Set("WWW-Authenticate", `Bearer realm="fhir", error="insufficient_scope", scope="patient/`+typ+`.read"`)
		writeOutcome(w, http.StatusUnauthorized, "forbidden", "insufficient scope")
		return
	case !found:
		writeOutcome(w, http.StatusNotFound, "not-found", fmt.Sprintf("%s/%s is not known", typ, id))
		return
	}

	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func scopeAllows(granted, typ string) bool {
	for _, s := range strings.Fields(granted) {
		for _, ctx := range []string{"patient/", "user/", "system/"} {
			for _, res := range []string{typ, "*"} {
				for _, perm := range []string{".read", ".*", ".rs", ".cruds"} {
					if s == ctx+res+perm {
						return true
					}
				}
			}
		}
	}
	return false
}

func writeOutcome(w http.ResponseWriter, status int, code, diagnostics string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]string{{
			"severity":    "error",
			"code":        code,
			"diagnostics": diagnostics,
		}},
	})
}

func tokenError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomString() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
