package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultSessionCookie = "smartgate_session"
	DefaultBindingCookie = "smartgate_launch"

	cookieIssuer = "smartgate"

	audienceSession = "session"
	audienceBinding = "launch"

	// BindingCookieTTL bounds how long a launch can wait for its callback.
	BindingCookieTTL = 10 * time.Minute

	// sessionCookieLifetime caps the session cookie. The session itself
	// expires earlier when idle.
	sessionCookieLifetime = 24 * time.Hour
)

var errInvalidCookie = errors.New("invalid cookie")

// CookieConfig configures the session and launch binding cookies.
type CookieConfig struct {
	Secret      []byte
	SessionName string
	BindingName string
	Secure      bool
	SameSite    http.SameSite
}

// cookieClaims carry a session id or a binding id in the subject.
type cookieClaims struct {
	jwt.RegisteredClaims
}

// cookieSigner issues and verifies HS256 cookie values.
type cookieSigner struct {
	cfg CookieConfig
	now func() time.Time
}

func newCookieSigner(cfg CookieConfig) *cookieSigner {
	return &cookieSigner{cfg: cfg, now: time.Now}
}

func (s *cookieSigner) sign(audience, subject string, ttl time.Duration) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cookieClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cookieIssuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.cfg.Secret)
}

func (s *cookieSigner) verify(audience, value string) (string, error) {
	claims := &cookieClaims{}
	parsed, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (interface{}, error) {
		return s.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cookieIssuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", errInvalidCookie
	}
	return claims.Subject, nil
}

// setSession stores the session id in a signed cookie.
func (s *cookieSigner) setSession(w http.ResponseWriter, sessionID string) error {
	value, err := s.sign(audienceSession, sessionID, sessionCookieLifetime)
	if err != nil {
		return err
	}
	http.SetCookie(w, s.cookie(s.cfg.SessionName, value, 0))
	return nil
}

// sessionID returns the verified session id, or "" when the cookie is
// missing, forged or expired.
func (s *cookieSigner) sessionID(r *http.Request) string {
	return s.read(r, s.cfg.SessionName, audienceSession)
}

func (s *cookieSigner) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie(s.cfg.SessionName, "", -1))
}

// setBinding issues a fresh binding id for a launch.
func (s *cookieSigner) setBinding(w http.ResponseWriter) (string, error) {
	bindingID := uuid.NewString()
	value, err := s.sign(audienceBinding, bindingID, BindingCookieTTL)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, s.cookie(s.cfg.BindingName, value, int(BindingCookieTTL.Seconds())))
	return bindingID, nil
}

func (s *cookieSigner) bindingID(r *http.Request) string {
	return s.read(r, s.cfg.BindingName, audienceBinding)
}

func (s *cookieSigner) clearBinding(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie(s.cfg.BindingName, "", -1))
}

func (s *cookieSigner) read(r *http.Request, name, audience string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	subject, err := s.verify(audience, c.Value)
	if err != nil {
		return ""
	}
	return subject
}

func (s *cookieSigner) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.Secure,
		SameSite: s.cfg.SameSite,
	}
}

// ParseSameSite maps a configuration value to http.SameSite. Unknown values
// fall back to Lax, which the callback redirect needs.
func ParseSameSite(v string) http.SameSite {
	switch v {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
