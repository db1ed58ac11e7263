package config

import "time"

// Config is the top-level gateway configuration loaded from config.yaml and
// SMARTGATE_* environment variables.
type Config struct {
	// ListenAddr is the address the HTTP surface binds to.
	ListenAddr string `yaml:"listenAddr"`

	// FHIRBaseURL is the record server base URL used for standalone launches.
	// It doubles as the SMART issuer and the "aud" parameter.
	FHIRBaseURL string `yaml:"fhirBaseURL"`

	// AllowedIssuers lists the record servers an EHR launch may name in ?iss=.
	// Empty means only FHIRBaseURL.
	AllowedIssuers []string `yaml:"allowedIssuers,omitempty"`

	ClientID string `yaml:"clientID"`

	// ClientSecret is set for confidential clients only.
	ClientSecret string `yaml:"clientSecret,omitempty"`

	// RedirectURI is the callback URI used when a launch does not ask for one.
	RedirectURI string `yaml:"redirectURI"`

	// AllowedRedirectURIs is the exact-match allowlist. Hot-reloadable.
	AllowedRedirectURIs []string `yaml:"allowedRedirectURIs"`

	// Scopes requested on every launch. Launch scopes are added automatically.
	Scopes []string `yaml:"scopes"`

	// LandingURL is where the browser goes after a successful callback.
	LandingURL string `yaml:"landingURL"`

	Session  SessionConfig   `yaml:"session"`
	Timeouts TimeoutConfig   `yaml:"timeouts"`
	Redis    RedisConfig     `yaml:"redis,omitempty"`
	Callback RateLimitConfig `yaml:"callbackRateLimit"`

	DiscoveryCacheTTL    time.Duration `yaml:"discoveryCacheTTL"`
	RefreshSafetyMargin  time.Duration `yaml:"refreshSafetyMargin"`
	AttemptTTL           time.Duration `yaml:"attemptTTL"`
	CodeLedgerTTL        time.Duration `yaml:"codeLedgerTTL"`
	DefaultTokenLifetime time.Duration `yaml:"defaultTokenLifetime"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// SessionConfig controls the browser session and binding cookies.
type SessionConfig struct {
	// Secret signs the session and binding cookies. At least 32 bytes.
	Secret            string        `yaml:"secret"`
	CookieName        string        `yaml:"cookieName"`
	BindingCookieName string        `yaml:"bindingCookieName"`
	Secure            bool          `yaml:"secure"`
	SameSite          string        `yaml:"sameSite"`
	IdleTTL           time.Duration `yaml:"idleTTL"`
}

// TimeoutConfig holds per-call downstream timeouts.
type TimeoutConfig struct {
	Token     time.Duration `yaml:"token"`
	Discovery time.Duration `yaml:"discovery"`
	Resource  time.Duration `yaml:"resource"`
}

// RedisConfig enables the shared Redis backend when URL is set.
type RedisConfig struct {
	URL       string `yaml:"url,omitempty"`
	KeyPrefix string `yaml:"keyPrefix,omitempty"`
}

// RateLimitConfig is a token bucket for an endpoint.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Issuers returns the effective issuer allowlist.
func (c Config) Issuers() []string {
	if len(c.AllowedIssuers) > 0 {
		return c.AllowedIssuers
	}
	if c.FHIRBaseURL == "" {
		return nil
	}
	return []string{c.FHIRBaseURL}
}

// RedisEnabled reports whether the shared Redis backend is configured.
func (c Config) RedisEnabled() bool {
	return c.Redis.URL != ""
}
