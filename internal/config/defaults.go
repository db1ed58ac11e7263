package config

import "time"

const (
	DefaultListenAddr           = ":8080"
	DefaultSessionCookieName    = "smartgate_session"
	DefaultBindingCookieName    = "smartgate_launch"
	DefaultSameSite             = "lax"
	DefaultSessionIdleTTL       = 8 * time.Hour
	DefaultTokenTimeout         = 10 * time.Second
	DefaultDiscoveryTimeout     = 10 * time.Second
	DefaultResourceTimeout      = 5 * time.Second
	DefaultDiscoveryCacheTTL    = 24 * time.Hour
	DefaultRefreshSafetyMargin  = 60 * time.Second
	DefaultAttemptTTL           = 10 * time.Minute
	DefaultCodeLedgerTTL        = 15 * time.Minute
	DefaultTokenLifetime        = 5 * time.Minute
	DefaultCallbackRPS          = 5
	DefaultCallbackBurst        = 20
	DefaultRedisKeyPrefix       = "smartgate:"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	MinSessionSecretLength      = 32
	DefaultLandingURL           = "/"
	defaultScopeOpenID          = "openid"
	defaultScopeFHIRUser        = "fhirUser"
	defaultScopeOfflineAccess   = "offline_access"
	defaultScopePatientReadable = "patient/Patient.read"
)

// GetDefaultConfig returns a configuration with every tunable at its default.
// Deployment-specific values (base URL, client, secrets) are left empty.
func GetDefaultConfig() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		Scopes: []string{
			defaultScopeOpenID,
			defaultScopeFHIRUser,
			defaultScopeOfflineAccess,
			defaultScopePatientReadable,
		},
		LandingURL: DefaultLandingURL,
		Session: SessionConfig{
			CookieName:        DefaultSessionCookieName,
			BindingCookieName: DefaultBindingCookieName,
			Secure:            true,
			SameSite:          DefaultSameSite,
			IdleTTL:           DefaultSessionIdleTTL,
		},
		Timeouts: TimeoutConfig{
			Token:     DefaultTokenTimeout,
			Discovery: DefaultDiscoveryTimeout,
			Resource:  DefaultResourceTimeout,
		},
		Redis: RedisConfig{
			KeyPrefix: DefaultRedisKeyPrefix,
		},
		Callback: RateLimitConfig{
			RPS:   DefaultCallbackRPS,
			Burst: DefaultCallbackBurst,
		},
		DiscoveryCacheTTL:    DefaultDiscoveryCacheTTL,
		RefreshSafetyMargin:  DefaultRefreshSafetyMargin,
		AttemptTTL:           DefaultAttemptTTL,
		CodeLedgerTTL:        DefaultCodeLedgerTTL,
		DefaultTokenLifetime: DefaultTokenLifetime,
		LogLevel:             DefaultLogLevel,
		LogFormat:            DefaultLogFormat,
	}
}
