package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"smartgate/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/smartgate"
	configFileName = "config.yaml"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SMARTGATE_"
)

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// GetDefaultConfigPath returns ~/.config/smartgate, or the working directory
// when no home directory is available (for example in minimal containers).
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, userConfigDir)
}

// ConfigFilePath returns the config.yaml path inside configPath.
func ConfigFilePath(configPath string) string {
	return filepath.Join(configPath, configFileName)
}

// LoadConfig loads config.yaml from configPath and applies environment
// overrides from the process environment. A missing file is not an error.
func LoadConfig(configPath string) (Config, error) {
	return LoadConfigWithEnv(configPath, os.LookupEnv)
}

// LoadConfigWithEnv is LoadConfig with an injectable environment.
func LoadConfigWithEnv(configPath string, lookup LookupFunc) (Config, error) {
	cfg := GetDefaultConfig()
	configFilePath := ConfigFilePath(configPath)

	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Info("Config", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
		}
		logging.Info("Config", "Loaded configuration from %s", configFilePath)
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envBinding struct {
	name  string
	apply func(cfg *Config, value string) error
}

func stringVar(target func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*target(cfg) = v
		return nil
	}
}

func listVar(target func(*Config) *[]string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*target(cfg) = splitList(v)
		return nil
	}
}

func durationVar(target func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*target(cfg) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"LISTEN_ADDR", stringVar(func(c *Config) *string { return &c.ListenAddr })},
	{"FHIR_BASE_URL", stringVar(func(c *Config) *string { return &c.FHIRBaseURL })},
	{"ALLOWED_ISSUERS", listVar(func(c *Config) *[]string { return &c.AllowedIssuers })},
	{"CLIENT_ID", stringVar(func(c *Config) *string { return &c.ClientID })},
	{"CLIENT_SECRET", stringVar(func(c *Config) *string { return &c.ClientSecret })},
	{"REDIRECT_URI", stringVar(func(c *Config) *string { return &c.RedirectURI })},
	{"ALLOWED_REDIRECT_URIS", listVar(func(c *Config) *[]string { return &c.AllowedRedirectURIs })},
	{"SCOPES", listVar(func(c *Config) *[]string { return &c.Scopes })},
	{"LANDING_URL", stringVar(func(c *Config) *string { return &c.LandingURL })},
	{"SESSION_SECRET", stringVar(func(c *Config) *string { return &c.Session.Secret })},
	{"COOKIE_NAME", stringVar(func(c *Config) *string { return &c.Session.CookieName })},
	{"COOKIE_SAMESITE", stringVar(func(c *Config) *string { return &c.Session.SameSite })},
	{"COOKIE_SECURE", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Session.Secure = b
		return nil
	}},
	{"SESSION_IDLE_TTL", durationVar(func(c *Config) *time.Duration { return &c.Session.IdleTTL })},
	{"TOKEN_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Timeouts.Token })},
	{"DISCOVERY_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Timeouts.Discovery })},
	{"RESOURCE_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Timeouts.Resource })},
	{"DISCOVERY_CACHE_TTL", durationVar(func(c *Config) *time.Duration { return &c.DiscoveryCacheTTL })},
	{"REFRESH_SAFETY_MARGIN", durationVar(func(c *Config) *time.Duration { return &c.RefreshSafetyMargin })},
	{"ATTEMPT_TTL", durationVar(func(c *Config) *time.Duration { return &c.AttemptTTL })},
	{"CODE_LEDGER_TTL", durationVar(func(c *Config) *time.Duration { return &c.CodeLedgerTTL })},
	{"DEFAULT_TOKEN_LIFETIME", durationVar(func(c *Config) *time.Duration { return &c.DefaultTokenLifetime })},
	{"REDIS_URL", stringVar(func(c *Config) *string { return &c.Redis.URL })},
	{"REDIS_KEY_PREFIX", stringVar(func(c *Config) *string { return &c.Redis.KeyPrefix })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.LogLevel })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return &c.LogFormat })},
}

// applyEnv overlays SMARTGATE_* variables onto cfg.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	for _, b := range envBindings {
		name := EnvPrefix + b.name
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := b.apply(cfg, strings.TrimSpace(v)); err != nil {
			return &EnvError{Variable: name, Err: err}
		}
		logging.Debug("Config", "Applied environment override %s", name)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
