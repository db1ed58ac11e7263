package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Validate checks the configuration and returns every problem at once as
// ValidationErrors, or nil when the configuration is usable.
func (c Config) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(c.ClientID) == "" {
		errs.Add("clientID", "is required")
	}
	if err := requireHTTPS(c.FHIRBaseURL); err != nil {
		errs.Add("fhirBaseURL", err.Error(), c.FHIRBaseURL)
	}
	for i, iss := range c.AllowedIssuers {
		if err := requireHTTPS(iss); err != nil {
			errs.Add(fmt.Sprintf("allowedIssuers[%d]", i), err.Error(), iss)
		}
	}

	if len(c.AllowedRedirectURIs) == 0 {
		errs.Add("allowedRedirectURIs", "must have at least one entry")
	}
	for i, u := range c.AllowedRedirectURIs {
		if err := requireAbsolute(u); err != nil {
			errs.Add(fmt.Sprintf("allowedRedirectURIs[%d]", i), err.Error(), u)
		}
	}
	if c.RedirectURI == "" {
		errs.Add("redirectURI", "is required")
	} else if !slices.Contains(c.AllowedRedirectURIs, c.RedirectURI) {
		errs.Add("redirectURI", "must be one of allowedRedirectURIs", c.RedirectURI)
	}
	if len(c.Scopes) == 0 {
		errs.Add("scopes", "must have at least one entry")
	}

	if len(c.Session.Secret) < MinSessionSecretLength {
		errs.Add("session.secret", fmt.Sprintf("must be at least %d bytes", MinSessionSecretLength))
	}
	switch strings.ToLower(c.Session.SameSite) {
	case "lax", "strict", "none":
	default:
		errs.Add("session.sameSite", "must be one of lax, strict, none", c.Session.SameSite)
	}
	if strings.EqualFold(c.Session.SameSite, "none") && !c.Session.Secure {
		errs.Add("session.secure", "must be true when sameSite is none")
	}

	positive := map[string]int64{
		"timeouts.token":       int64(c.Timeouts.Token),
		"timeouts.discovery":   int64(c.Timeouts.Discovery),
		"timeouts.resource":    int64(c.Timeouts.Resource),
		"discoveryCacheTTL":    int64(c.DiscoveryCacheTTL),
		"attemptTTL":           int64(c.AttemptTTL),
		"codeLedgerTTL":        int64(c.CodeLedgerTTL),
		"defaultTokenLifetime": int64(c.DefaultTokenLifetime),
		"session.idleTTL":      int64(c.Session.IdleTTL),
	}
	for _, field := range sortedKeys(positive) {
		if positive[field] <= 0 {
			errs.Add(field, "must be positive")
		}
	}
	if c.RefreshSafetyMargin < 0 {
		errs.Add("refreshSafetyMargin", "must not be negative")
	}
	if c.Callback.RPS <= 0 || c.Callback.Burst <= 0 {
		errs.Add("callbackRateLimit", "rps and burst must be positive")
	}
	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			errs.Add("redis.url", "is not a valid URL")
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func requireHTTPS(raw string) error {
	if err := requireAbsolute(raw); err != nil {
		return err
	}
	u, _ := url.Parse(raw)
	if u.Scheme != "https" {
		return fmt.Errorf("must use https")
	}
	return nil
}

func requireAbsolute(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL")
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
