package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"smartgate/internal/config"
	"smartgate/internal/gateway"
	"smartgate/internal/metrics"
	"smartgate/internal/oauth"
	"smartgate/internal/server"
	"smartgate/pkg/logging"
)

const redisPingTimeout = 5 * time.Second

// Services holds the wired components of a running gateway.
//
// Components are built bottom-up: metrics, stores (Redis or in-memory),
// discovery and token clients, the token manager, the flow manager, the
// resource gateway and finally the HTTP server.
type Services struct {
	Metrics   *metrics.Metrics
	Allowlist *oauth.RedirectAllowlist
	Discovery *oauth.DiscoveryClient
	Tokens    *oauth.TokenManager
	Manager   *oauth.Manager
	Gateway   *gateway.Gateway
	Server    *server.Server

	// ListenAddr is the effective listen address.
	ListenAddr string

	// closers release store resources in reverse order of creation.
	closers []func()
}

// stores groups the three keyed stores so both backends build the same shape.
type stores struct {
	attempts oauth.AttemptStore
	sessions oauth.SessionStore
	ledger   oauth.CodeLedger
}

// InitializeServices wires every component from cfg. The caller must call
// Close when done.
func InitializeServices(ctx context.Context, cfg config.Config, reg *prometheus.Registry) (*Services, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	s := &Services{
		Metrics:    metrics.New(reg),
		Allowlist:  oauth.NewRedirectAllowlist(cfg.AllowedRedirectURIs),
		ListenAddr: cfg.ListenAddr,
	}

	st, err := s.buildStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	httpClient := oauth.NewHTTPClient(nil)
	s.Discovery = oauth.NewDiscoveryClient(
		oauth.WithDiscoveryHTTPClient(httpClient),
		oauth.WithDiscoveryCacheTTL(cfg.DiscoveryCacheTTL),
		oauth.WithDiscoveryTimeout(cfg.Timeouts.Discovery),
		oauth.WithDiscoveryMetrics(s.Metrics),
	)
	tokenClient := oauth.NewTokenClient(oauth.TokenClientConfig{
		ClientID:             cfg.ClientID,
		ClientSecret:         cfg.ClientSecret,
		HTTPClient:           httpClient,
		Timeout:              cfg.Timeouts.Token,
		DefaultTokenLifetime: cfg.DefaultTokenLifetime,
		Metrics:              s.Metrics,
	})
	s.Tokens = oauth.NewTokenManager(oauth.TokenManagerConfig{
		Sessions:     st.sessions,
		Discovery:    s.Discovery,
		Tokens:       tokenClient,
		SafetyMargin: cfg.RefreshSafetyMargin,
		Metrics:      s.Metrics,
	})
	s.Manager = oauth.NewManager(oauth.ManagerConfig{
		FHIRBaseURL:    cfg.FHIRBaseURL,
		AllowedIssuers: cfg.AllowedIssuers,
		ClientID:       cfg.ClientID,
		Scopes:         cfg.Scopes,
		Discovery:      s.Discovery,
		Attempts:       oauth.NewAttemptIssuer(st.attempts, cfg.AttemptTTL),
		Builder:        oauth.NewRequestBuilder(s.Allowlist, s.Metrics),
		Callbacks:      oauth.NewCallbackValidator(st.attempts, s.Metrics),
		Tokens:         tokenClient,
		TokenManager:   s.Tokens,
		Sessions:       st.sessions,
		Ledger:         st.ledger,
		Metrics:        s.Metrics,
	})
	s.Gateway = gateway.New(gateway.Config{
		Tokens:     s.Tokens,
		HTTPClient: httpClient,
		Timeout:    cfg.Timeouts.Resource,
		Metrics:    s.Metrics,
	})

	s.Server, err = server.New(server.Options{
		Manager:     s.Manager,
		Gateway:     s.Gateway,
		RedirectURI: cfg.RedirectURI,
		LandingURL:  cfg.LandingURL,
		Cookies: server.CookieConfig{
			Secret:      []byte(cfg.Session.Secret),
			SessionName: cfg.Session.CookieName,
			BindingName: cfg.Session.BindingCookieName,
			Secure:      cfg.Session.Secure,
			SameSite:    server.ParseSameSite(cfg.Session.SameSite),
		},
		CallbackRate:   rate.Limit(cfg.Callback.RPS),
		CallbackBurst:  cfg.Callback.Burst,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create HTTP server: %w", err)
	}

	return s, nil
}

func (s *Services) buildStores(ctx context.Context, cfg config.Config) (stores, error) {
	if !cfg.RedisEnabled() {
		attempts := oauth.NewMemoryAttemptStore()
		sessions := oauth.NewMemorySessionStore(cfg.Session.IdleTTL)
		ledger := oauth.NewMemoryCodeLedger(cfg.CodeLedgerTTL)
		s.closers = append(s.closers, attempts.Stop, sessions.Stop, ledger.Stop)
		logging.Info("Store", "Using in-memory stores")
		return stores{attempts: attempts, sessions: sessions, ledger: ledger}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return stores{}, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return stores{}, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	s.closers = append(s.closers, func() {
		if err := client.Close(); err != nil {
			logging.Warn("Store", "Failed to close redis client: %v", err)
		}
	})

	prefix := cfg.Redis.KeyPrefix
	logging.Info("Store", "Using redis at %s with key prefix %q", opts.Addr, prefix)
	return stores{
		attempts: oauth.NewRedisAttemptStore(client, prefix),
		sessions: oauth.NewRedisSessionStore(client, prefix, cfg.Session.IdleTTL),
		ledger:   oauth.NewRedisCodeLedger(client, prefix, cfg.CodeLedgerTTL),
	}, nil
}

// Reload applies the hot-reloadable part of cfg.
func (s *Services) Reload(cfg config.Config) {
	s.Allowlist.Update(cfg.AllowedRedirectURIs)
	logging.Info("App", "Redirect allowlist updated (%d entries)", len(cfg.AllowedRedirectURIs))
}

// Handler returns the HTTP handler of the gateway.
func (s *Services) Handler() http.Handler {
	return s.Server.Handler()
}

// Close releases store resources. It is safe to call more than once.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
