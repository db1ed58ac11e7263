package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"smartgate/internal/gateway"
	"smartgate/internal/oauth"
	"smartgate/pkg/logging"
)

const (
	// DefaultReadHeaderTimeout is the default timeout for reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultWriteTimeout covers the slowest path: discovery, token exchange
	// and a resource fetch with retries.
	DefaultWriteTimeout = 60 * time.Second
	// DefaultIdleTimeout is the default idle timeout for keepalive connections.
	DefaultIdleTimeout = 120 * time.Second
)

// Options wires the HTTP surface.
type Options struct {
	Manager *oauth.Manager
	Gateway *gateway.Gateway

	// RedirectURI is sent as redirect_uri on every launch.
	RedirectURI string
	// LandingURL is where the browser goes after a successful callback.
	LandingURL string

	Cookies CookieConfig

	// CallbackRate and CallbackBurst limit /callback per client address.
	CallbackRate  rate.Limit
	CallbackBurst int

	// MetricsHandler serves /metrics. Nil disables the endpoint.
	MetricsHandler http.Handler
}

// Server is the gateway's HTTP surface.
type Server struct {
	manager     *oauth.Manager
	gateway     *gateway.Gateway
	redirectURI string
	landingURL  string
	cookies     *cookieSigner
	limiter     *clientLimiter
	metrics     http.Handler

	httpServer *http.Server
}

// New validates opts and builds the server.
func New(opts Options) (*Server, error) {
	if opts.Manager == nil || opts.Gateway == nil {
		return nil, errors.New("manager and gateway are required")
	}
	if len(opts.Cookies.Secret) == 0 {
		return nil, errors.New("cookie secret is required")
	}
	if opts.RedirectURI == "" {
		return nil, errors.New("redirect URI is required")
	}
	if opts.Cookies.SessionName == "" {
		opts.Cookies.SessionName = DefaultSessionCookie
	}
	if opts.Cookies.BindingName == "" {
		opts.Cookies.BindingName = DefaultBindingCookie
	}
	if opts.LandingURL == "" {
		opts.LandingURL = "/"
	}
	if opts.CallbackRate <= 0 {
		opts.CallbackRate = rate.Inf
	}
	if opts.CallbackBurst <= 0 {
		opts.CallbackBurst = 1
	}

	return &Server{
		manager:     opts.Manager,
		gateway:     opts.Gateway,
		redirectURI: opts.RedirectURI,
		landingURL:  opts.LandingURL,
		cookies:     newCookieSigner(opts.Cookies),
		limiter:     newClientLimiter(opts.CallbackRate, opts.CallbackBurst),
		metrics:     opts.MetricsHandler,
	}, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		securityHeaders,
	)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Get("/launch", s.handleLaunch)
	r.With(s.rateLimit).Get("/callback", s.handleCallback)
	r.Get("/api/resource/{type}/{id}", s.handleResource)
	r.Post("/logout", s.handleLogout)

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. ready is called once the listener is accepting connections.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func()) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, ready)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, ready func()) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	logging.Info("HTTP", "Listening on %s", ln.Addr())
	if ready != nil {
		ready()
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultReadHeaderTimeout)
	defer cancel()
	logging.Info("HTTP", "Shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// securityHeaders sets recommended security headers on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
