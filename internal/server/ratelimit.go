package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"smartgate/pkg/logging"
)

// limiterSweepInterval is how often idle per-client limiters are dropped.
const limiterSweepInterval = 5 * time.Minute

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int

	mu        sync.Mutex
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiter(r rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{
		rate:      r,
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// allow reports whether the client identified by key may proceed.
func (l *clientLimiter) allow(key string) bool {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*rate.Limiter).Allow()
	}
	l.maybeSweep()
	v, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(l.rate, l.burst))
	return v.(*rate.Limiter).Allow()
}

// maybeSweep drops limiters whose bucket has refilled, which means the
// client has been idle.
func (l *clientLimiter) maybeSweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) < limiterSweepInterval {
		return
	}
	l.lastSweep = now

	l.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).TokensAt(now) >= float64(l.burst) {
			l.limiters.Delete(key)
		}
		return true
	})
}

// size returns the number of tracked clients.
func (l *clientLimiter) size() int {
	n := 0
	l.limiters.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// clientKey identifies the caller. middleware.RealIP has already replaced
// RemoteAddr with the forwarded address when one was present.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !s.limiter.allow(key) {
			logging.Warn("HTTP", "Rate limit exceeded on %s from %s", r.URL.Path, key)
			w.Header().Set("Retry-After", "1")
			renderErrorPage(w, http.StatusTooManyRequests, "Too many sign-in attempts. Please wait a moment.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
