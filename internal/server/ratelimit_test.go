package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestClientLimiter_PerClient(t *testing.T) {
	l := newClientLimiter(rate.Every(time.Hour), 2)

	assert.True(t, l.allow("198.51.100.1"))
	assert.True(t, l.allow("198.51.100.1"))
	assert.False(t, l.allow("198.51.100.1"))

	assert.True(t, l.allow("198.51.100.2"), "clients do not share a bucket")
	assert.Equal(t, 2, l.size())
}

func TestClientLimiter_SweepsIdleClients(t *testing.T) {
	now := time.Now()
	l := newClientLimiter(rate.Every(time.Second), 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("198.51.100.1"))
	assert.True(t, l.allow("198.51.100.2"))
	assert.Equal(t, 2, l.size())

	// Both buckets refill long before the next sweep.
	now = now.Add(limiterSweepInterval + time.Second)
	assert.True(t, l.allow("198.51.100.3"))
	assert.Equal(t, 1, l.size())
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/callback", nil)
	r.RemoteAddr = "192.0.2.10:51234"
	assert.Equal(t, "192.0.2.10", clientKey(r))

	r.RemoteAddr = "192.0.2.11"
	assert.Equal(t, "192.0.2.11", clientKey(r))
}
