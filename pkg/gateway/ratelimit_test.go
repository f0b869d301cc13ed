package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harun/runcore/pkg/filelock"
	"github.com/harun/runcore/pkg/runstate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	assert.False(t, rl.Enabled())
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
	assert.Equal(t, 0, rl.size())
}

func TestRateLimiter_BurstPerKey(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	require.True(t, rl.Enabled())

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	assert.True(t, rl.Allow("10.0.0.2"))
	assert.Equal(t, 2, rl.size())
}

func TestRateLimiter_CleanupDropsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	rl.Allow("old")

	rl.mu.Lock()
	rl.limiters["old"].lastSeen = time.Now().Add(-2 * limiterIdleAfter)
	rl.lastSweep = time.Now().Add(-2 * limiterCleanupEvery)
	rl.mu.Unlock()

	rl.Allow("new")
	assert.Equal(t, 1, rl.size())
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "127.0.0.1", clientIP("127.0.0.1:5555"))
	assert.Equal(t, "::1", clientIP("[::1]:5555"))
	assert.Equal(t, "garbage", clientIP("garbage"))
}

func TestEvents_RateLimited(t *testing.T) {
	logger := zerolog.Nop()
	runs := runstate.NewAggregator(runstate.WithLogger(logger))
	locks := filelock.NewCoordinator(filelock.WithLogger(logger))
	t.Cleanup(func() { _ = locks.Close() })

	srv, err := NewServer(Config{Runs: runs, Locks: locks, Logger: &logger, ConnectRPM: 1, ConnectBurst: 1})
	require.NoError(t, err)

	// The first request spends the token; it is not a websocket handshake so the upgrade fails.
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusTooManyRequests, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "too many connection attempts")
}
