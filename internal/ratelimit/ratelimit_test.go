package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/devicetrust/internal/metrics"
)

type manualClock struct{ at time.Time }

func (m *manualClock) now() time.Time        { return m.at }
func (m *manualClock) tick(d time.Duration) { m.at = m.at.Add(d) }

func limiterAt(t *testing.T, rpm, burst int) (*Limiter, *manualClock) {
	t.Helper()
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, IdleTTL: time.Hour})
	t.Cleanup(l.Stop)
	clk := &manualClock{at: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l.now = clk.now
	return l, clk
}

// ============================================================================
// Buckets
// ============================================================================

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clk := limiterAt(t, 60, 5)

	for i := range 5 {
		assert.True(t, l.Allow("k"), "request %d", i)
	}
	assert.False(t, l.Allow("k"))

	clk.tick(time.Second)
	assert.True(t, l.Allow("k"), "60/min refills one token a second")
	assert.False(t, l.Allow("k"))
}

func TestAllow_RefillStopsAtBurst(t *testing.T) {
	l, clk := limiterAt(t, 600, 2)
	l.Allow("k")
	l.Allow("k")

	clk.tick(time.Hour)
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestAllow_KeysAreIsolated(t *testing.T) {
	l, _ := limiterAt(t, 60, 3)
	for range 3 {
		l.Allow("client-a")
	}
	assert.False(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"))
}

func TestTake_ReportsWait(t *testing.T) {
	l, _ := limiterAt(t, 30, 1)
	ok, _ := l.take("k")
	require.True(t, ok)

	ok, wait := l.take("k")
	assert.False(t, ok)
	assert.InDelta(t, 2*time.Second, wait, float64(10*time.Millisecond), "30/min is one token every two seconds")
}

func TestEvictIdle(t *testing.T) {
	l, clk := limiterAt(t, 60, 1)
	l.Allow("old")
	clk.tick(10 * time.Minute)
	l.Allow("fresh")

	l.evictIdle(clk.now().Add(-time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "old")
	assert.Contains(t, l.buckets, "fresh")
}

func TestNew_FallsBackToDefaults(t *testing.T) {
	l := New(Config{RequestsPerMinute: -1})
	defer l.Stop()
	def := DefaultConfig()
	assert.Equal(t, def.BurstSize, l.burst)
	assert.InDelta(t, float64(def.RequestsPerMinute)/60, float64(l.every), 1e-9)
	assert.Equal(t, def.IdleTTL, l.ttl)
	l.Stop()
}

// ============================================================================
// Middleware
// ============================================================================

func TestMiddleware_KeysByDevice(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := limiterAt(t, 60, 1)
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(device string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if device != "" {
			req.Header.Set("X-Client-Id", "bank-a")
			req.Header.Set("X-Device-Id", device)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	before := testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("device"))
	assert.Equal(t, http.StatusOK, send("dev1").Code)
	w := send("dev1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("device")))

	assert.Equal(t, http.StatusOK, send("dev2").Code, "each device has its own bucket")
	assert.Equal(t, http.StatusOK, send("").Code, "unsigned traffic is keyed by IP")
}
