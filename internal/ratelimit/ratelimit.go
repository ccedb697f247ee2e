// Package ratelimit throttles HTTP traffic with one token bucket per caller.
// Signed device traffic is keyed by client and device, anything else by IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/devicetrust/internal/metrics"
)

// Config sets the per-key rate.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// IdleTTL is how long an unused bucket is kept before it is forgotten.
	IdleTTL time.Duration
}

// DefaultConfig is 600 requests a minute with bursts of 50.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 600, BurstSize: 50, IdleTTL: 2 * time.Minute}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds the buckets. Idle buckets are evicted by a janitor goroutine
// that runs until Stop.
type Limiter struct {
	every rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	done     chan struct{}
	stopOnce sync.Once
}

// New returns a running Limiter. Non-positive rates fall back to DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 || cfg.BurstSize <= 0 {
		cfg.RequestsPerMinute, cfg.BurstSize = def.RequestsPerMinute, def.BurstSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	l := &Limiter{
		every:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:   cfg.BurstSize,
		ttl:     cfg.IdleTTL,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

func (l *Limiter) janitor() {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			l.evictIdle(l.now().Add(-l.ttl))
		}
	}
}

// evictIdle forgets buckets unused since cutoff. A forgotten bucket comes
// back full, which is what an idle bucket would have refilled to anyway.
func (l *Limiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Stop ends the janitor. It may be called more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Allow spends one token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take spends a token or, when the bucket is empty, returns how long until
// the next one.
func (l *Limiter) take(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	b, found := l.buckets[key]
	if !found {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if b.lim.AllowN(now, 1) {
		return true, 0
	}
	missing := 1 - b.lim.TokensAt(now)
	return false, time.Duration(missing / float64(l.every) * float64(time.Second))
}

// Middleware rejects callers over their rate with 429 and a Retry-After
// header in whole seconds.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, key := keyFor(c)
		ok, wait := l.take(key)
		if ok {
			c.Next()
			return
		}

		metrics.RateLimitedTotal.WithLabelValues(kind).Inc()
		secs := max(1, int(math.Ceil(wait.Seconds())))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limit_exceeded",
			"message": "too many requests, retry after " + strconv.Itoa(secs) + "s",
		})
	}
}

func keyFor(c *gin.Context) (kind, key string) {
	client, device := c.GetHeader("X-Client-Id"), c.GetHeader("X-Device-Id")
	if client != "" && device != "" {
		return "device", "device:" + client + "/" + device
	}
	return "ip", "ip:" + c.ClientIP()
}
