package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/circuitbreaker"
	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/metrics"
)

const (
	cacheName       = "fingerprint"
	hashKeyPrefix   = "devicetrust:fp:hash:"
	deviceKeyPrefix = "devicetrust:fp:device:"
)

// CachedStore puts a Redis read-through cache in front of composite-hash
// and device-id lookups. Redis is optional: any cache error falls through to
// the underlying store, and a circuit breaker stops calling Redis while it
// keeps failing. Writes go to the store first, then invalidate.
type CachedStore struct {
	Store
	rdb     redis.UniversalClient
	ttl     time.Duration
	breaker *circuitbreaker.Breaker
}

// NewCachedStore wraps inner with a Redis cache.
func NewCachedStore(inner Store, rdb redis.UniversalClient, ttl time.Duration, breaker *circuitbreaker.Breaker) *CachedStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Settings{Name: "fingerprint_cache"})
	}
	return &CachedStore{Store: inner, rdb: rdb, ttl: ttl, breaker: breaker}
}

func (c *CachedStore) FindByCompositeHash(ctx context.Context, hash string) ([]*Fingerprint, error) {
	var cached []*Fingerprint
	if c.get(ctx, hashKeyPrefix+hash, &cached) {
		return cached, nil
	}
	fps, err := c.Store.FindByCompositeHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if len(fps) > 0 {
		c.set(ctx, hashKeyPrefix+hash, fps)
	}
	return fps, nil
}

func (c *CachedStore) FindByDeviceID(ctx context.Context, deviceID string) (*Fingerprint, error) {
	var cached Fingerprint
	if c.get(ctx, deviceKeyPrefix+deviceID, &cached) {
		return &cached, nil
	}
	f, err := c.Store.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, deviceKeyPrefix+deviceID, f)
	return f, nil
}

func (c *CachedStore) Save(ctx context.Context, f *Fingerprint) error {
	var previousHash string
	if prev, err := c.Store.FindByDeviceID(ctx, f.DeviceID); err == nil {
		previousHash = prev.CompositeHash
	}
	if err := c.Store.Save(ctx, f); err != nil {
		return err
	}
	keys := []string{deviceKeyPrefix + f.DeviceID, hashKeyPrefix + f.CompositeHash}
	if previousHash != "" && previousHash != f.CompositeHash {
		keys = append(keys, hashKeyPrefix+previousHash)
	}
	c.invalidate(ctx, keys...)
	return nil
}

func (c *CachedStore) MarkFraudulent(ctx context.Context, deviceID, reason string, ts time.Time) error {
	if err := c.Store.MarkFraudulent(ctx, deviceID, reason, ts); err != nil {
		return err
	}
	keys := []string{deviceKeyPrefix + deviceID}
	if f, err := c.Store.FindByDeviceID(ctx, deviceID); err == nil {
		keys = append(keys, hashKeyPrefix+f.CompositeHash)
	}
	c.invalidate(ctx, keys...)
	return nil
}

func (c *CachedStore) get(ctx context.Context, key string, dst any) bool {
	var data []byte
	err := c.breaker.Do(func() error {
		b, err := c.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		data = b
		return err
	})
	switch {
	case err != nil:
		c.cacheError(ctx, "get", err)
		return false
	case data == nil:
		metrics.CacheRequestsTotal.WithLabelValues(cacheName, "miss").Inc()
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.cacheError(ctx, "decode", err)
		return false
	}
	metrics.CacheRequestsTotal.WithLabelValues(cacheName, "hit").Inc()
	return true
}

func (c *CachedStore) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.breaker.Do(func() error {
		return c.rdb.Set(ctx, key, data, c.ttl).Err()
	}); err != nil {
		c.cacheError(ctx, "set", err)
	}
}

func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := c.breaker.Do(func() error {
		return c.rdb.Del(ctx, keys...).Err()
	}); err != nil {
		c.cacheError(ctx, "del", err)
	}
}

func (c *CachedStore) cacheError(ctx context.Context, op string, err error) {
	metrics.CacheRequestsTotal.WithLabelValues(cacheName, "error").Inc()
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return
	}
	logging.L(ctx).Warn("fingerprint cache unavailable", zap.String("op", op), zap.Error(err))
}

var _ Store = (*CachedStore)(nil)
