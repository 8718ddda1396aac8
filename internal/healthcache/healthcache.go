// Package healthcache caches executor health probe results in Redis with a
// short TTL. Probes hit real daemons and remote APIs, so results are shared
// across workers and expire on their own rather than being invalidated.
package healthcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const healthyVal = "1"
const unhealthyVal = "0"

type Cache struct {
	rc  *redis.Client
	ttl time.Duration
}

// New builds a cache. ttl <= 0 falls back to the 5 minute default.
func New(rc *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{rc: rc, ttl: ttl}
}

// Get returns (healthy, found). A missing or expired key reports found=false
// so the caller probes again. Redis being down also reports found=false,
// availability checks degrade to live probes rather than failing.
func (c *Cache) Get(ctx context.Context, hostID string) (bool, bool) {
	v, err := c.rc.Get(ctx, Key(hostID)).Result()
	if err != nil {
		return false, false
	}
	return v == healthyVal, true
}

// Set records a probe result for the cache TTL.
func (c *Cache) Set(ctx context.Context, hostID string, healthy bool) error {
	v := unhealthyVal
	if healthy {
		v = healthyVal
	}
	err := c.rc.Set(ctx, Key(hostID), v, c.ttl).Err()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Forget drops the cached result so the next availability check probes live.
func (c *Cache) Forget(ctx context.Context, hostID string) {
	c.rc.Del(ctx, Key(hostID)) //nolint:errcheck
}

func Key(hostID string) string {
	return "convoy:target:" + hostID + ":health"
}
