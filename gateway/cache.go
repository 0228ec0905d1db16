package gateway

import (
	"sync"
	"time"
)

// cacheTTLController implements the adaptive cache-TTL rule from §4.3: a
// counter of invalidations is incremented on every list-changed notification
// or cache-invalidating mutation; the effective TTL shrinks as that rate
// climbs, and the counter itself resets hourly so a past burst doesn't
// permanently depress the TTL.
type cacheTTLController struct {
	base time.Duration

	mu          sync.Mutex
	count       int
	windowStart time.Time
	now         func() time.Time
}

func newCacheTTLController(base time.Duration) *cacheTTLController {
	return &cacheTTLController{base: base, windowStart: time.Now(), now: time.Now}
}

// invalidate records one invalidation event.
func (c *cacheTTLController) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	c.count++
}

// ttl returns the current adaptive TTL: 1 minute above 20 invalidations/hour,
// 2 minutes above 5/hour, else the configured base.
func (c *cacheTTLController) ttl() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	switch {
	case c.count > 20:
		return time.Minute
	case c.count > 5:
		return 2 * time.Minute
	default:
		return c.base
	}
}

func (c *cacheTTLController) rolloverLocked() {
	now := c.now()
	if now.Sub(c.windowStart) >= time.Hour {
		c.count = 0
		c.windowStart = now
	}
}

// kindCache holds one namespaced-list cache (tools, resources, or prompts)
// together with the TTL it was stamped with, per invariant (c): "cached_*
// is non-stale iff now - cached_at < current_cache_ttl".
type kindCache[T any] struct {
	items    []T
	cachedAt time.Time
	ttl      time.Duration
}

func (k *kindCache[T]) valid(now time.Time) bool {
	return k.cachedAt.IsZero() == false && now.Sub(k.cachedAt) < k.ttl
}

func (k *kindCache[T]) set(items []T, ttl time.Duration, now time.Time) {
	k.items = items
	k.cachedAt = now
	k.ttl = ttl
}

func (k *kindCache[T]) invalidate() {
	k.items = nil
	k.cachedAt = time.Time{}
}
