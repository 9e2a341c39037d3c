package discovery

import (
	"sync"
	"time"
)

// resultCache holds the last successful discovery result for a short TTL so
// repeated UI-driven lookups do not re-probe the LAN.
type resultCache struct {
	mu        sync.RWMutex
	devices   []Device
	fetchedAt time.Time
	ttl       time.Duration
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{ttl: ttl}
}

func (c *resultCache) get() ([]Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.devices == nil || time.Since(c.fetchedAt) > c.ttl {
		return nil, false
	}
	out := make([]Device, len(c.devices))
	copy(out, c.devices)
	return out, true
}

func (c *resultCache) put(devices []Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = make([]Device, len(devices))
	copy(c.devices, devices)
	c.fetchedAt = time.Now()
}
