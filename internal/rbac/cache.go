package rbac

import (
	"context"
	"sync"
	"time"
)

// DefaultDecisionTTL bounds how long a memoized decision may be served
// without recomputation.
const DefaultDecisionTTL = 5 * time.Minute

// Recorder receives cache and decision outcome counts. Implemented by
// observability.Metrics; may be nil.
type Recorder interface {
	DecisionEvaluated(allowed bool)
	CacheLookup(hit bool)
}

type decisionKey struct {
	principalID int64
	resource    string
	action      string
}

type decisionEntry struct {
	allowed   bool
	expiresAt time.Time
}

// DecisionCache memoizes Evaluate results per (principal, resource,
// action). Invalidation is cooperative: every code path that replaces a
// principal's roles or permissions must call InvalidateAll, otherwise
// stale decisions survive for up to the TTL.
type DecisionCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	entries    map[decisionKey]decisionEntry
	generation uint64
	recorder   Recorder
	now        func() time.Time
}

// NewDecisionCache constructs a cache with the given TTL. A zero ttl
// falls back to DefaultDecisionTTL.
func NewDecisionCache(ttl time.Duration, recorder Recorder) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	return &DecisionCache{
		ttl:      ttl,
		entries:  make(map[decisionKey]decisionEntry),
		recorder: recorder,
		now:      time.Now,
	}
}

// Get returns the memoized decision for the principal, computing and
// storing it on miss or expiry.
func (c *DecisionCache) Get(p *Principal, resource, action string) bool {
	if p == nil {
		// Nothing stable to key on; evaluate directly.
		return Evaluate(nil, resource, action)
	}
	key := decisionKey{principalID: p.ID, resource: resource, action: action}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		c.record(true, entry.allowed)
		return entry.allowed
	}
	gen := c.generation
	c.mu.Unlock()

	allowed := Evaluate(p, resource, action)
	c.store(key, allowed, gen)

	c.record(false, allowed)
	return allowed
}

// store commits a computed decision, unless InvalidateAll retired the
// generation the lookup started under. A lookup in flight across an
// invalidation must not seed the fresh map with a stale result.
func (c *DecisionCache) store(key decisionKey, allowed bool, gen uint64) {
	c.mu.Lock()
	if c.generation == gen {
		c.entries[key] = decisionEntry{allowed: allowed, expiresAt: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
}

// InvalidateAll drops every memoized decision and retires the current
// generation. Called on sign-in, sign-out and principal refresh.
func (c *DecisionCache) InvalidateAll() {
	c.mu.Lock()
	c.generation++
	c.entries = make(map[decisionKey]decisionEntry)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps expired entries at the given interval until the context is
// cancelled, bounding memory between lookups.
func (c *DecisionCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *DecisionCache) sweep() {
	now := c.now()
	c.mu.Lock()
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *DecisionCache) record(hit, allowed bool) {
	if c.recorder == nil {
		return
	}
	c.recorder.CacheLookup(hit)
	if !hit {
		c.recorder.DecisionEvaluated(allowed)
	}
}
