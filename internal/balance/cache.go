package balance

import (
	"container/list"
	"sync"
	"time"

	"exchange-api-governor/internal/clock"
)

// Cache is a TTL+LRU store of the last accepted snapshot per asset. Reads
// never touch the network; freshness is the caller's job to check via
// Confidence and LastAcceptedAt.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	eviction *list.List // front = most recently used
	maxSize  int
	ttl      time.Duration
	clk      clock.Clock
}

type cacheEntry struct {
	asset    string
	snapshot Snapshot
	storedAt time.Time
}

// NewCache creates a cache holding at most maxSize assets, each entry
// expiring ttl after its last write.
func NewCache(maxSize int, ttl time.Duration, clk clock.Clock) *Cache {
	if maxSize <= 0 {
		maxSize = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		entries:  make(map[string]*list.Element),
		eviction: list.New(),
		maxSize:  maxSize,
		ttl:      ttl,
		clk:      clk,
	}
}

// Get returns the snapshot for asset. Expired entries report false.
func (c *Cache) Get(asset string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[asset]
	if !ok {
		return Snapshot{}, false
	}
	e := el.Value.(*cacheEntry)
	if c.clk.Now().Sub(e.storedAt) > c.ttl {
		c.eviction.Remove(el)
		delete(c.entries, asset)
		return Snapshot{}, false
	}
	c.eviction.MoveToFront(el)
	return e.snapshot, true
}

// Put stores a snapshot, evicting the least recently used asset when full.
func (c *Cache) Put(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if el, ok := c.entries[s.Asset]; ok {
		e := el.Value.(*cacheEntry)
		e.snapshot = s
		e.storedAt = now
		c.eviction.MoveToFront(el)
		return
	}

	if c.eviction.Len() >= c.maxSize {
		oldest := c.eviction.Back()
		if oldest != nil {
			c.eviction.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).asset)
		}
	}
	c.entries[s.Asset] = c.eviction.PushFront(&cacheEntry{asset: s.Asset, snapshot: s, storedAt: now})
}

// Degrade marks an existing entry degraded without touching its values.
// Missing assets are ignored.
func (c *Cache) Degrade(asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[asset]; ok {
		el.Value.(*cacheEntry).snapshot.Confidence = ConfidenceDegraded
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}
