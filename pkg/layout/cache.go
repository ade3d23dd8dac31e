package layout

import "sync"

// Cache holds loaded layouts keyed by uuid. Entries are purged by
// MaintainCache, which retains only uuids referenced by currently-live
// items.
type Cache struct {
	mu      sync.Mutex
	layouts map[string]*Layout
}

// NewCache creates an empty layout cache.
func NewCache() *Cache {
	return &Cache{layouts: make(map[string]*Layout)}
}

// Put stores l, keyed by its own uuid.
func (c *Cache) Put(l *Layout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layouts[l.UUID] = l
}

// Get looks up a cached layout by uuid.
func (c *Cache) Get(uuid string) (*Layout, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.layouts[uuid]
	return l, ok
}

// Len reports the number of cached layouts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.layouts)
}

// MaintainCache evicts any cached layout whose uuid is not in
// liveUUIDs, matching _maintainCache's end-of-tick eviction policy (local
// caches live only for the duration of lock ownership / current live set).
func (c *Cache) MaintainCache(liveUUIDs map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uuid := range c.layouts {
		if !liveUUIDs[uuid] {
			delete(c.layouts, uuid)
		}
	}
}
