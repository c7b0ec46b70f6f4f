// Package subsetcache tracks, in on-demand sync mode, which record ids are
// currently visible to at least one loaded subset, gating live-event
// delivery.
package subsetcache

import "sync"

// Cache maps a canonical subset descriptor key to the set of record ids
// that subset's last hydration loaded, plus the union of all of them.
type Cache struct {
	mu      sync.Mutex
	subsets map[string]map[string]struct{} // descriptor key -> ids
	active  map[string]int                 // id -> reference count across subsets
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		subsets: make(map[string]map[string]struct{}),
		active:  make(map[string]int),
	}
}

// SetSubset replaces the id set recorded for descriptorKey (the result of a
// loadSubset call) and recomputes the active union.
func (c *Cache) SetSubset(descriptorKey string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.subsets[descriptorKey]; ok {
		for id := range old {
			c.release(id)
		}
	}

	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
		c.active[id]++
	}
	c.subsets[descriptorKey] = next
}

// UnloadSubset removes descriptorKey entirely, decrementing reference
// counts for every id it held.
func (c *Cache) UnloadSubset(descriptorKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, ok := c.subsets[descriptorKey]
	if !ok {
		return
	}
	for id := range ids {
		c.release(id)
	}
	delete(c.subsets, descriptorKey)
}

func (c *Cache) release(id string) {
	c.active[id]--
	if c.active[id] <= 0 {
		delete(c.active, id)
	}
}

// RemoveID drops id from every subset and from the active set, used when
// a DELETE live event evicts a record regardless of subset membership.
func (c *Cache) RemoveID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ids := range c.subsets {
		delete(ids, id)
	}
	delete(c.active, id)
}

// IsActive reports whether id is visible to at least one loaded subset.
func (c *Cache) IsActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

// SubsetCount reports how many subsets are currently loaded. Callers use
// this to decide whether the last subset was just unloaded and LIVE
// handles should be closed.
func (c *Cache) SubsetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subsets)
}
