package ident

import "sync"

// IdentityCache is a process-wide-by-convention, but explicitly owned and
// constructible, interning pool for RecordIDs. Entries are append-only for
// the cache's lifetime; callers that need isolation (tests, multiple
// collection instances) construct their own cache rather than sharing a
// package-level global.
type IdentityCache struct {
	mu      sync.Mutex
	entries map[string]*RecordID
}

// NewIdentityCache returns an empty cache.
func NewIdentityCache() *IdentityCache {
	return &IdentityCache{entries: make(map[string]*RecordID)}
}

// Intern returns the interned *RecordID for input's canonical string, or
// false if input does not denote a record id. Two calls with inputs that
// canonicalize equally return the same pointer.
func (c *IdentityCache) Intern(input any) (*RecordID, bool) {
	table, key, ok := split(input)
	if !ok {
		return nil, false
	}
	return c.internTableKey(table, key), true
}

// InternTableKey interns a (table, key) pair directly, without variant
// parsing. Useful once a caller already holds a resolved table and key.
func (c *IdentityCache) InternTableKey(table, key string) *RecordID {
	return c.internTableKey(table, key)
}

func (c *IdentityCache) internTableKey(table, key string) *RecordID {
	canonical := table + ":" + key
	c.mu.Lock()
	defer c.mu.Unlock()
	if rid, found := c.entries[canonical]; found {
		return rid
	}
	rid := &RecordID{Table: table, Key: key}
	c.entries[canonical] = rid
	return rid
}

// Len reports the number of distinct record ids interned so far.
func (c *IdentityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// NormalizeDeep walks plain maps and slices, replacing record-id-like leaves
// (and exactly-shaped {table,id}/{id} objects) with their interned form.
// Dates, byte slices, and other opaque host values are left untouched.
func (c *IdentityCache) NormalizeDeep(value any) any {
	switch v := value.(type) {
	case []byte:
		return v
	}

	if rid, ok := c.Intern(value); ok {
		return rid
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = c.NormalizeDeep(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = c.NormalizeDeep(child)
		}
		return out
	default:
		return value
	}
}
