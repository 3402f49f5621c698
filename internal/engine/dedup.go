package engine

// dedupCache remembers recently dispatched message keys so a page overlap or
// cursor replay never double-dispatches. Insertion order is tracked so the
// trim drops the oldest half when the cache overflows.
type dedupCache struct {
	capacity int
	seen     map[string]struct{}
	order    []string
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &dedupCache{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// Add records key and reports whether it was new.
func (c *dedupCache) Add(key string) bool {
	if _, dup := c.seen[key]; dup {
		return false
	}
	c.seen[key] = struct{}{}
	c.order = append(c.order, key)
	if len(c.order) > c.capacity {
		c.trim()
	}
	return true
}

// trim keeps only the newest capacity/2 keys.
func (c *dedupCache) trim() {
	keep := c.capacity / 2
	if keep < 1 {
		keep = 1
	}
	cut := len(c.order) - keep
	for _, key := range c.order[:cut] {
		delete(c.seen, key)
	}
	c.order = append(c.order[:0], c.order[cut:]...)
}

func (c *dedupCache) Len() int { return len(c.order) }
