package cache

import "sync"

// DefaultCompactEvery is the number of writes between expiry sweeps on the
// persistent backends.
const DefaultCompactEvery = 200

// compactor counts writes and signals when an expiry sweep is due.
type compactor struct {
	every  int
	mu     sync.Mutex
	writes int
}

func newCompactor(every int) *compactor {
	if every <= 0 {
		every = DefaultCompactEvery
	}
	return &compactor{every: every}
}

// recordWrite returns true once every c.every calls and resets the counter.
func (c *compactor) recordWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.writes >= c.every {
		c.writes = 0
		return true
	}
	return false
}
