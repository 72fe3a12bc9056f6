package scheduler

import "sync"

// capLimiter is the global concurrency cap shared by all task types. It never
// queues: TryAcquire fails once the in-flight count reaches the limit, and
// the item is left for a later cycle. The limit can change at runtime; a
// lowered limit only affects new acquisitions.
type capLimiter struct {
	mu       sync.Mutex
	limit    int
	inFlight int
}

func newCapLimiter(limit int) *capLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &capLimiter{limit: limit}
}

func (c *capLimiter) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight >= c.limit {
		return false
	}
	c.inFlight++
	return true
}

func (c *capLimiter) Release() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.mu.Unlock()
}

func (c *capLimiter) SetLimit(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.limit = n
	c.mu.Unlock()
}

func (c *capLimiter) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *capLimiter) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}
