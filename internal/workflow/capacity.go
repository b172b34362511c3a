package workflow

import (
	"context"
	"sync"
)

// capacity gates concurrent handler executions process-wide. A fixed number
// of slots is shared by every queue pool; when all slots are busy, waiting
// workers are admitted by priority class, FIFO within a class. Priority only
// matters under contention: a free slot is granted immediately.
type capacity struct {
	mu      sync.Mutex
	free    int
	total   int
	waiting [3][]chan struct{}
}

func newCapacity(slots int) *capacity {
	if slots < 1 {
		slots = 1
	}
	return &capacity{free: slots, total: slots}
}

// acquire blocks until a slot is granted or the context ends. rank is the
// priority class rank of the waiting work; lower ranks are admitted first.
func (c *capacity) acquire(ctx context.Context, rank int) error {
	if rank < 0 || rank >= len(c.waiting) {
		rank = len(c.waiting) - 1
	}
	c.mu.Lock()
	if c.free > 0 {
		c.free--
		c.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	c.waiting[rank] = append(c.waiting[rank], grant)
	c.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, w := range c.waiting[rank] {
			if w == grant {
				c.waiting[rank] = append(c.waiting[rank][:i], c.waiting[rank][i+1:]...)
				c.mu.Unlock()
				return ctx.Err()
			}
		}
		c.mu.Unlock()
		// The grant raced the cancellation; pass the slot on.
		c.release()
		return ctx.Err()
	}
}

// release returns a slot, handing it to the highest-priority waiter if any.
func (c *capacity) release() {
	c.mu.Lock()
	for rank := range c.waiting {
		if len(c.waiting[rank]) == 0 {
			continue
		}
		grant := c.waiting[rank][0]
		c.waiting[rank] = c.waiting[rank][1:]
		c.mu.Unlock()
		close(grant)
		return
	}
	c.free++
	c.mu.Unlock()
}

// inUse reports how many slots are currently held.
func (c *capacity) inUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total - c.free
}
