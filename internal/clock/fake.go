package clock

import (
	"sync"
	"time"
)

// Fake provides deterministic time control for unit tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake constructs a fake clock initialized to the provided time.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &Fake{now: start}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance increments the fake time by the provided duration.
func (c *Fake) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

// After returns a channel that receives once the fake clock advances by the duration.
func (c *Fake) After(delta time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		target := c.Now().Add(delta)
		for {
			c.mu.Lock()
			current := c.now
			c.mu.Unlock()
			if !current.Before(target) {
				ch <- current
				close(ch)
				return
			}
			time.Sleep(1 * time.Millisecond)
		}
	}()
	return ch
}
