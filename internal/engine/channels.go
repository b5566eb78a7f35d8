package engine

import (
	"sync"
	"time"
)

// DefaultChannels is the number of concurrently subscribed PIDs the
// dashboard firmware supports.
const DefaultChannels = 6

// Channels is the decoded value vector, one slot per subscribed PID in
// subscription order. The poll loop is the only writer; readers get copies.
type Channels struct {
	mu      sync.RWMutex
	values  []float64
	updated time.Time
}

// NewChannels creates a zeroed vector with n slots.
func NewChannels(n int) *Channels {
	if n <= 0 {
		n = DefaultChannels
	}
	return &Channels{values: make([]float64, n)}
}

// Len returns the fixed number of slots.
func (c *Channels) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Snapshot returns a copy of the current values.
func (c *Channels) Snapshot() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.values...)
}

// Updated returns when the vector was last committed.
func (c *Channels) Updated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}

// Seed overwrites the leading slots with values. Extra values are ignored.
func (c *Channels) Seed(values []float64) {
	next := c.Snapshot()
	copy(next, values)
	c.commit(next)
}

// commit replaces the whole vector in one step.
func (c *Channels) commit(next []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = next
	c.updated = time.Now()
}
