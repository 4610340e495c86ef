package correlator

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Correlator manages correlation between requests and responses.
// IDs are random positive int32 values, unique among live correlations.
type Correlator[T any] struct {
	m  map[uint32]chan T
	mu sync.Mutex
}

// New creates a new correlator
func New[T any]() *Correlator[T] {
	return &Correlator[T]{
		m: make(map[uint32]chan T),
	}
}

// Next registers a new correlation and returns its ID
func (c *Correlator[T]) Next(ch chan T) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		id := uint32(rand.Int32N(math.MaxInt32-1)) + 1
		if _, ok := c.m[id]; ok {
			continue
		}
		c.m[id] = ch
		return id
	}
}

// Send resolves the correlation with the given ID. Only the first Send for
// an ID delivers; later calls, and calls for unknown IDs, return false.
// The registered channel must have room for one value.
func (c *Correlator[T]) Send(id uint32, val T) bool {
	c.mu.Lock()
	ch, ok := c.m[id]
	delete(c.m, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- val:
		return true
	default:
		return false
	}
}

// Delete removes a correlation by ID
func (c *Correlator[T]) Delete(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
}

// Len returns the number of live correlations.
func (c *Correlator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// Close closes all pending channels and clears the correlator
func (c *Correlator[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.m {
		close(ch)
	}
	c.m = make(map[uint32]chan T)
}
