// Package timecell implements the shared time cell (C8): a single atomic
// value holding the storage timestamp, in seconds, of the most recently
// dispatched message. Readers observe either the zero-value default or a
// value that was, at some earlier moment, a delivered message's timestamp;
// no cross-reader ordering or monotonicity is promised (spec.md §4.8).
package timecell

import (
	"math"
	"sync/atomic"
)

// Cell is an atomically published float64 timestamp.
type Cell struct {
	bits atomic.Uint64
}

// New returns a cell initialised to 0.0.
func New() *Cell {
	return &Cell{}
}

// Publish stores a new timestamp. Called by the dispatcher after delivery.
func (c *Cell) Publish(seconds float64) {
	c.bits.Store(math.Float64bits(seconds))
}

// Get reads the current value.
func (c *Cell) Get() float64 {
	return math.Float64frombits(c.bits.Load())
}
