// Package msgid generates client message ids that are strictly increasing
// per process without coordination.
package msgid

import (
	"sync"
	"time"
)

// epoch is 2025-01-01T00:00:00Z. Packing seconds since a recent epoch into
// the high 32 bits keeps ids small while leaving 2^32 ids per second.
const epoch = 1735689600

// Generator packs wall-clock seconds since the epoch into the high bits and
// an intra-second counter into the low bits.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	lastSec int64
	counter uint32
}

// New creates a generator on the wall clock.
func New() *Generator {
	return NewWithClock(time.Now)
}

// NewWithClock creates a generator with an injectable clock.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Next returns the next id. Ids are strictly increasing even when the clock
// stalls or steps backwards: the counter carries monotonicity until the
// clock catches up.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	sec := g.now().Unix() - epoch
	if sec > g.lastSec {
		g.lastSec = sec
		g.counter = 0
	} else {
		g.counter++
	}
	return uint64(g.lastSec)<<32 | uint64(g.counter)
}

// Reset clears the counters. Called when a reconnect starts a fresh logical
// stream.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSec = 0
	g.counter = 0
}
