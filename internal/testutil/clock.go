package testutil

import (
	"strconv"
	"sync"
	"time"
)

// StepClock is a deterministic wall clock for tests.
//
// Every call to Now returns the previous value plus Step, starting at Base.
// This keeps timestamps in golden files and assertions stable across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu    sync.Mutex
	base  time.Time
	step  time.Duration
	ticks int64
}

// DefaultBase is the first instant returned by a StepClock.
var DefaultBase = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// NewStepClock creates a clock starting at DefaultBase that advances one
// second per call.
func NewStepClock() *StepClock {
	return &StepClock{base: DefaultBase, step: time.Second}
}

// Now returns the next instant.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.base.Add(time.Duration(c.ticks) * c.step)
	c.ticks++
	return t
}

// Ticks returns how many times Now has been called.
func (c *StepClock) Ticks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Reset rewinds the clock to its base.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}

// SequentialIDs hands out "<prefix>-1", "<prefix>-2", ...
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + "-" + strconv.Itoa(g.n)
}
