// Package leader implements the leadership gate: the process-wide switch
// that lets the projection coordinator accept lifecycle commands only while
// this node is the recognized leader and the core subsystem is ready.
//
// Leadership is tracked per epoch. An epoch token is issued by the
// election layer when this node becomes leader; the gate opens once both
// BecameLeader and CoreReady have been signaled for the same token and
// closes immediately on LeadershipLost. Signals for any other epoch are
// stale and ignored.
package leader

import (
	"sync"

	"github.com/google/uuid"
)

// Epoch identifies one leadership term.
type Epoch string

// NoEpoch is the zero epoch: never accepting.
const NoEpoch Epoch = ""

// NewEpoch returns a fresh, time-sortable epoch token.
func NewEpoch() Epoch {
	return Epoch(uuid.Must(uuid.NewV7()).String())
}

// Change describes what a signal did to the gate.
type Change struct {
	Epoch  Epoch
	Opened bool // the gate started accepting for Epoch
	Closed bool // the gate stopped accepting for Epoch
}

// Status is a snapshot of the gate.
type Status struct {
	Epoch     Epoch
	Leader    bool
	CoreReady bool
	Accepting bool
}

// Gate is safe for concurrent use.
type Gate struct {
	mu        sync.RWMutex
	epoch     Epoch
	leader    bool
	coreReady bool

	// readyFor remembers a CoreReady that arrived before its BecameLeader.
	readyFor Epoch
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	return &Gate{}
}

// BecameLeader records that this node leads epoch e.
func (g *Gate) BecameLeader(e Epoch) Change {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e == NoEpoch {
		return Change{}
	}
	var ch Change
	wasAccepting := g.accepting() && g.epoch == e
	if g.accepting() && g.epoch != e {
		// A new term replaces the old one without an explicit loss.
		ch.Closed = true
	}
	if g.epoch != e {
		g.coreReady = false
	}
	g.epoch = e
	g.leader = true
	if g.readyFor == e {
		g.coreReady = true
		g.readyFor = NoEpoch
	}
	ch.Opened = g.accepting() && !wasAccepting
	ch.Epoch = e
	return ch
}

// CoreReady records that the core subsystem is ready for epoch e.
func (g *Gate) CoreReady(e Epoch) Change {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e == NoEpoch {
		return Change{}
	}
	if !g.leader || g.epoch != e {
		g.readyFor = e
		return Change{}
	}
	if g.coreReady {
		return Change{}
	}
	g.coreReady = true
	return Change{Epoch: e, Opened: true}
}

// LeadershipLost closes the gate for the current epoch.
func (g *Gate) LeadershipLost() Change {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch := Change{Epoch: g.epoch, Closed: g.accepting()}
	g.epoch = NoEpoch
	g.leader = false
	g.coreReady = false
	g.readyFor = NoEpoch
	return ch
}

// Accepting returns the current epoch and whether commands are allowed.
func (g *Gate) Accepting() (Epoch, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.accepting() {
		return NoEpoch, false
	}
	return g.epoch, true
}

// Admits reports whether the gate is accepting for exactly epoch e.
func (g *Gate) Admits(e Epoch) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.accepting() && g.epoch == e
}

// Status returns a snapshot.
func (g *Gate) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Status{
		Epoch:     g.epoch,
		Leader:    g.leader,
		CoreReady: g.coreReady,
		Accepting: g.accepting(),
	}
}

func (g *Gate) accepting() bool {
	return g.leader && g.coreReady && g.epoch != NoEpoch
}
