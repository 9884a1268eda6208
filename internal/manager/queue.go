package manager

import (
	"sync"
	"time"

	"github.com/roach88/projmgr/internal/core"
	"github.com/roach88/projmgr/internal/leader"
)

type messageKind int

const (
	msgCommand messageKind = iota + 1
	msgBecameLeader
	msgCoreReady
	msgLeadershipLost
	msgRegistryLoaded
	msgFault
)

// message is one item of Run loop input.
type message struct {
	kind messageKind

	// msgCommand
	id       string
	cmd      Command
	env      *onceEnvelope
	accepted time.Time

	// msgBecameLeader, msgCoreReady, msgRegistryLoaded
	epoch leader.Epoch

	// msgRegistryLoaded
	records []Record

	// msgFault
	fault core.Fault
}

// inbox is the Run loop's unbounded FIFO.
//
// Enqueue is safe from any goroutine; only Run dequeues. The buffered
// signal channel lets Run wait on the inbox and its context together.
type inbox struct {
	mu       sync.Mutex
	messages []message
	closed   bool
	signal   chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		messages: make([]message, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends m. Returns false once the inbox is closed.
func (q *inbox) Enqueue(m message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.messages = append(q.messages, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front message without blocking.
func (q *inbox) TryDequeue() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return message{}, false
	}
	m := q.messages[0]
	// Clear the slot so the backing array does not pin envelopes.
	q.messages[0] = message{}
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return m, true
}

// Wait signals that messages may be available.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close rejects further messages and returns what was still queued.
func (q *inbox) Close() []message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	rest := q.messages
	q.messages = nil
	return rest
}
