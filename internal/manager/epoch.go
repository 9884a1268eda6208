package manager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/projmgr/internal/leader"
)

// pendingKey identifies an unanswered command.
type pendingKey struct {
	name string
	id   string
}

// waiter is an admitted command still owed a reply.
type waiter struct {
	key      pendingKey
	kind     string
	env      *onceEnvelope
	accepted time.Time
}

// job is one unit of lane work: an admitted command, or an internal
// action (restart, fault) with no envelope.
type job struct {
	key      pendingKey
	kind     string
	cmd      Command
	internal func(ctx context.Context, ep *epoch) error
	env      *onceEnvelope
	accepted time.Time
}

// epoch is everything that lives for one leadership term.
type epoch struct {
	token    leader.Epoch
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	registry *Registry

	// ready and readyCh are owned by the Run loop.
	ready   bool
	readyCh chan struct{}

	mu      sync.Mutex
	lanes   map[string][]job
	pending map[pendingKey]waiter
	ended   bool
}

func newEpoch(parent context.Context, token leader.Epoch) *epoch {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &epoch{
		token:    token,
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
		registry: newRegistry(token),
		readyCh:  make(chan struct{}),
		lanes:    make(map[string][]job),
		pending:  make(map[pendingKey]waiter),
	}
}

// dispatch queues j on its lane, starting the lane if it is idle.
// Returns false if the epoch has ended.
func (e *epoch) dispatch(j job, exec func(*epoch, job)) bool {
	name := j.key.name

	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return false
	}
	if j.env != nil {
		e.pending[j.key] = waiter{key: j.key, kind: j.kind, env: j.env, accepted: j.accepted}
	}
	queue, busy := e.lanes[name]
	e.lanes[name] = append(queue, j)
	e.mu.Unlock()

	if !busy {
		e.group.Go(func() error {
			e.drain(name, exec)
			return nil
		})
	}
	return true
}

// drain runs a lane until it is empty or the epoch ends.
func (e *epoch) drain(name string, exec func(*epoch, job)) {
	for {
		e.mu.Lock()
		queue := e.lanes[name]
		if len(queue) == 0 || e.ended {
			delete(e.lanes, name)
			e.mu.Unlock()
			return
		}
		j := queue[0]
		queue[0] = job{}
		e.lanes[name] = queue[1:]
		e.mu.Unlock()

		exec(e, j)
	}
}

// complete hands reply to the command's envelope. It returns false if the
// command is no longer pending, in which case the reply is discarded.
func (e *epoch) complete(key pendingKey, reply Reply) bool {
	e.mu.Lock()
	w, ok := e.pending[key]
	delete(e.pending, key)
	e.mu.Unlock()

	if !ok {
		return false
	}
	w.env.Reply(reply)
	return true
}

// end cancels the epoch and returns the commands still waiting for a
// reply. After end, dispatch and complete are no-ops.
func (e *epoch) end() []waiter {
	e.mu.Lock()
	e.ended = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	e.cancel()

	out := make([]waiter, 0, len(pending))
	for _, w := range pending {
		out = append(out, w)
	}
	return out
}

// Pending returns the number of unanswered commands.
func (e *epoch) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
