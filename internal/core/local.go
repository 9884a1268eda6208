package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/projmgr/internal/checkpoint"
	"github.com/roach88/projmgr/internal/projection"
	"github.com/roach88/projmgr/internal/stream"
)

// faultBuffer bounds undelivered faults; further faults are dropped with
// a warning.
const faultBuffer = 64

type run struct {
	def      projection.Definition
	position stream.Position
	flushed  stream.Position
}

// LocalCore is an in-process Core.
//
// Thread-safety: LocalCore is safe for concurrent use.
type LocalCore struct {
	store       stream.Store
	checkpoints *checkpoint.Manager
	logger      *slog.Logger
	stopDelay   time.Duration
	hangOnStop  bool

	stops sync.WaitGroup

	mu      sync.Mutex
	running map[string]*run
	emitted map[string]map[string]bool
	faults  chan Fault
}

var _ Core = (*LocalCore)(nil)

// LocalOption configures a LocalCore.
type LocalOption func(*LocalCore)

// WithStopDelay delays every stop acknowledgement by d.
func WithStopDelay(d time.Duration) LocalOption {
	return func(c *LocalCore) {
		c.stopDelay = d
	}
}

// WithHangOnStop makes stops never acknowledge. Used to exercise the
// coordinator's forced-stop path.
func WithHangOnStop() LocalOption {
	return func(c *LocalCore) {
		c.hangOnStop = true
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) LocalOption {
	return func(c *LocalCore) {
		c.logger = l
	}
}

// NewLocal creates a LocalCore writing to s.
func NewLocal(s stream.Store, cp *checkpoint.Manager, opts ...LocalOption) *LocalCore {
	c := &LocalCore{
		store:       s,
		checkpoints: cp,
		logger:      slog.Default(),
		running:     make(map[string]*run),
		emitted:     make(map[string]map[string]bool),
		faults:      make(chan Fault, faultBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start implements Core. Starting a running projection is a no-op.
func (c *LocalCore) Start(ctx context.Context, def projection.Definition, from *checkpoint.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.running[def.Name]; ok {
		return nil
	}
	r := &run{def: def}
	if from != nil {
		r.position = from.Position
		r.flushed = from.Position
	}
	c.running[def.Name] = r

	c.logger.Info("projection started",
		"projection", def.Name,
		"mode", def.Mode,
		"position", r.position,
	)
	return nil
}

// Stop implements Core.
func (c *LocalCore) Stop(ctx context.Context, name string) <-chan struct{} {
	c.mu.Lock()
	r, ok := c.running[name]
	delete(c.running, name)
	c.mu.Unlock()

	if !ok {
		return closedChan()
	}

	done := make(chan struct{})
	c.stops.Add(1)
	go func() {
		defer c.stops.Done()
		if c.hangOnStop {
			return
		}
		if c.stopDelay > 0 {
			select {
			case <-time.After(c.stopDelay):
			case <-ctx.Done():
				return
			}
		}
		if r.def.CheckpointsEnabled && r.position != r.flushed {
			if _, err := c.checkpoints.Write(ctx, name, r.position); err != nil {
				c.logger.Warn("final checkpoint failed",
					"projection", name,
					"position", r.position,
					"error", err,
				)
			}
		}
		c.logger.Info("projection stopped", "projection", name, "position", r.position)
		close(done)
	}()
	return done
}

// Drain waits until every stop in flight has flushed its final
// checkpoint, or given up.
func (c *LocalCore) Drain() {
	c.stops.Wait()
}

// Faults implements Core.
func (c *LocalCore) Faults() <-chan Fault {
	return c.faults
}

// Running reports whether the projection is running.
func (c *LocalCore) Running(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[name]
	return ok
}

// Position returns the projection's current position.
func (c *LocalCore) Position(name string) (stream.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.running[name]
	if !ok {
		return 0, false
	}
	return r.position, true
}

// Advance records that the projection processed events up to pos.
func (c *LocalCore) Advance(name string, pos stream.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.running[name]
	if !ok {
		return fmt.Errorf("projection %s is not running", name)
	}
	if pos < r.position {
		return fmt.Errorf("projection %s: position %d is behind %d", name, pos, r.position)
	}
	r.position = pos
	return nil
}

// Checkpoint persists the projection's current position if checkpoints
// are enabled and it moved since the last flush.
func (c *LocalCore) Checkpoint(ctx context.Context, name string) error {
	c.mu.Lock()
	r, ok := c.running[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("projection %s is not running", name)
	}
	enabled, pos, flushed := r.def.CheckpointsEnabled, r.position, r.flushed
	c.mu.Unlock()

	if !enabled || pos == flushed {
		return nil
	}
	if _, err := c.checkpoints.Write(ctx, name, pos); err != nil {
		return err
	}

	c.mu.Lock()
	if r, ok := c.running[name]; ok && r.flushed < pos {
		r.flushed = pos
	}
	c.mu.Unlock()
	return nil
}

// Emit appends derived events to target on behalf of the projection and
// records target in the projection's emitted-streams stream the first
// time it is used. An empty target means the projection's result stream.
func (c *LocalCore) Emit(ctx context.Context, name, target string, events ...stream.Event) error {
	c.mu.Lock()
	r, ok := c.running[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("projection %s is not running", name)
	}
	if !r.def.EmitEnabled {
		c.mu.Unlock()
		return fmt.Errorf("projection %s: emit is not enabled", name)
	}
	if target == "" {
		target = projection.ResultStream(name)
	}
	seen := c.emitted[name]
	if seen == nil {
		seen = make(map[string]bool)
		c.emitted[name] = seen
	}
	first := !seen[target]
	c.mu.Unlock()

	if first && target != projection.ResultStream(name) {
		_, err := c.store.Append(ctx, projection.EmittedStreamsStream(name), stream.Event{
			Type: projection.EventStreamEmitted,
			Data: []byte(target),
		})
		if err != nil {
			return fmt.Errorf("track emitted stream %s: %w", target, err)
		}
	}
	if _, err := c.store.Append(ctx, target, events...); err != nil {
		return fmt.Errorf("emit to %s: %w", target, err)
	}

	c.mu.Lock()
	seen[target] = true
	c.mu.Unlock()
	return nil
}

// Fail reports an unrecoverable error for a running projection. The
// projection keeps running until the coordinator stops it.
func (c *LocalCore) Fail(name, reason string) error {
	if !c.Running(name) {
		return fmt.Errorf("projection %s is not running", name)
	}
	select {
	case c.faults <- Fault{Projection: name, Reason: reason}:
		return nil
	default:
		c.logger.Warn("fault dropped: buffer full", "projection", name, "reason", reason)
		return fmt.Errorf("fault buffer full")
	}
}
