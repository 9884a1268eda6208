package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/projmgr/internal/checkpoint"
	"github.com/roach88/projmgr/internal/core"
	"github.com/roach88/projmgr/internal/leader"
	"github.com/roach88/projmgr/internal/metrics"
	"github.com/roach88/projmgr/internal/projection"
	"github.com/roach88/projmgr/internal/stream"
)

// Defaults.
const (
	DefaultStopTimeout = 5 * time.Second
	DefaultReadBatch   = 256
	DefaultLoadRetry   = 200 * time.Millisecond

	maxLoadRetry = 10 * time.Second
)

// Manager is the projection lifecycle coordinator.
//
// Thread-safety model:
//   - Submit, Do and the leadership signal methods: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Manager struct {
	store       stream.Store
	core        core.Core
	checkpoints *checkpoint.Manager
	gate        *leader.Gate
	ids         IDGenerator
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	stopTimeout    time.Duration
	resumeRetained bool
	readBatch      int
	loadRetry      time.Duration

	inbox   *inbox
	workers sync.WaitGroup

	// mu guards ep for readers outside the Run loop. Only Run writes it.
	mu sync.Mutex
	ep *epoch
}

// Option configures a Manager.
type Option func(*Manager)

// WithCheckpoints sets the checkpoint manager. Defaults to one over the
// manager's store.
func WithCheckpoints(cp *checkpoint.Manager) Option {
	return func(m *Manager) {
		m.checkpoints = cp
	}
}

// WithGate sets the leadership gate.
func WithGate(g *leader.Gate) Option {
	return func(m *Manager) {
		m.gate = g
	}
}

// WithIDGenerator sets the command id generator. Defaults to UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics enables metrics.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mx
	}
}

// WithClock overrides the clock used for command durations.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithStopTimeout bounds how long Disable and Delete wait for the core to
// acknowledge a stop before forcing it.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.stopTimeout = d
	}
}

// WithResumeRetainedCheckpoints controls whether a projection posted under
// the name of a deleted one resumes from the checkpoints it left behind.
// Defaults to true.
func WithResumeRetainedCheckpoints(resume bool) Option {
	return func(m *Manager) {
		m.resumeRetained = resume
	}
}

// WithReadBatch sets the page size used when reading whole streams.
func WithReadBatch(n int) Option {
	return func(m *Manager) {
		m.readBatch = n
	}
}

// WithLoadRetry sets the initial delay between registry load attempts.
func WithLoadRetry(d time.Duration) Option {
	return func(m *Manager) {
		m.loadRetry = d
	}
}

// New creates a Manager. Call Run to start it.
func New(s stream.Store, c core.Core, opts ...Option) *Manager {
	m := &Manager{
		store:          s,
		core:           c,
		gate:           leader.NewGate(),
		ids:            UUIDv7Generator{},
		logger:         slog.Default(),
		now:            time.Now,
		stopTimeout:    DefaultStopTimeout,
		resumeRetained: true,
		readBatch:      DefaultReadBatch,
		loadRetry:      DefaultLoadRetry,
		inbox:          newInbox(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.checkpoints == nil {
		m.checkpoints = checkpoint.New(s)
	}
	return m
}

// Gate returns the leadership gate.
func (m *Manager) Gate() *leader.Gate {
	return m.gate
}

// BecameLeader signals that this node leads epoch e.
func (m *Manager) BecameLeader(e leader.Epoch) bool {
	return m.inbox.Enqueue(message{kind: msgBecameLeader, epoch: e})
}

// CoreReady signals that the core subsystem is ready for epoch e.
func (m *Manager) CoreReady(e leader.Epoch) bool {
	return m.inbox.Enqueue(message{kind: msgCoreReady, epoch: e})
}

// LeadershipLost signals that this node no longer leads.
func (m *Manager) LeadershipLost() bool {
	return m.inbox.Enqueue(message{kind: msgLeadershipLost})
}

// Submit queues cmd and returns its command id. env receives exactly one
// reply.
func (m *Manager) Submit(cmd Command, env Envelope) string {
	id := m.ids.Generate()
	once := replyOnce(env)
	msg := message{kind: msgCommand, id: id, cmd: cmd, env: once, accepted: m.now()}
	if !m.inbox.Enqueue(msg) {
		m.reject(msg, notLeader("coordinator stopped"))
	}
	return id
}

// Do submits cmd and waits for its reply. The returned error is the
// reply's error, or ctx's error if ctx ended first; in that case the
// command may still be applied.
func (m *Manager) Do(ctx context.Context, cmd Command) (Reply, error) {
	env := NewChanEnvelope()
	id := m.Submit(cmd, env)
	select {
	case r := <-env:
		return r, r.Err
	case <-ctx.Done():
		r := Reply{CommandID: id}
		if cmd != nil {
			r.Command = cmd.Kind()
		}
		return r, ctx.Err()
	}
}

// WaitReady blocks until some epoch's registry is loaded and commands
// are being accepted.
func (m *Manager) WaitReady(ctx context.Context) error {
	return m.waitReady(ctx, leader.NoEpoch)
}

// WaitEpoch is WaitReady for epoch e specifically.
func (m *Manager) WaitEpoch(ctx context.Context, e leader.Epoch) error {
	return m.waitReady(ctx, e)
}

func (m *Manager) waitReady(ctx context.Context, want leader.Epoch) error {
	for {
		ep := m.current()
		if ep != nil && (want == leader.NoEpoch || ep.token == want) {
			select {
			case <-ep.readyCh:
				if m.gate.Admits(ep.token) {
					return nil
				}
			case <-ep.ctx.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Run processes signals, commands and core faults until ctx is cancelled.
// On return every queued and in-flight command has been answered.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("projection manager starting",
		"stop_timeout", m.stopTimeout,
		"resume_retained_checkpoints", m.resumeRetained,
	)

	var faults <-chan core.Fault
	if m.core != nil {
		faults = m.core.Faults()
	}

	for {
		if msg, ok := m.inbox.TryDequeue(); ok {
			m.process(ctx, msg)
			continue
		}

		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-m.inbox.Wait():
		case f := <-faults:
			m.process(ctx, message{kind: msgFault, fault: f})
		}
	}
}

func (m *Manager) shutdown() {
	m.endEpoch("coordinator stopped")
	for _, msg := range m.inbox.Close() {
		if msg.kind == msgCommand {
			m.reject(msg, notLeader("coordinator stopped"))
		}
	}
	m.workers.Wait()
	m.logger.Info("projection manager stopped")
}

func (m *Manager) process(ctx context.Context, msg message) {
	switch msg.kind {
	case msgBecameLeader:
		m.applyGate(ctx, m.gate.BecameLeader(msg.epoch))
	case msgCoreReady:
		m.applyGate(ctx, m.gate.CoreReady(msg.epoch))
	case msgLeadershipLost:
		m.gate.LeadershipLost()
		m.endEpoch("leadership lost")
	case msgRegistryLoaded:
		m.registryLoaded(msg)
	case msgFault:
		m.dispatchFault(msg.fault)
	case msgCommand:
		m.admit(msg)
	default:
		m.logger.Error("unknown inbox message", "kind", msg.kind)
	}
}

func (m *Manager) applyGate(ctx context.Context, ch leader.Change) {
	if ch.Closed {
		m.endEpoch("leadership moved to a new epoch")
	}
	if ch.Opened {
		m.beginEpoch(ctx, ch.Epoch)
	}
}

func (m *Manager) current() *epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ep
}

func (m *Manager) beginEpoch(ctx context.Context, token leader.Epoch) {
	ep := newEpoch(ctx, token)
	m.mu.Lock()
	m.ep = ep
	m.mu.Unlock()

	m.logger.Info("leadership epoch opened, loading registry", "epoch", token)
	ep.group.Go(func() error {
		m.loadLoop(ep)
		return nil
	})
}

// endEpoch cancels the current epoch, answers its pending commands with
// NOT_LEADER and stops its projections in the core.
func (m *Manager) endEpoch(reason string) {
	m.mu.Lock()
	ep := m.ep
	m.ep = nil
	m.mu.Unlock()

	if ep == nil {
		return
	}

	waiting := ep.end()
	for _, w := range waiting {
		r := Reply{CommandID: w.key.id, Command: w.kind, Err: notLeader(reason)}
		w.env.Reply(r)
		m.observe(w.kind, w.accepted, r.Err)
	}

	records := ep.registry.close()
	for _, rec := range records {
		switch rec.State {
		case projection.StateStarting, projection.StateRunning, projection.StateStopping:
			if m.core != nil {
				m.core.Stop(context.Background(), rec.Definition.Name)
			}
		}
	}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		_ = ep.group.Wait()
	}()

	m.metrics.SetAccepting(false)
	m.metrics.SetStates(nil)
	m.logger.Info("leadership epoch closed",
		"epoch", ep.token,
		"reason", reason,
		"cancelled_commands", len(waiting),
	)
}

func (m *Manager) loadLoop(ep *epoch) {
	delay := m.loadRetry
	for {
		recs, err := m.loadRegistry(ep.ctx)
		if err == nil {
			m.inbox.Enqueue(message{kind: msgRegistryLoaded, epoch: ep.token, records: recs})
			return
		}
		if ep.ctx.Err() != nil {
			return
		}
		m.logger.Warn("registry load failed, retrying",
			"epoch", ep.token,
			"retry_in", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ep.ctx.Done():
			return
		}
		delay = min(delay*2, maxLoadRetry)
	}
}

func (m *Manager) registryLoaded(msg message) {
	ep := m.ep
	if ep == nil || ep.token != msg.epoch {
		m.logger.Debug("discarding registry load for ended epoch", "epoch", msg.epoch)
		return
	}
	if err := ep.registry.load(msg.records); err != nil {
		return
	}
	ep.ready = true
	close(ep.readyCh)

	restarts := 0
	for _, rec := range msg.records {
		if !rec.Definition.Enabled || rec.State != projection.StateStopped {
			continue
		}
		restarts++
		name := rec.Definition.Name
		ep.dispatch(job{
			key:      pendingKey{name: name, id: "restart"},
			kind:     "restart",
			internal: func(ctx context.Context, ep *epoch) error { return m.restart(ctx, ep, name) },
		}, m.exec)
	}

	m.metrics.SetAccepting(true)
	m.metrics.SetStates(ep.registry.Counts())
	m.logger.Info("registry loaded, accepting commands",
		"epoch", ep.token,
		"projections", len(msg.records),
		"restarting", restarts,
	)
}

func (m *Manager) dispatchFault(f core.Fault) {
	ep := m.ep
	if ep == nil || !ep.ready {
		m.logger.Warn("fault outside a ready epoch ignored", "projection", f.Projection, "reason", f.Reason)
		return
	}
	ep.dispatch(job{
		key:      pendingKey{name: f.Projection, id: "fault"},
		kind:     "fault",
		internal: func(ctx context.Context, ep *epoch) error { return m.fault(ctx, ep, f) },
	}, m.exec)
}

// admit checks the gate and routes a command to its lane.
func (m *Manager) admit(msg message) {
	ep := m.ep
	if ep == nil || !m.gate.Admits(ep.token) {
		m.reject(msg, notLeader("not leader"))
		return
	}
	if !ep.ready {
		m.reject(msg, notLeader("registry loading"))
		return
	}

	if _, ok := msg.cmd.(List); ok {
		r := Reply{CommandID: msg.id, Command: msg.cmd.Kind(), Statuses: ep.registry.Snapshot()}
		msg.env.Reply(r)
		m.observe(r.Command, msg.accepted, nil)
		return
	}
	if msg.cmd == nil {
		m.reject(msg, newError(ErrCodeInvalidRequest, "", "nil command"))
		return
	}

	name, err := projection.NormalizeName(msg.cmd.Target())
	if err != nil {
		m.reject(msg, &CommandError{Code: ErrCodeInvalidRequest, Name: msg.cmd.Target(), Err: err})
		return
	}

	j := job{
		key:      pendingKey{name: name, id: msg.id},
		kind:     msg.cmd.Kind(),
		cmd:      msg.cmd,
		env:      msg.env,
		accepted: msg.accepted,
	}
	if !ep.dispatch(j, m.exec) {
		m.reject(msg, notLeader("leadership lost"))
	}
}

func (m *Manager) reject(msg message, err error) {
	kind := ""
	if msg.cmd != nil {
		kind = msg.cmd.Kind()
	}
	msg.env.Reply(Reply{CommandID: msg.id, Command: kind, Err: err})
	m.observe(kind, msg.accepted, err)
	m.logger.Debug("command rejected", "command", kind, "command_id", msg.id, "error", err)
}

// exec runs one lane job and delivers its reply.
func (m *Manager) exec(ep *epoch, j job) {
	ctx := ep.ctx
	name := j.key.name

	if j.internal != nil {
		if err := j.internal(ctx, ep); err != nil && ctx.Err() == nil {
			m.logger.Warn("internal action failed", "action", j.kind, "projection", name, "error", err)
		}
		m.metrics.SetStates(ep.registry.Counts())
		return
	}

	var (
		st  Status
		err error
	)
	switch c := j.cmd.(type) {
	case Post:
		st, err = m.post(ctx, ep, name, c)
	case Enable:
		st, err = m.enable(ctx, ep, name, c)
	case Disable:
		st, err = m.disable(ctx, ep, name, c)
	case Delete:
		st, err = m.delete(ctx, ep, name, c)
	case GetState:
		st, err = m.getState(ep, name)
	default:
		err = newError(ErrCodeInvalidRequest, name, "unsupported command %T", j.cmd)
	}

	r := Reply{CommandID: j.key.id, Command: j.kind, Status: st, Err: err}
	if !ep.complete(j.key, r) {
		m.logger.Debug("discarding late reply", "command", j.kind, "command_id", j.key.id, "projection", name)
		return
	}
	m.observe(j.kind, j.accepted, err)
	m.metrics.SetStates(ep.registry.Counts())

	if err != nil {
		m.logger.Info("command failed",
			"command", j.kind,
			"command_id", j.key.id,
			"projection", name,
			"error", err,
		)
		return
	}
	m.logger.Debug("command completed",
		"command", j.kind,
		"command_id", j.key.id,
		"projection", name,
		"state", st.State,
	)
}

func (m *Manager) observe(kind string, accepted time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(Code(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	var d time.Duration
	if !accepted.IsZero() {
		d = m.now().Sub(accepted)
	}
	m.metrics.ObserveCommand(kind, outcome, d)
}

// registryErr maps a registry mutation failure to a command error.
func registryErr(name string, err error) error {
	if errors.Is(err, errStaleEpoch) {
		return &CommandError{Code: ErrCodeNotLeader, Name: name, Message: "leadership lost", Err: err}
	}
	return &CommandError{Code: ErrCodeInvalidTransition, Name: name, Err: err}
}
