package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/roach88/projmgr/internal/checkpoint"
	"github.com/roach88/projmgr/internal/core"
	"github.com/roach88/projmgr/internal/defs"
	"github.com/roach88/projmgr/internal/leader"
	"github.com/roach88/projmgr/internal/manager"
	"github.com/roach88/projmgr/internal/projection"
	"github.com/roach88/projmgr/internal/store"
	"github.com/roach88/projmgr/internal/stream"
	"github.com/roach88/projmgr/internal/testutil"
)

const (
	defaultStopTimeout = time.Second
	scenarioTimeout    = 30 * time.Second
	settleTimeout      = 5 * time.Second
	pollInterval       = 2 * time.Millisecond
)

// errInjected is the cause of failures injected by fail steps.
var errInjected = errors.New("injected failure")

// Harness executes one scenario against a fresh coordinator.
type Harness struct {
	store    *store.Store
	recorder *testutil.RecordingStore
	core     *core.LocalCore
	mgr      *manager.Manager
	specs    []defs.Spec
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a step clock and
// sequential command ids, so traces are reproducible.
//
// Execution flow:
//  1. Open the store and apply setup writes
//  2. Load definitions, if any
//  3. Start the coordinator (not yet leading)
//  4. Execute flow steps, tracing store calls per step
//  5. Snapshot the final registry and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), scenarioTimeout)
	defer cancel()

	clock := testutil.NewStepClock()
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	for i, a := range scenario.Setup {
		if _, err := st.Append(ctx, a.Stream, stream.Event{Type: a.Type, Data: []byte(a.Data)}); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	specs, err := loadSpecs(scenario.Definitions)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := testutil.NewRecordingStore(st)
	cp := checkpoint.New(rec, checkpoint.WithClock(clock.Now))

	coreOpts := []core.LocalOption{core.WithLogger(logger)}
	if scenario.Options.HangOnStop {
		coreOpts = append(coreOpts, core.WithHangOnStop())
	}
	c := core.NewLocal(rec, cp, coreOpts...)

	stopTimeout := scenario.Options.StopTimeout
	if stopTimeout == 0 {
		stopTimeout = defaultStopTimeout
	}
	resume := true
	if scenario.Options.ResumeRetainedCheckpoints != nil {
		resume = *scenario.Options.ResumeRetainedCheckpoints
	}
	mgr := manager.New(rec, c,
		manager.WithCheckpoints(cp),
		manager.WithIDGenerator(testutil.NewSequentialIDs("cmd")),
		manager.WithLogger(logger),
		manager.WithStopTimeout(stopTimeout),
		manager.WithResumeRetainedCheckpoints(resume),
		manager.WithLoadRetry(5*time.Millisecond),
	)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(runCtx)
	}()
	defer func() {
		stop()
		<-done
		c.Drain()
	}()

	h := &Harness{store: st, recorder: rec, core: c, mgr: mgr, specs: specs}
	result := NewResult()

	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	if _, accepting := mgr.Gate().Accepting(); accepting {
		if r, err := mgr.Do(ctx, manager.List{}); err == nil {
			for _, s := range r.Statuses {
				result.Final[s.Name] = s
			}
		}
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// loadSpecs loads every definition path. A directory is loaded as one
// CUE instance; a file is compiled on its own.
func loadSpecs(paths []string) ([]defs.Spec, error) {
	var specs []defs.Spec
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("definitions: %w", err)
		}

		var loaded *defs.LoadResult
		var errs []error
		if info.IsDir() {
			loaded, errs = defs.LoadDir(p, defs.LoadModeFailFast)
		} else {
			src, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("definitions: %w", err)
			}
			loaded, errs = defs.LoadString(string(src), filepath.Base(p), defs.LoadModeFailFast)
		}
		if len(errs) > 0 {
			return nil, fmt.Errorf("definitions %s: %w", p, errs[0])
		}
		specs = append(specs, loaded.Specs...)
	}
	return specs, nil
}

// executeFlow runs every step, tracing the store calls each one makes.
// Step failures that a scenario can expect are recorded in the result;
// only harness malfunctions are returned.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		n := i + 1
		mark := h.recorder.Mark()

		action, outcome, err := h.executeStep(ctx, n, step, result)
		if err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}

		calls := h.recorder.CallsSince(mark)
		if step.Leader == LeaderBecome {
			// Restarts run on concurrent lanes; only per-stream order is
			// meaningful.
			slices.SortStableFunc(calls, func(a, b testutil.Call) int {
				return strings.Compare(a.Stream, b.Stream)
			})
		}

		result.Trace = append(result.Trace, TraceEvent{Kind: KindStep, Step: n, Action: action, Outcome: outcome})
		for _, c := range calls {
			result.Trace = append(result.Trace, callEvent(n, c))
		}
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, n int, step FlowStep, result *Result) (action, outcome string, err error) {
	switch {
	case step.Leader == LeaderBecome:
		return "leader become", "ok", h.becomeLeader(ctx)

	case step.Leader == LeaderLose:
		return "leader lose", "ok", h.loseLeadership(ctx)

	case step.Invoke != "":
		return h.invoke(ctx, n, step, result)

	case step.Advance != nil:
		a := step.Advance
		action = fmt.Sprintf("advance %s %d", a.Projection, a.Position)
		return action, coreOutcome(n, action, h.core.Advance(a.Projection, stream.Position(a.Position)), result), nil

	case step.Checkpoint != "":
		action = "checkpoint " + step.Checkpoint
		return action, coreOutcome(n, action, h.core.Checkpoint(ctx, step.Checkpoint), result), nil

	case step.Emit != nil:
		e := step.Emit
		count := e.Count
		if count == 0 {
			count = 1
		}
		target := e.Stream
		if target == "" {
			target = projection.ResultStream(e.Projection)
		}
		events := make([]stream.Event, count)
		for i := range events {
			events[i] = stream.Event{Type: e.Type}
		}
		action = fmt.Sprintf("emit %s %s x%d", e.Projection, target, count)
		return action, coreOutcome(n, action, h.core.Emit(ctx, e.Projection, e.Stream, events...), result), nil

	case step.Fault != nil:
		action = "fault " + step.Fault.Projection
		if err := h.core.Fail(step.Fault.Projection, step.Fault.Reason); err != nil {
			return action, coreOutcome(n, action, err, result), nil
		}
		st, err := h.awaitState(ctx, step.Fault.Projection, projection.StateFaulted)
		if err != nil {
			return action, "", err
		}
		return action, "ok " + string(st.State), nil

	case step.Fail != nil:
		f := step.Fail
		injected := stream.Transient(f.Op, f.Stream, errInjected)
		if f.Permanent {
			injected = stream.Permanent(f.Op, f.Stream, errInjected)
		}
		action = fmt.Sprintf("fail %s %s", f.Op, f.Stream)
		if f.Always {
			h.recorder.FailAlways(f.Op, f.Stream, injected)
			action += " always"
		} else {
			h.recorder.FailNext(f.Op, f.Stream, injected)
		}
		return action, "ok", nil

	case step.Heal:
		h.recorder.Heal()
		return "heal", "ok", nil
	}
	return "", "", fmt.Errorf("step has no action")
}

func coreOutcome(n int, action string, err error, result *Result) string {
	if err == nil {
		return "ok"
	}
	result.AddError(fmt.Sprintf("flow[%d] %s: %v", n-1, action, err))
	return "error " + err.Error()
}

// becomeLeader opens a new epoch, waits for the registry and for every
// enabled projection's restart to finish.
func (h *Harness) becomeLeader(ctx context.Context) error {
	e := leader.NewEpoch()
	h.mgr.BecameLeader(e)
	h.mgr.CoreReady(e)

	waitCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if err := h.mgr.WaitEpoch(waitCtx, e); err != nil {
		return fmt.Errorf("registry did not load: %w", err)
	}
	return h.settle(waitCtx)
}

// settle polls until no projection is mid-transition and no enabled
// projection is still waiting to be restarted.
func (h *Harness) settle(ctx context.Context) error {
	for {
		r, err := h.mgr.Do(ctx, manager.List{})
		if err != nil {
			return fmt.Errorf("settle: %w", err)
		}
		if slices.IndexFunc(r.Statuses, unsettled) < 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("projections did not settle: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// unsettled reports a projection still moving between states. A Deleting
// projection only moves again when a Delete is retried.
func unsettled(s manager.Status) bool {
	if s.State == projection.StateDeleting {
		return false
	}
	if !s.State.Stable() {
		return true
	}
	return s.Enabled && s.State == projection.StateStopped
}

// loseLeadership ends the epoch and waits until its projections are
// stopped and flushed. The manager handles signals and commands in
// order, so a rejected command proves the loss was applied.
func (h *Harness) loseLeadership(ctx context.Context) error {
	h.mgr.LeadershipLost()

	_, err := h.mgr.Do(ctx, manager.List{})
	if !manager.IsNotLeader(err) {
		return fmt.Errorf("expected NOT_LEADER after losing leadership, got %v", err)
	}
	h.core.Drain()
	return nil
}

// awaitState polls GetState until the projection reaches want.
func (h *Harness) awaitState(ctx context.Context, name string, want projection.State) (manager.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	for {
		r, err := h.mgr.Do(ctx, manager.GetState{Name: name})
		if err == nil && r.Status.State == want {
			return r.Status, nil
		}
		select {
		case <-ctx.Done():
			return manager.Status{}, fmt.Errorf("%s did not reach %s (last state %s, error %v)", name, want, r.Status.State, err)
		case <-time.After(pollInterval):
		}
	}
}

// invoke runs a coordinator command and checks its expect clause.
func (h *Harness) invoke(ctx context.Context, n int, step FlowStep, result *Result) (action, outcome string, err error) {
	if step.Invoke == InvokeApply {
		return h.apply(ctx)
	}

	cmd := buildCommand(step.Invoke, step.Args)
	action = step.Invoke
	if name := cmd.Target(); name != "" {
		action += " " + name
	}

	r, err := h.mgr.Do(ctx, cmd)
	if err != nil && r.Err == nil {
		return action, "", fmt.Errorf("%s: %w", action, err)
	}
	outcome = replyOutcome(r)

	if step.Expect != nil {
		for _, msg := range checkExpect(r, step.Expect) {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", n-1, action, msg))
		}
	}
	return action, outcome, nil
}

// apply posts every loaded definition as $system, or as its declared
// owner.
func (h *Harness) apply(ctx context.Context) (action, outcome string, err error) {
	var created, skipped, failed int
	for _, spec := range h.specs {
		r, err := h.mgr.Do(ctx, spec.Post(projection.System))
		switch {
		case err == nil:
			created++
		case manager.Code(err) == manager.ErrCodeNameConflict:
			skipped++
		case r.Err == nil:
			return InvokeApply, "", err
		default:
			failed++
		}
	}
	return InvokeApply, fmt.Sprintf("ok created=%d skipped=%d failed=%d", created, skipped, failed), nil
}

func buildCommand(invoke string, a Args) manager.Command {
	run := projection.System
	if a.RunAs != nil {
		run = projection.RunAs{User: a.RunAs.User, Roles: a.RunAs.Roles}
	}

	switch invoke {
	case InvokePost:
		mode := projection.Mode(a.Mode)
		if mode == "" {
			mode = projection.ModeContinuous
		}
		handler := a.Handler
		if handler == "" {
			handler = "JS"
		}
		return manager.Post{
			Name:               a.Name,
			Mode:               mode,
			RunAs:              run,
			HandlerKind:        handler,
			Query:              a.Query,
			Enabled:            a.Enabled,
			CheckpointsEnabled: a.Checkpoints,
			EmitEnabled:        a.Emit,
		}
	case InvokeEnable:
		return manager.Enable{Name: a.Name, RunAs: run}
	case InvokeDisable:
		return manager.Disable{Name: a.Name, RunAs: run}
	case InvokeDelete:
		return manager.Delete{
			Name:                   a.Name,
			RunAs:                  run,
			DeleteCheckpointStream: a.DeleteCheckpoints,
			DeleteEmittedStreams:   a.DeleteEmitted,
		}
	case InvokeGetState:
		return manager.GetState{Name: a.Name}
	default:
		return manager.List{}
	}
}

func replyOutcome(r manager.Reply) string {
	if r.Err != nil {
		out := "error " + string(manager.Code(r.Err))
		var cmdErr *manager.CommandError
		if errors.As(r.Err, &cmdErr) && cmdErr.Step != "" {
			out += " step=" + cmdErr.Step
		}
		return out
	}
	if r.Command == InvokeList {
		names := make([]string, len(r.Statuses))
		for i, s := range r.Statuses {
			names[i] = s.Name
		}
		return "ok [" + strings.Join(names, " ") + "]"
	}
	return "ok " + string(r.Status.State)
}

func checkExpect(r manager.Reply, want *ExpectClause) []string {
	var msgs []string
	code := string(manager.Code(r.Err))
	if r.Err != nil && code == "" {
		code = r.Err.Error()
	}

	switch {
	case want.Error == "" && r.Err != nil:
		msgs = append(msgs, fmt.Sprintf("expected success, got %v", r.Err))
		return msgs
	case want.Error != "" && code != want.Error:
		msgs = append(msgs, fmt.Sprintf("expected error %s, got %q", want.Error, code))
		return msgs
	}

	if want.State != "" && string(r.Status.State) != want.State {
		msgs = append(msgs, fmt.Sprintf("expected state %s, got %s", want.State, r.Status.State))
	}
	if want.StartedFrom != nil && r.Status.StartedFrom != *want.StartedFrom {
		msgs = append(msgs, fmt.Sprintf("expected started_from %d, got %d", *want.StartedFrom, r.Status.StartedFrom))
	}
	if want.Names != nil {
		names := make([]string, len(r.Statuses))
		for i, s := range r.Statuses {
			names[i] = s.Name
		}
		if !slices.Equal(names, want.Names) {
			msgs = append(msgs, fmt.Sprintf("expected names %v, got %v", want.Names, names))
		}
	}

	var cmdErr *manager.CommandError
	if want.Step != "" || want.Completed != nil {
		if !errors.As(r.Err, &cmdErr) {
			msgs = append(msgs, "expected a delete failure with step details")
			return msgs
		}
		if want.Step != "" && cmdErr.Step != want.Step {
			msgs = append(msgs, fmt.Sprintf("expected failed step %s, got %s", want.Step, cmdErr.Step))
		}
		if want.Completed != nil && !slices.Equal(cmdErr.Completed, want.Completed) {
			msgs = append(msgs, fmt.Sprintf("expected completed steps %v, got %v", want.Completed, cmdErr.Completed))
		}
	}
	return msgs
}

func callEvent(step int, c testutil.Call) TraceEvent {
	e := TraceEvent{Kind: KindCall, Step: step, Op: c.Op, Stream: c.Stream}
	if c.Op == testutil.OpAppend {
		e.Types = c.Types()
	}
	switch {
	case c.Err == nil:
	case stream.IsNotFound(c.Err):
		e.Error = "not-found"
	case stream.IsTransient(c.Err):
		e.Error = "unavailable"
	default:
		e.Error = "rejected"
	}
	return e
}
