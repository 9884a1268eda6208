package manager

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/projmgr/internal/checkpoint"
	"github.com/roach88/projmgr/internal/core"
	"github.com/roach88/projmgr/internal/leader"
	"github.com/roach88/projmgr/internal/projection"
	"github.com/roach88/projmgr/internal/testutil"
)

const testTimeout = 5 * time.Second

type fixture struct {
	t     *testing.T
	store *testutil.RecordingStore
	cp    *checkpoint.Manager
	core  *core.LocalCore
	mgr   *Manager
	epoch leader.Epoch
}

type fixtureConfig struct {
	core    []core.LocalOption
	manager []Option
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture starts a Manager over a temp SQLite store. It does not make
// the manager leader; call lead.
func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	rs := testutil.NewSQLiteRecordingStore(t)
	return newFixtureOn(t, rs, cfg)
}

func newFixtureOn(t *testing.T, rs *testutil.RecordingStore, cfg fixtureConfig) *fixture {
	t.Helper()
	cp := checkpoint.New(rs, checkpoint.WithClock(testutil.NewStepClock().Now))
	c := core.NewLocal(rs, cp, append([]core.LocalOption{core.WithLogger(discardLogger())}, cfg.core...)...)

	opts := append([]Option{
		WithCheckpoints(cp),
		WithLogger(discardLogger()),
		WithIDGenerator(testutil.NewSequentialIDs("cmd")),
		WithStopTimeout(time.Second),
		WithLoadRetry(5 * time.Millisecond),
	}, cfg.manager...)
	m := New(rs, c, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Error("manager did not stop")
		}
	})

	return &fixture{t: t, store: rs, cp: cp, core: c, mgr: m}
}

// lead opens a fresh epoch and waits for its registry to load.
func (f *fixture) lead() leader.Epoch {
	f.t.Helper()
	e := leader.NewEpoch()
	f.mgr.BecameLeader(e)
	f.mgr.CoreReady(e)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(f.t, f.mgr.WaitEpoch(ctx, e))
	f.epoch = e
	return e
}

func (f *fixture) do(cmd Command) (Reply, error) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return f.mgr.Do(ctx, cmd)
}

func (f *fixture) mustDo(cmd Command) Status {
	f.t.Helper()
	r, err := f.do(cmd)
	require.NoError(f.t, err, "%s %s", cmd.Kind(), cmd.Target())
	return r.Status
}

func (f *fixture) state(name string) projection.State {
	f.t.Helper()
	return f.mustDo(GetState{Name: name}).State
}

func awaitReply(t *testing.T, env ChanEnvelope) Reply {
	t.Helper()
	select {
	case r := <-env:
		return r
	case <-time.After(testTimeout):
		t.Fatal("no reply")
		return Reply{}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("channel not closed")
	}
}

func postContinuous(name string, enabled bool) Post {
	return Post{
		Name:               name,
		Mode:               projection.ModeContinuous,
		RunAs:              projection.System,
		HandlerKind:        "JS",
		Query:              `fromAll().when({"$any":function(s,e){return s;}})`,
		Enabled:            enabled,
		CheckpointsEnabled: true,
		EmitEnabled:        true,
	}
}

// callsOnCheckpoint returns every call issued against the projection's
// checkpoint stream after mark.
func (f *fixture) callsOnCheckpoint(name string, mark int) []testutil.Call {
	var out []testutil.Call
	for _, c := range f.store.CallsSince(mark) {
		if c.Stream == projection.CheckpointStream(name) {
			out = append(out, c)
		}
	}
	return out
}

// deletedAudits returns the successful $ProjectionDeleted appends.
func (f *fixture) deletedAudits() []testutil.Call {
	var out []testutil.Call
	for _, c := range f.store.Appends(projection.IndexStream) {
		if c.Err != nil {
			continue
		}
		for _, ev := range c.Events {
			if ev.Type == projection.EventProjectionDeleted {
				out = append(out, c)
			}
		}
	}
	return out
}
