package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/projmgr/internal/checkpoint"
	"github.com/roach88/projmgr/internal/core"
	"github.com/roach88/projmgr/internal/leader"
	"github.com/roach88/projmgr/internal/manager"
	"github.com/roach88/projmgr/internal/store"
)

// readyTimeout bounds how long a session waits for the registry rebuild.
const readyTimeout = 30 * time.Second

// session is an in-process coordinator over the local stream store. It
// elects itself leader, so one-shot commands must not share a database
// with a running "projmgr run".
type session struct {
	store  *store.Store
	core   *core.LocalCore
	mgr    *manager.Manager
	cancel context.CancelFunc
	done   chan error
}

// openSession opens the store, starts a coordinator and waits until it
// accepts commands.
func openSession(ctx context.Context, opts *RootOptions, logger *slog.Logger, extra ...manager.Option) (*session, error) {
	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	cp := checkpoint.New(st)
	c := core.NewLocal(st, cp, core.WithLogger(logger))

	mopts := []manager.Option{
		manager.WithCheckpoints(cp),
		manager.WithLogger(logger),
		manager.WithResumeRetainedCheckpoints(opts.Config.ResumeRetainedCheckpoints),
	}
	if opts.StopTimeout > 0 {
		mopts = append(mopts, manager.WithStopTimeout(opts.StopTimeout))
	}
	if opts.Config.ReadBatch > 0 {
		mopts = append(mopts, manager.WithReadBatch(opts.Config.ReadBatch))
	}
	mgr := manager.New(st, c, append(mopts, extra...)...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{store: st, core: c, mgr: mgr, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- mgr.Run(runCtx) }()

	e := leader.NewEpoch()
	mgr.BecameLeader(e)
	mgr.CoreReady(e)

	waitCtx, waitCancel := context.WithTimeout(ctx, readyTimeout)
	defer waitCancel()
	if err := mgr.WaitEpoch(waitCtx, e); err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "coordinator did not become ready", err)
	}
	return s, nil
}

// Do runs one command.
func (s *session) Do(ctx context.Context, cmd manager.Command) (manager.Reply, error) {
	return s.mgr.Do(ctx, cmd)
}

// Close stops the coordinator, which stops running projections, waits
// for their final checkpoints, then closes the store.
func (s *session) Close() error {
	s.cancel()
	runErr := <-s.done
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	s.core.Drain()
	return errors.Join(runErr, s.store.Close())
}

// commandLogger returns the logger one-shot commands give the coordinator:
// debug to stderr when verbose, otherwise warnings only.
func commandLogger(opts *RootOptions, errOut io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
}

// withSession runs fn against a fresh session.
func withSession(ctx context.Context, opts *RootOptions, errOut io.Writer, fn func(*session) error) (err error) {
	s, err := openSession(ctx, opts, commandLogger(opts, errOut))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close session: %w", closeErr)
		}
	}()
	return fn(s)
}
