package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/projmgr/internal/checkpoint"
	"github.com/roach88/projmgr/internal/core"
	"github.com/roach88/projmgr/internal/defs"
	"github.com/roach88/projmgr/internal/leader"
	"github.com/roach88/projmgr/internal/manager"
	"github.com/roach88/projmgr/internal/metrics"
	"github.com/roach88/projmgr/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	DefsDir     string
	MetricsAddr string

	// Ready, if set, is called once the coordinator accepts commands.
	// Tests use it to drive the running manager.
	Ready func(*manager.Manager)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator as a single-node leader",
		Long: `Run the projection coordinator against the local stream store.

The node elects itself leader, rebuilds the registry from the store and
restarts every enabled projection. With --defs, projections declared in
the directory that do not exist yet are created at startup. With
--metrics-addr, Prometheus metrics are served on /metrics.

Example:
  projmgr run --db ./projmgr.db --defs ./projections --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DefsDir, "defs", "", "directory of CUE projection definitions to apply at startup")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", rootOpts.Config.MetricsAddr, "serve Prometheus metrics on this address")

	return cmd
}

func runCoordinator(opts *RunOptions, cmd *cobra.Command) error {
	level, err := opts.Config.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	logger := slog.Default()

	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	var loaded *defs.LoadResult
	if opts.DefsDir != "" {
		if loaded, err = loadDefinitions(formatter, opts.DefsDir); err != nil {
			return err
		}
	}

	slog.Info("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mx := metrics.New()
	if err := mx.Register(reg); err != nil {
		return WrapExitError(ExitCommandError, "failed to register metrics", err)
	}

	cp := checkpoint.New(st)
	mopts := []manager.Option{
		manager.WithCheckpoints(cp),
		manager.WithMetrics(mx),
		manager.WithLogger(logger),
		manager.WithResumeRetainedCheckpoints(opts.Config.ResumeRetainedCheckpoints),
	}
	if opts.StopTimeout > 0 {
		mopts = append(mopts, manager.WithStopTimeout(opts.StopTimeout))
	}
	if opts.Config.ReadBatch > 0 {
		mopts = append(mopts, manager.WithReadBatch(opts.Config.ReadBatch))
	}
	c := core.NewLocal(st, cp, core.WithLogger(logger))
	mgr := manager.New(st, c, mopts...)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mgr.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("coordinator: %w", err)
		}
		return nil
	})

	if opts.MetricsAddr != "" {
		srv := metrics.NewServer(opts.MetricsAddr, reg)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			return srv.Stop(stopCtx)
		})
		slog.Info("serving metrics", "addr", opts.MetricsAddr)
	}

	g.Go(func() error {
		epoch := leader.NewEpoch()
		mgr.BecameLeader(epoch)
		mgr.CoreReady(epoch)
		if err := mgr.WaitEpoch(gctx, epoch); err != nil {
			return nil
		}
		slog.Info("coordinator accepting commands", "epoch", epoch)

		if loaded != nil {
			result, err := applySpecs(gctx, mgr, opts.RootOptions, loaded.Specs)
			if err != nil {
				return nil
			}
			slog.Info("definitions applied",
				"dir", opts.DefsDir,
				"created", result.Created,
				"skipped", result.Skipped,
				"failed", result.Failed,
			)
			for _, p := range result.Projections {
				if p.Outcome == ApplyFailed {
					slog.Warn("definition not applied", "projection", p.Name, "code", p.Code, "error", p.Message)
				}
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Coordinator started. Press Ctrl-C to stop.")
		if opts.Ready != nil {
			opts.Ready(mgr)
		}
		return nil
	})

	err = g.Wait()
	c.Drain()
	if err != nil {
		return WrapExitError(ExitFailure, "coordinator error", err)
	}

	slog.Info("coordinator stopped gracefully")
	return nil
}
