package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/projmgr/internal/manager"
	"github.com/roach88/projmgr/internal/projection"
)

// PostOptions holds flags for the post command.
type PostOptions struct {
	*RootOptions
	Mode        string
	HandlerKind string
	Query       string
	Enabled     bool
	Checkpoints bool
	Emit        bool
}

// NewPostCommand creates the post command.
func NewPostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PostOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "post <name>",
		Short: "Create a projection",
		Long: `Create a projection. An enabled projection starts immediately.

Examples:
  projmgr post orders-by-day --query "fromStream('orders')" --enabled --checkpoints
  projmgr post peek --mode Transient --query "fromAll()" --user alice`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := projection.ParseMode(opts.Mode)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --mode", err)
			}
			return runCommand(cmd, rootOpts, manager.Post{
				Name:               args[0],
				Mode:               mode,
				RunAs:              rootOpts.RunAs(),
				HandlerKind:        opts.HandlerKind,
				Query:              opts.Query,
				Enabled:            opts.Enabled,
				CheckpointsEnabled: opts.Checkpoints,
				EmitEnabled:        opts.Emit,
			})
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", string(projection.ModeContinuous), "projection mode (OneTime|AdHoc|Continuous|Transient)")
	cmd.Flags().StringVar(&opts.HandlerKind, "handler", "JS", "query handler kind")
	cmd.Flags().StringVar(&opts.Query, "query", "", "query text (required)")
	_ = cmd.MarkFlagRequired("query")
	cmd.Flags().BoolVar(&opts.Enabled, "enabled", false, "start the projection after creating it")
	cmd.Flags().BoolVar(&opts.Checkpoints, "checkpoints", false, "write checkpoints")
	cmd.Flags().BoolVar(&opts.Emit, "emit", false, "allow the projection to emit events")

	return cmd
}

// NewEnableCommand creates the enable command.
func NewEnableCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "enable <name>",
		Short:         "Start a projection and mark it enabled",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, rootOpts, manager.Enable{Name: args[0], RunAs: rootOpts.RunAs()})
		},
	}
}

// NewDisableCommand creates the disable command.
func NewDisableCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "disable <name>",
		Short:         "Stop a projection and mark it disabled",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, rootOpts, manager.Disable{Name: args[0], RunAs: rootOpts.RunAs()})
		},
	}
}

// DeleteOptions holds flags for the delete command.
type DeleteOptions struct {
	*RootOptions
	DeleteCheckpointStream bool
	DeleteEmittedStreams   bool
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a projection",
		Long: `Delete a projection. A running projection is stopped first.

The checkpoint stream and the streams the projection emitted to are kept
unless asked for. A delete that fails part-way leaves the projection in
Deleting; running delete again resumes where it stopped.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, rootOpts, manager.Delete{
				Name:                   args[0],
				RunAs:                  rootOpts.RunAs(),
				DeleteCheckpointStream: opts.DeleteCheckpointStream,
				DeleteEmittedStreams:   opts.DeleteEmittedStreams,
			})
		},
	}

	cmd.Flags().BoolVar(&opts.DeleteCheckpointStream, "delete-checkpoints", false, "also delete the checkpoint stream")
	cmd.Flags().BoolVar(&opts.DeleteEmittedStreams, "delete-emitted", false, "also delete the result stream and every emitted stream")

	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status <name>",
		Short:         "Show one projection's status",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, rootOpts, manager.GetState{Name: args[0]})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List every projection",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, rootOpts, manager.List{})
		},
	}
}

// runCommand executes one lifecycle command in a fresh session and
// prints the reply.
func runCommand(cmd *cobra.Command, opts *RootOptions, c manager.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	return withSession(ctx, opts, cmd.ErrOrStderr(), func(s *session) error {
		formatter.VerboseLog("%s %s as %q", c.Kind(), c.Target(), opts.User)
		r, err := s.Do(ctx, c)
		if err != nil && r.Err == nil {
			return WrapExitError(ExitFailure, "command interrupted", err)
		}
		return formatter.Reply(r, func(w io.Writer) {
			if r.Command == "list" {
				writeStatusTable(w, r.Statuses)
				return
			}
			writeStatus(w, r.Status)
		})
	})
}

func writeStatus(w io.Writer, st manager.Status) {
	fmt.Fprintf(w, "%s\n", st.Name)
	fmt.Fprintf(w, "  mode:        %s\n", st.Mode)
	fmt.Fprintf(w, "  state:       %s\n", st.State)
	fmt.Fprintf(w, "  enabled:     %t\n", st.Enabled)
	fmt.Fprintf(w, "  checkpoints: %t\n", st.CheckpointsEnabled)
	fmt.Fprintf(w, "  emit:        %t\n", st.EmitEnabled)
	fmt.Fprintf(w, "  handler:     %s\n", st.HandlerKind)
	if st.Owner != "" {
		fmt.Fprintf(w, "  owner:       %s\n", st.Owner)
	}
	if st.StartedFrom >= 0 {
		fmt.Fprintf(w, "  started at:  %d\n", st.StartedFrom)
	}
	if st.FaultReason != "" {
		fmt.Fprintf(w, "  fault:       %s\n", st.FaultReason)
	}
}

func writeStatusTable(w io.Writer, statuses []manager.Status) {
	if len(statuses) == 0 {
		fmt.Fprintln(w, "No projections.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODE\tSTATE\tENABLED\tOWNER")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", st.Name, st.Mode, st.State, st.Enabled, orDash(st.Owner))
	}
	tw.Flush()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
