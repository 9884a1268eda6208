package cli

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/projmgr/internal/config"
	"github.com/roach88/projmgr/internal/projection"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Database string

	// User and Roles are the identity lifecycle commands run as.
	User  string
	Roles []string

	StopTimeout time.Duration

	// Config is the environment configuration flag defaults came from.
	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RunAs returns the identity commands execute under.
func (o *RootOptions) RunAs() projection.RunAs {
	return projection.RunAs{User: o.User, Roles: o.Roles}
}

// NewRootCommand creates the root command for the projmgr CLI.
// Flag defaults come from the PROJMGR_* environment.
func NewRootCommand() *cobra.Command {
	cfg, cfgErr := config.Load()
	if cfgErr != nil {
		cfg = config.Default()
	}
	opts := &RootOptions{Config: cfg}

	cmd := &cobra.Command{
		Use:   "projmgr",
		Short: "projmgr - projection lifecycle coordinator",
		Long: `Coordinates the lifecycle of projections over an append-only stream store:
creation, enabling, disabling, deletion and status, gated on cluster leadership.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgErr != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", cfgErr)
			}
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.StopTimeout <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("--stop-timeout must be positive, got %s", opts.StopTimeout))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", cfg.DBPath, "path to SQLite stream store")
	cmd.PersistentFlags().StringVar(&opts.User, "user", projection.SystemUser, "user to run commands as")
	cmd.PersistentFlags().StringSliceVar(&opts.Roles, "role", nil, "role of --user (repeatable)")
	cmd.PersistentFlags().DurationVar(&opts.StopTimeout, "stop-timeout", cfg.StopTimeout, "how long to wait for a projection to stop")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewPostCommand(opts))
	cmd.AddCommand(NewEnableCommand(opts))
	cmd.AddCommand(NewDisableCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewReadCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
