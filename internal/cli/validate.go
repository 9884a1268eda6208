package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ValidatedProjection summarizes one valid definition.
type ValidatedProjection struct {
	Name    string `json:"name"`
	Mode    string `json:"mode"`
	Enabled bool   `json:"enabled"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool                  `json:"valid"`
	Files       int                   `json:"files"`
	Projections []ValidatedProjection `json:"projections"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <defs-dir>",
		Short: "Check projection definitions without applying them",
		Long: `Load every CUE file in a directory and check each projection definition.
All invalid definitions are reported, not just the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			result, err := loadDefinitions(formatter, args[0])
			if err != nil {
				return err
			}

			out := ValidationResult{Valid: true, Files: result.FileCount}
			for _, spec := range result.Specs {
				out.Projections = append(out.Projections, ValidatedProjection{
					Name: spec.Name, Mode: string(spec.Mode), Enabled: spec.Enabled,
				})
			}
			if formatter.Format == "json" {
				return formatter.Success(out)
			}
			for _, p := range out.Projections {
				fmt.Fprintf(formatter.Writer, "  %s (%s)\n", p.Name, p.Mode)
			}
			fmt.Fprintf(formatter.Writer, "✓ All definitions valid (%d projection(s) in %d file(s))\n", len(out.Projections), out.Files)
			return nil
		},
	}
}
