package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/projmgr/internal/defs"
	"github.com/roach88/projmgr/internal/manager"
)

// Apply outcomes.
const (
	ApplyCreated = "created"
	ApplySkipped = "exists"
	ApplyFailed  = "failed"
)

// AppliedProjection is the outcome of posting one definition.
type AppliedProjection struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
	State   string `json:"state,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ApplyResult holds the outcome of an apply.
type ApplyResult struct {
	Projections []AppliedProjection `json:"projections"`
	Created     int                 `json:"created"`
	Skipped     int                 `json:"skipped"`
	Failed      int                 `json:"failed"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <defs-dir>",
		Short: "Create the projections declared in CUE files",
		Long: `Load projection definitions from a directory of CUE files and post every
projection that does not exist yet. Existing projections are left alone.

Example:
  projmgr apply ./projections --db ./projmgr.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			formatter := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			loaded, err := loadDefinitions(formatter, args[0])
			if err != nil {
				return err
			}

			var result ApplyResult
			err = withSession(ctx, rootOpts, cmd.ErrOrStderr(), func(s *session) error {
				result, err = applySpecs(ctx, s, rootOpts, loaded.Specs)
				return err
			})
			if err != nil {
				return err
			}
			return outputApply(formatter, result)
		},
	}
}

// loadDefinitions loads a definitions directory, reporting every invalid
// definition.
func loadDefinitions(formatter *OutputFormatter, dir string) (*defs.LoadResult, error) {
	result, errs := defs.LoadDir(dir, defs.LoadModeCollectAll)
	if result == nil {
		formatter.Error(ErrCodeLoadFailed, errs[0].Error(), nil)
		return nil, WrapExitError(ExitCommandError, ErrCodeLoadFailed, errs[0])
	}
	if len(errs) > 0 {
		details := make([]string, len(errs))
		for i, err := range errs {
			details[i] = err.Error()
		}
		formatter.Error(ErrCodeInvalidDef, fmt.Sprintf("%d invalid definition(s)", len(errs)), details)
		return nil, WrapExitError(ExitCommandError, ErrCodeInvalidDef, errors.Join(errs...))
	}
	formatter.VerboseLog("Loaded %d projection(s) from %d file(s) in %s", len(result.Specs), result.FileCount, dir)
	return result, nil
}

// commander runs coordinator commands. Both *manager.Manager and
// *session satisfy it.
type commander interface {
	Do(ctx context.Context, cmd manager.Command) (manager.Reply, error)
}

// applySpecs posts each spec in name order. NAME_CONFLICT counts as
// already applied; other failures are recorded and the rest still run.
func applySpecs(ctx context.Context, s commander, opts *RootOptions, specs []defs.Spec) (ApplyResult, error) {
	result := ApplyResult{Projections: make([]AppliedProjection, 0, len(specs))}
	for _, spec := range specs {
		r, err := s.Do(ctx, spec.Post(opts.RunAs()))
		switch {
		case err == nil:
			result.Created++
			result.Projections = append(result.Projections, AppliedProjection{
				Name: spec.Name, Outcome: ApplyCreated, State: string(r.Status.State),
			})
		case manager.Code(err) == manager.ErrCodeNameConflict:
			result.Skipped++
			result.Projections = append(result.Projections, AppliedProjection{
				Name: spec.Name, Outcome: ApplySkipped,
			})
		case r.Err == nil:
			return result, WrapExitError(ExitFailure, "apply interrupted", err)
		default:
			result.Failed++
			result.Projections = append(result.Projections, AppliedProjection{
				Name:    spec.Name,
				Outcome: ApplyFailed,
				Code:    string(manager.Code(err)),
				Message: err.Error(),
			})
		}
	}
	return result, nil
}

func outputApply(formatter *OutputFormatter, result ApplyResult) error {
	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		writeApply(formatter.Writer, result)
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d projection(s) failed to apply", result.Failed))
	}
	return nil
}

func writeApply(w io.Writer, result ApplyResult) {
	for _, p := range result.Projections {
		switch p.Outcome {
		case ApplyCreated:
			fmt.Fprintf(w, "✓ %s created (%s)\n", p.Name, p.State)
		case ApplySkipped:
			fmt.Fprintf(w, "- %s already exists\n", p.Name)
		default:
			fmt.Fprintf(w, "✗ %s [%s] %s\n", p.Name, p.Code, p.Message)
		}
	}
	fmt.Fprintf(w, "\n%d created, %d skipped, %d failed\n", result.Created, result.Skipped, result.Failed)
}
