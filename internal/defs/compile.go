// Package defs loads projection definitions from CUE files.
//
// A definition file declares projections under the top-level projection
// struct, keyed by name:
//
//	projection: "orders-by-day": {
//		mode:        "Continuous"
//		handler:     "JS"
//		query:       "fromStream('orders').when({...})"
//		enabled:     true
//		checkpoints: true
//		emit:        true
//	}
package defs

import (
	"fmt"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/projmgr/internal/manager"
	"github.com/roach88/projmgr/internal/projection"
)

// Spec is one projection as declared in CUE.
type Spec struct {
	Name        string
	Mode        projection.Mode
	HandlerKind string
	Query       string
	Enabled     bool
	Checkpoints bool
	Emit        bool

	// RunAs is the declared owner. Zero means the caller's identity.
	RunAs projection.RunAs

	Pos token.Pos
}

// Post builds the Post command for s. The declared run_as wins over
// caller when set.
func (s Spec) Post(caller projection.RunAs) manager.Post {
	run := caller
	if s.RunAs.User != "" {
		run = s.RunAs
	}
	return manager.Post{
		Name:               s.Name,
		Mode:               s.Mode,
		RunAs:              run,
		HandlerKind:        s.HandlerKind,
		Query:              s.Query,
		Enabled:            s.Enabled,
		CheckpointsEnabled: s.Checkpoints,
		EmitEnabled:        s.Emit,
	}
}

// CompileError is a definition error with its CUE position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileProjection parses the CUE struct declaring projection name.
func CompileProjection(name string, v cue.Value) (*Spec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	normalized, err := projection.NormalizeName(name)
	if err != nil {
		return nil, &CompileError{Field: "name", Message: err.Error(), Pos: v.Pos()}
	}
	spec := &Spec{Name: normalized, Pos: v.Pos()}

	mode, err := requiredString(v, "mode")
	if err != nil {
		return nil, err
	}
	if spec.Mode, err = projection.ParseMode(mode); err != nil {
		return nil, &CompileError{Field: "mode", Message: err.Error(), Pos: v.LookupPath(cue.ParsePath("mode")).Pos()}
	}
	if spec.HandlerKind, err = requiredString(v, "handler"); err != nil {
		return nil, err
	}
	if spec.Query, err = requiredString(v, "query"); err != nil {
		return nil, err
	}

	if spec.Enabled, err = optionalBool(v, "enabled"); err != nil {
		return nil, err
	}
	if spec.Checkpoints, err = optionalBool(v, "checkpoints"); err != nil {
		return nil, err
	}
	if spec.Emit, err = optionalBool(v, "emit"); err != nil {
		return nil, err
	}
	if spec.Mode == projection.ModeTransient && spec.Checkpoints {
		return nil, &CompileError{
			Field:   "checkpoints",
			Message: "transient projections cannot checkpoint",
			Pos:     v.LookupPath(cue.ParsePath("checkpoints")).Pos(),
		}
	}

	if spec.RunAs, err = parseRunAs(v); err != nil {
		return nil, err
	}
	return spec, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if s == "" {
		return "", &CompileError{Field: field, Message: field + " must not be empty", Pos: fv.Pos()}
	}
	return s, nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func parseRunAs(v cue.Value) (projection.RunAs, error) {
	rv := v.LookupPath(cue.ParsePath("run_as"))
	if !rv.Exists() {
		return projection.RunAs{}, nil
	}
	var run projection.RunAs
	user, err := requiredString(rv, "user")
	if err != nil {
		return run, err
	}
	run.User = user

	roles := rv.LookupPath(cue.ParsePath("roles"))
	if !roles.Exists() {
		return run, nil
	}
	iter, err := roles.List()
	if err != nil {
		return run, formatCUEError(err)
	}
	for iter.Next() {
		role, err := iter.Value().String()
		if err != nil {
			return run, formatCUEError(err)
		}
		run.Roles = append(run.Roles, role)
	}
	return run, nil
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
