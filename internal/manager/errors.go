package manager

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/projmgr/internal/stream"
)

// ErrorCode categorizes command failures.
type ErrorCode string

const (
	// ErrCodeNotFound means no projection has that name.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeNameConflict means Post named an existing projection.
	ErrCodeNameConflict ErrorCode = "NAME_CONFLICT"

	// ErrCodeUnauthorized means the caller may not run the command.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// ErrCodeInvalidTransition means the command is not allowed in the
	// projection's current state.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeStoreUnavailable is a transient store failure. Retrying may
	// succeed.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// ErrCodeStoreRejected is a permanent store failure.
	ErrCodeStoreRejected ErrorCode = "STORE_REJECTED"

	// ErrCodeTimeout means the command did not finish in time.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeDeleteFailed means a delete step failed. The projection stays
	// in Deleting and a retried Delete resumes at the failed step.
	ErrCodeDeleteFailed ErrorCode = "DELETE_FAILED"

	// ErrCodeNotLeader means this node is not accepting commands.
	ErrCodeNotLeader ErrorCode = "NOT_LEADER"

	// ErrCodeInvalidRequest means the command itself is malformed.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// ErrCodeStartFailed means the core refused to start the projection.
	// The projection is left Faulted.
	ErrCodeStartFailed ErrorCode = "START_FAILED"
)

// CommandError is the error carried by a failed command reply.
type CommandError struct {
	Code    ErrorCode
	Message string

	// Name is the projection the command targeted, if any.
	Name string

	// Step and Completed describe a failed delete: the step that failed
	// and the steps that had already succeeded.
	Step      string
	Completed []string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Name != "" {
		fmt.Fprintf(&b, " (projection=%s", e.Name)
		if e.Step != "" {
			fmt.Fprintf(&b, ", step=%s, completed=[%s]", e.Step, strings.Join(e.Completed, ","))
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Is matches another *CommandError by code, so the sentinels below work
// with errors.Is.
func (e *CommandError) Is(target error) bool {
	t, ok := target.(*CommandError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound          = &CommandError{Code: ErrCodeNotFound}
	ErrNameConflict      = &CommandError{Code: ErrCodeNameConflict}
	ErrUnauthorized      = &CommandError{Code: ErrCodeUnauthorized}
	ErrInvalidTransition = &CommandError{Code: ErrCodeInvalidTransition}
	ErrStoreUnavailable  = &CommandError{Code: ErrCodeStoreUnavailable}
	ErrStoreRejected     = &CommandError{Code: ErrCodeStoreRejected}
	ErrTimeout           = &CommandError{Code: ErrCodeTimeout}
	ErrDeleteFailed      = &CommandError{Code: ErrCodeDeleteFailed}
	ErrNotLeader         = &CommandError{Code: ErrCodeNotLeader}
	ErrInvalidRequest    = &CommandError{Code: ErrCodeInvalidRequest}
	ErrStartFailed       = &CommandError{Code: ErrCodeStartFailed}
)

// Code returns the code of the first *CommandError in err's chain, or ""
// if there is none.
func Code(err error) ErrorCode {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsNotLeader reports whether err is a NOT_LEADER rejection.
func IsNotLeader(err error) bool {
	return Code(err) == ErrCodeNotLeader
}

// IsNotFound reports whether err is a NOT_FOUND failure.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsDeleteFailed reports whether err is a partial delete.
func IsDeleteFailed(err error) bool {
	return Code(err) == ErrCodeDeleteFailed
}

// IsRetryable reports whether retrying the same command may succeed.
func IsRetryable(err error) bool {
	switch Code(err) {
	case ErrCodeStoreUnavailable, ErrCodeTimeout, ErrCodeNotLeader:
		return true
	case ErrCodeDeleteFailed:
		return stream.IsTransient(err)
	}
	return false
}

func newError(code ErrorCode, name, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Name: name, Message: fmt.Sprintf(format, args...)}
}

func notLeader(reason string) *CommandError {
	return &CommandError{Code: ErrCodeNotLeader, Message: reason}
}

// storeFailure maps a store error to STORE_UNAVAILABLE or STORE_REJECTED.
func storeFailure(name, action string, err error) *CommandError {
	code := ErrCodeStoreRejected
	if stream.IsTransient(err) {
		code = ErrCodeStoreUnavailable
	}
	return &CommandError{Code: code, Name: name, Message: action, Err: err}
}
