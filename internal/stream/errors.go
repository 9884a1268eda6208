package stream

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStreamNotFound means the stream has no events or has been deleted.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamTombstoned means the stream was hard-deleted and can never
	// be written again.
	ErrStreamTombstoned = errors.New("stream tombstoned")

	// ErrAccessDenied means the store refused the operation for the caller.
	ErrAccessDenied = errors.New("access denied")
)

// Error describes a failed store operation.
type Error struct {
	Op        string // "append", "read", "delete"
	Stream    string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Stream, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable store failure.
func Transient(op, stream string, err error) *Error {
	return &Error{Op: op, Stream: stream, Transient: true, Err: err}
}

// Permanent wraps err as a store failure that retrying will not fix.
func Permanent(op, stream string, err error) *Error {
	return &Error{Op: op, Stream: stream, Transient: false, Err: err}
}

// IsNotFound reports whether err means the stream does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStreamNotFound)
}

// IsTransient reports whether err is worth retrying.
// Context deadlines and unclassified errors count as transient;
// cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Transient
	}
	if errors.Is(err, ErrStreamTombstoned) || errors.Is(err, ErrAccessDenied) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, context.Canceled)
}
