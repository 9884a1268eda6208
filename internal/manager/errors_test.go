package manager

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/projmgr/internal/stream"
)

func TestCommandError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(ErrCodeNotFound, "p", "no such projection"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrNameConflict)
	assert.Equal(t, ErrCodeNotFound, Code(err))
	assert.True(t, IsNotFound(err))
	assert.Equal(t, ErrorCode(""), Code(errors.New("plain")))
}

func TestCommandError_Message(t *testing.T) {
	err := &CommandError{
		Code:      ErrCodeDeleteFailed,
		Name:      "p",
		Message:   "delete step failed",
		Step:      StepCheckpointStream,
		Completed: []string{StepAudit, StepEmittedStreams},
		Err:       errors.New("disk full"),
	}
	assert.Equal(t,
		"DELETE_FAILED: delete step failed (projection=p, step=checkpoint-stream, completed=[audit,emitted-streams]): disk full",
		err.Error())

	assert.Equal(t, "NOT_LEADER: registry loading", notLeader("registry loading").Error())
}

func TestStoreFailure_Classifies(t *testing.T) {
	transient := storeFailure("p", "append", stream.Transient("append", "s", errors.New("busy")))
	assert.Equal(t, ErrCodeStoreUnavailable, transient.Code)

	permanent := storeFailure("p", "append", stream.Permanent("append", "s", stream.ErrAccessDenied))
	assert.Equal(t, ErrCodeStoreRejected, permanent.Code)
	assert.ErrorIs(t, permanent, stream.ErrAccessDenied)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrStoreUnavailable, true},
		{ErrNotLeader, true},
		{ErrStoreRejected, false},
		{ErrNameConflict, false},
		{deleteFailed("p", 1, stream.Transient("delete", "s", errors.New("busy"))), true},
		{deleteFailed("p", 1, stream.Permanent("delete", "s", stream.ErrAccessDenied)), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}
