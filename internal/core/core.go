package core

import (
	"context"

	"github.com/roach88/projmgr/internal/checkpoint"
	"github.com/roach88/projmgr/internal/projection"
)

// Fault is an unrecoverable error reported by a running projection.
type Fault struct {
	Projection string
	Reason     string
}

// Core runs projections on behalf of the coordinator.
type Core interface {
	// Start begins running the projection. from is the checkpoint to resume
	// after, or nil to start from the beginning.
	Start(ctx context.Context, def projection.Definition, from *checkpoint.Checkpoint) error

	// Stop asks the projection to stop. The returned channel is closed once
	// it has stopped and flushed its last checkpoint. Stopping a projection
	// that is not running returns a closed channel.
	Stop(ctx context.Context, name string) <-chan struct{}

	// Faults delivers faults of running projections.
	Faults() <-chan Fault
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
