package manager

import (
	"context"
	"fmt"

	"github.com/roach88/projmgr/internal/projection"
	"github.com/roach88/projmgr/internal/stream"
)

// Delete steps, in order. A failed Delete reports the step that failed
// and the ones completed before it.
const (
	StepAudit            = "audit"
	StepEmittedStreams   = "emitted-streams"
	StepCheckpointStream = "checkpoint-stream"
	StepDefinition       = "definition"
)

var deleteSteps = []string{StepAudit, StepEmittedStreams, StepCheckpointStream, StepDefinition}

func (m *Manager) delete(ctx context.Context, ep *epoch, name string, c Delete) (Status, error) {
	rec, err := m.authorized(ep, name, c.RunAs)
	if err != nil {
		return Status{}, err
	}

	switch rec.State {
	case projection.StateRunning:
		// Stop it as Disable would, so a delete that fails from here on
		// leaves a projection the next epoch will not restart.
		if _, err := m.disable(ctx, ep, name, Disable{Name: name, RunAs: c.RunAs}); err != nil {
			return Status{}, err
		}
		fallthrough
	case projection.StateStopped, projection.StateFaulted:
		// The audit event goes first, while the record is still in a
		// stable state: if it fails nothing else has happened.
		if _, err := m.store.Append(ctx, projection.IndexStream, stream.Event{
			Type: projection.EventProjectionDeleted,
			Data: projection.EncodeName(name),
		}); err != nil {
			return Status{}, deleteFailed(name, 0, err)
		}
		if _, err := ep.registry.transition(name, projection.StateDeleting); err != nil {
			return Status{}, registryErr(name, err)
		}
		if err := ep.registry.update(name, func(r *Record) { r.deleteNext = 1 }); err != nil {
			return Status{}, registryErr(name, err)
		}
	case projection.StateDeleting:
		m.logger.Info("resuming delete", "projection", name, "completed_steps", rec.deleteNext)
	default:
		return Status{}, newError(ErrCodeInvalidTransition, name, "cannot delete a %s projection", rec.State)
	}

	return m.finishDelete(ctx, ep, name, c)
}

// finishDelete runs the remaining delete steps of a Deleting projection.
func (m *Manager) finishDelete(ctx context.Context, ep *epoch, name string, c Delete) (Status, error) {
	rec, ok := ep.registry.Get(name)
	if !ok {
		return Status{}, registryErr(name, errStaleEpoch)
	}

	for i := rec.deleteNext; i < len(deleteSteps); i++ {
		if err := m.deleteStep(ctx, name, deleteSteps[i], c); err != nil {
			return Status{}, deleteFailed(name, i, err)
		}
		next := i + 1
		if err := ep.registry.update(name, func(r *Record) { r.deleteNext = next }); err != nil {
			return Status{}, registryErr(name, err)
		}
	}

	rec, err := ep.registry.transition(name, projection.StateDeleted)
	if err != nil {
		return Status{}, registryErr(name, err)
	}
	if err := ep.registry.remove(name); err != nil {
		return Status{}, registryErr(name, err)
	}

	m.logger.Info("projection deleted",
		"projection", name,
		"checkpoint_stream_deleted", c.DeleteCheckpointStream,
		"emitted_streams_deleted", c.DeleteEmittedStreams,
	)
	return rec.status(ep.token), nil
}

func (m *Manager) deleteStep(ctx context.Context, name, step string, c Delete) error {
	switch step {
	case StepEmittedStreams:
		if !c.DeleteEmittedStreams {
			return nil
		}
		return m.deleteEmitted(ctx, name, c.DeleteCheckpointStream)
	case StepCheckpointStream:
		if !c.DeleteCheckpointStream {
			return nil
		}
		return m.checkpoints.DeleteStream(ctx, name)
	case StepDefinition:
		return m.deleteStream(ctx, projection.DefinitionStream(name))
	}
	return fmt.Errorf("unknown delete step %q", step)
}

// deleteEmitted deletes the result stream, every stream the projection
// recorded emitting to, then the tracking stream itself.
func (m *Manager) deleteEmitted(ctx context.Context, name string, checkpointToo bool) error {
	tracking := projection.EmittedStreamsStream(name)
	checkpointStream := projection.CheckpointStream(name)

	targets := []string{projection.ResultStream(name)}
	seen := map[string]bool{targets[0]: true, tracking: true}

	tracked, err := stream.ReadAll(ctx, m.store, tracking, m.readBatch)
	if err != nil && !stream.IsNotFound(err) {
		return fmt.Errorf("read %s: %w", tracking, err)
	}
	for _, ev := range tracked {
		if ev.Type != projection.EventStreamEmitted {
			continue
		}
		target, err := projection.DecodeName(ev.Data)
		if err != nil {
			m.logger.Warn("skipping unreadable emitted stream entry",
				"projection", name,
				"number", ev.Number,
				"error", err,
			)
			continue
		}
		if seen[target] || (target == checkpointStream && !checkpointToo) {
			continue
		}
		seen[target] = true
		targets = append(targets, target)
	}
	targets = append(targets, tracking)

	for _, s := range targets {
		if err := m.deleteStream(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// deleteStream deletes one stream. A stream that does not exist counts
// as deleted.
func (m *Manager) deleteStream(ctx context.Context, name string) error {
	if err := m.store.Delete(ctx, name); err != nil && !stream.IsNotFound(err) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func deleteFailed(name string, step int, err error) *CommandError {
	return &CommandError{
		Code:      ErrCodeDeleteFailed,
		Name:      name,
		Message:   "delete step failed",
		Step:      deleteSteps[step],
		Completed: append([]string(nil), deleteSteps[:step]...),
		Err:       err,
	}
}
