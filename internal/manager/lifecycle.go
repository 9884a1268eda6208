package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/projmgr/internal/checkpoint"
	"github.com/roach88/projmgr/internal/core"
	"github.com/roach88/projmgr/internal/projection"
	"github.com/roach88/projmgr/internal/stream"
)

func (m *Manager) post(ctx context.Context, ep *epoch, name string, c Post) (Status, error) {
	mode, err := projection.ParseMode(string(c.Mode))
	if err != nil {
		return Status{}, &CommandError{Code: ErrCodeInvalidRequest, Name: name, Err: err}
	}
	switch {
	case c.HandlerKind == "":
		return Status{}, newError(ErrCodeInvalidRequest, name, "handler kind is required")
	case c.Query == "":
		return Status{}, newError(ErrCodeInvalidRequest, name, "query is required")
	case mode == projection.ModeTransient && c.CheckpointsEnabled:
		return Status{}, newError(ErrCodeInvalidRequest, name, "transient projections cannot checkpoint")
	}
	if !c.RunAs.CanCreate(mode) {
		return Status{}, newError(ErrCodeUnauthorized, name, "%q may not create %s projections", c.RunAs.User, mode)
	}
	if _, ok := ep.registry.Get(name); ok {
		return Status{}, newError(ErrCodeNameConflict, name, "projection already exists")
	}

	def := projection.Definition{
		Name:               name,
		Mode:               mode,
		Query:              projection.Query{HandlerKind: c.HandlerKind, Text: c.Query},
		Enabled:            c.Enabled,
		EmitEnabled:        c.EmitEnabled,
		CheckpointsEnabled: c.CheckpointsEnabled,
		RunAs:              c.RunAs,
		CheckpointFloor:    checkpoint.NoFloor,
	}
	if c.CheckpointsEnabled && !m.resumeRetained {
		floor, err := m.checkpoints.Floor(ctx, name)
		if err != nil {
			return Status{}, storeFailure(name, "read checkpoint floor", err)
		}
		def.CheckpointFloor = floor
	}

	if err := ep.registry.insert(Record{Definition: def, State: projection.StateCreating, StartedFrom: -1}); err != nil {
		return Status{}, registryErr(name, err)
	}

	if _, err := m.store.Append(ctx, projection.IndexStream, stream.Event{
		Type: projection.EventProjectionCreated,
		Data: projection.EncodeName(name),
	}); err != nil {
		_ = ep.registry.remove(name)
		return Status{}, storeFailure(name, "append creation audit event", err)
	}
	if err := m.persist(ctx, def); err != nil {
		_ = ep.registry.remove(name)
		return Status{}, storeFailure(name, "write definition", err)
	}

	m.logger.Info("projection created",
		"projection", name,
		"mode", mode,
		"enabled", c.Enabled,
		"epoch", ep.token,
	)

	if !c.Enabled {
		rec, err := ep.registry.transition(name, projection.StateStopped)
		if err != nil {
			return Status{}, registryErr(name, err)
		}
		return rec.status(ep.token), nil
	}
	return m.start(ctx, ep, name)
}

func (m *Manager) enable(ctx context.Context, ep *epoch, name string, c Enable) (Status, error) {
	rec, err := m.authorized(ep, name, c.RunAs)
	if err != nil {
		return Status{}, err
	}

	switch rec.State {
	case projection.StateRunning:
		return rec.status(ep.token), nil
	case projection.StateStopped, projection.StateFaulted:
	default:
		return Status{}, newError(ErrCodeInvalidTransition, name, "cannot enable a %s projection", rec.State)
	}

	if !rec.Definition.Enabled {
		def := rec.Definition
		def.Enabled = true
		if err := m.persist(ctx, def); err != nil {
			return Status{}, storeFailure(name, "write definition", err)
		}
		if err := ep.registry.update(name, func(r *Record) { r.Definition.Enabled = true }); err != nil {
			return Status{}, registryErr(name, err)
		}
	}
	return m.start(ctx, ep, name)
}

func (m *Manager) disable(ctx context.Context, ep *epoch, name string, c Disable) (Status, error) {
	rec, err := m.authorized(ep, name, c.RunAs)
	if err != nil {
		return Status{}, err
	}

	switch rec.State {
	case projection.StateStopped:
		if !rec.Definition.Enabled {
			return rec.status(ep.token), nil
		}
	case projection.StateFaulted:
		if rec, err = ep.registry.transition(name, projection.StateStopped); err != nil {
			return Status{}, registryErr(name, err)
		}
	case projection.StateRunning:
		if rec, err = m.stop(ctx, ep, name); err != nil {
			return Status{}, err
		}
	default:
		return Status{}, newError(ErrCodeInvalidTransition, name, "cannot disable a %s projection", rec.State)
	}

	if !rec.Definition.Enabled {
		return rec.status(ep.token), nil
	}
	def := rec.Definition
	def.Enabled = false
	if err := m.persist(ctx, def); err != nil {
		return Status{}, storeFailure(name, "write definition", err)
	}
	if err := ep.registry.update(name, func(r *Record) { r.Definition.Enabled = false }); err != nil {
		return Status{}, registryErr(name, err)
	}
	rec.Definition.Enabled = false
	return rec.status(ep.token), nil
}

func (m *Manager) getState(ep *epoch, name string) (Status, error) {
	rec, ok := ep.registry.Get(name)
	if !ok {
		return Status{}, newError(ErrCodeNotFound, name, "no such projection")
	}
	return rec.status(ep.token), nil
}

// restart starts a projection whose persisted definition is enabled.
func (m *Manager) restart(ctx context.Context, ep *epoch, name string) error {
	rec, ok := ep.registry.Get(name)
	if !ok || rec.State != projection.StateStopped || !rec.Definition.Enabled {
		return nil
	}
	_, err := m.start(ctx, ep, name)
	return err
}

// fault moves a running projection to Faulted. Faults for projections
// that are no longer running are stale and ignored.
func (m *Manager) fault(ctx context.Context, ep *epoch, f core.Fault) error {
	name := f.Projection
	rec, ok := ep.registry.Get(name)
	if !ok || rec.State != projection.StateRunning {
		m.logger.Debug("ignoring stale fault", "projection", name, "reason", f.Reason)
		return nil
	}

	m.logger.Warn("projection faulted", "projection", name, "reason", f.Reason)
	m.metrics.Fault()
	m.stopCore(ctx, name)
	if _, err := ep.registry.transition(name, projection.StateFaulted); err != nil {
		return registryErr(name, err)
	}
	return ep.registry.update(name, func(r *Record) { r.FaultReason = f.Reason })
}

// authorized returns the named record if run may manage it.
func (m *Manager) authorized(ep *epoch, name string, run projection.RunAs) (Record, error) {
	rec, ok := ep.registry.Get(name)
	if !ok {
		return Record{}, newError(ErrCodeNotFound, name, "no such projection")
	}
	if !run.CanManage(rec.Definition.RunAs) {
		return Record{}, newError(ErrCodeUnauthorized, name, "%q may not manage projections owned by %q",
			run.User, rec.Definition.RunAs.User)
	}
	return rec, nil
}

// start takes a Creating, Stopped or Faulted projection through Starting
// to Running, resuming from its latest checkpoint when it has one.
func (m *Manager) start(ctx context.Context, ep *epoch, name string) (Status, error) {
	rec, err := ep.registry.transition(name, projection.StateStarting)
	if err != nil {
		return Status{}, registryErr(name, err)
	}

	var from *checkpoint.Checkpoint
	startedFrom := int64(-1)
	if rec.Definition.CheckpointsEnabled {
		cp, err := m.checkpoints.ReadLatestAbove(ctx, name, rec.Definition.CheckpointFloor)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
		case err != nil:
			_, _ = ep.registry.transition(name, projection.StateStopped)
			return Status{}, storeFailure(name, "read checkpoint", err)
		default:
			from = &cp
			startedFrom = int64(cp.Position)
		}
	}

	if err := m.core.Start(ctx, rec.Definition, from); err != nil {
		if ctx.Err() != nil {
			return Status{}, registryErr(name, errStaleEpoch)
		}
		if _, terr := ep.registry.transition(name, projection.StateFaulted); terr == nil {
			_ = ep.registry.update(name, func(r *Record) { r.FaultReason = err.Error() })
		}
		return Status{}, &CommandError{Code: ErrCodeStartFailed, Name: name, Err: err}
	}

	if _, err := ep.registry.transition(name, projection.StateRunning); err != nil {
		// The epoch ended while the core was starting it.
		m.core.Stop(context.Background(), name)
		return Status{}, registryErr(name, err)
	}
	if err := ep.registry.update(name, func(r *Record) { r.StartedFrom = startedFrom }); err != nil {
		return Status{}, registryErr(name, err)
	}

	rec, _ = ep.registry.Get(name)
	m.logger.Info("projection running", "projection", name, "started_from", startedFrom)
	return rec.status(ep.token), nil
}

// stop takes a Running projection through Stopping to Stopped.
func (m *Manager) stop(ctx context.Context, ep *epoch, name string) (Record, error) {
	if _, err := ep.registry.transition(name, projection.StateStopping); err != nil {
		return Record{}, registryErr(name, err)
	}
	m.stopCore(ctx, name)
	rec, err := ep.registry.transition(name, projection.StateStopped)
	if err != nil {
		return Record{}, registryErr(name, err)
	}
	return rec, nil
}

// stopCore asks the core to stop the projection and waits for the
// acknowledgement, at most stopTimeout. It reports whether the stop was
// forced.
func (m *Manager) stopCore(ctx context.Context, name string) bool {
	done := m.core.Stop(ctx, name)

	timer := time.NewTimer(m.stopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return false
	case <-timer.C:
		m.metrics.ForcedStop()
		m.logger.Warn("projection stop not acknowledged, forcing",
			"projection", name,
			"timeout", m.stopTimeout,
		)
		return true
	case <-ctx.Done():
		return true
	}
}

// persist appends def to the projection's definition stream.
func (m *Manager) persist(ctx context.Context, def projection.Definition) error {
	data, err := def.Encode()
	if err != nil {
		return err
	}
	_, err = m.store.Append(ctx, projection.DefinitionStream(def.Name), stream.Event{
		Type: projection.EventProjectionUpdated,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("persist definition %s: %w", def.Name, err)
	}
	return nil
}
