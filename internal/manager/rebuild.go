package manager

import (
	"context"
	"fmt"

	"github.com/roach88/projmgr/internal/projection"
	"github.com/roach88/projmgr/internal/stream"
)

// loadRegistry rebuilds the projection table from the store.
//
// The newest index entry for a name decides how it comes back. A name
// whose last entry is $ProjectionCreated is live and starts out Stopped
// with the newest $ProjectionUpdated from its definition stream. A name
// whose last entry is $ProjectionDeleted but whose definition stream
// still exists was interrupted mid-delete and comes back Deleting, past
// the audit step, so a retried Delete can finish it.
func (m *Manager) loadRegistry(ctx context.Context) ([]Record, error) {
	events, err := stream.ReadAll(ctx, m.store, projection.IndexStream, m.readBatch)
	if stream.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", projection.IndexStream, err)
	}

	var order []string
	last := make(map[string]string)
	for _, ev := range events {
		if ev.Type != projection.EventProjectionCreated && ev.Type != projection.EventProjectionDeleted {
			continue
		}
		name, err := projection.DecodeName(ev.Data)
		if err != nil {
			m.logger.Warn("skipping unreadable index entry", "number", ev.Number, "error", err)
			continue
		}
		if _, ok := last[name]; !ok {
			order = append(order, name)
		}
		last[name] = ev.Type
	}

	var recs []Record
	for _, name := range order {
		deleted := last[name] == projection.EventProjectionDeleted

		def, ok, err := m.latestDefinition(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			if !deleted {
				m.logger.Warn("projection has no definition, skipping", "projection", name)
			}
			continue
		}
		if deleted {
			m.logger.Info("found unfinished delete", "projection", name)
			recs = append(recs, Record{
				Definition:  def,
				State:       projection.StateDeleting,
				StartedFrom: -1,
				deleteNext:  1,
			})
			continue
		}
		recs = append(recs, Record{Definition: def, State: projection.StateStopped, StartedFrom: -1})
	}
	return recs, nil
}

func (m *Manager) latestDefinition(ctx context.Context, name string) (projection.Definition, bool, error) {
	events, err := m.store.ReadBackward(ctx, projection.DefinitionStream(name), m.readBatch)
	if stream.IsNotFound(err) {
		return projection.Definition{}, false, nil
	}
	if err != nil {
		return projection.Definition{}, false, fmt.Errorf("read definition %s: %w", name, err)
	}
	for _, ev := range events {
		if ev.Type != projection.EventProjectionUpdated {
			continue
		}
		def, err := projection.DecodeDefinition(ev.Data)
		if err != nil {
			return projection.Definition{}, false, err
		}
		def.Name = name
		return def, true, nil
	}
	return projection.Definition{}, false, nil
}
