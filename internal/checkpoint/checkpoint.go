// Package checkpoint owns projection checkpoint streams.
//
// A projection's progress is an append-only history of $ProjectionCheckpoint
// events in its checkpoint stream; the newest one wins. The manager never
// deletes a checkpoint stream on its own: DeleteStream is only called by the
// coordinator's delete path when the caller asked for it, so a projection
// can be deleted while its progress history is kept for a later re-create.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/projmgr/internal/projection"
	"github.com/roach88/projmgr/internal/stream"
)

// ErrNotFound means the projection has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// NoFloor disables checkpoint floors.
const NoFloor int64 = -1

// lookback bounds how many trailing events ReadLatest inspects.
const lookback = 32

// Checkpoint is a projection's progress marker.
type Checkpoint struct {
	Projection string
	Position   stream.Position
	Timestamp  time.Time

	// Number is the checkpoint event's number in the checkpoint stream.
	// Only set on checkpoints read back from the store.
	Number int64
}

type body struct {
	Position  int64     `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager reads and writes checkpoint streams.
type Manager struct {
	store stream.Store
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used to timestamp checkpoints.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager over the given store.
func New(s stream.Store, opts ...Option) *Manager {
	m := &Manager{store: s, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StreamName returns the checkpoint stream of the named projection.
func (m *Manager) StreamName(name string) string {
	return projection.CheckpointStream(name)
}

// ReadLatest returns the newest checkpoint of the projection, or
// ErrNotFound if its checkpoint stream is absent or holds no checkpoint.
func (m *Manager) ReadLatest(ctx context.Context, name string) (Checkpoint, error) {
	return m.ReadLatestAbove(ctx, name, NoFloor)
}

// ReadLatestAbove is ReadLatest ignoring checkpoints numbered <= floor.
func (m *Manager) ReadLatestAbove(ctx context.Context, name string, floor int64) (Checkpoint, error) {
	events, err := m.store.ReadBackward(ctx, m.StreamName(name), lookback)
	if stream.IsNotFound(err) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", name, err)
	}

	for _, ev := range events {
		if ev.Number <= floor {
			break
		}
		if ev.Type != projection.EventProjectionCheckpoint {
			continue
		}
		var b body
		if err := json.Unmarshal(ev.Data, &b); err != nil {
			return Checkpoint{}, fmt.Errorf("decode checkpoint %s@%d: %w", name, ev.Number, err)
		}
		return Checkpoint{
			Projection: name,
			Position:   stream.Position(b.Position),
			Timestamp:  b.Timestamp,
			Number:     ev.Number,
		}, nil
	}
	return Checkpoint{}, ErrNotFound
}

// Floor returns the number of the newest event in the checkpoint stream,
// or NoFloor if there is none. Used to hide retained history from a
// re-created projection.
func (m *Manager) Floor(ctx context.Context, name string) (int64, error) {
	events, err := m.store.ReadBackward(ctx, m.StreamName(name), 1)
	if stream.IsNotFound(err) {
		return NoFloor, nil
	}
	if err != nil {
		return NoFloor, fmt.Errorf("read checkpoint floor %s: %w", name, err)
	}
	if len(events) == 0 {
		return NoFloor, nil
	}
	return events[0].Number, nil
}

// Write appends a checkpoint. Earlier checkpoints are never overwritten.
func (m *Manager) Write(ctx context.Context, name string, pos stream.Position) (Checkpoint, error) {
	cp := Checkpoint{
		Projection: name,
		Position:   pos,
		Timestamp:  m.now().UTC(),
	}
	data, err := json.Marshal(body{Position: int64(pos), Timestamp: cp.Timestamp})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("encode checkpoint %s: %w", name, err)
	}
	_, err = m.store.Append(ctx, m.StreamName(name), stream.Event{
		Type: projection.EventProjectionCheckpoint,
		Data: data,
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	return cp, nil
}

// DeleteStream deletes the projection's checkpoint stream. A stream that is
// already gone counts as deleted.
func (m *Manager) DeleteStream(ctx context.Context, name string) error {
	err := m.store.Delete(ctx, m.StreamName(name))
	if err != nil && !stream.IsNotFound(err) {
		return fmt.Errorf("delete checkpoint stream %s: %w", name, err)
	}
	return nil
}
