package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/projmgr/internal/projection"
	"github.com/roach88/projmgr/internal/stream"
	"github.com/roach88/projmgr/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, *testutil.RecordingStore, *testutil.StepClock) {
	t.Helper()
	rs := testutil.NewSQLiteRecordingStore(t)
	clock := testutil.NewStepClock()
	return New(rs, WithClock(clock.Now)), rs, clock
}

func TestReadLatest_NoStream(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.ReadLatest(context.Background(), "p")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteThenReadLatest(t *testing.T) {
	m, rs, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Write(ctx, "p", 10)
	require.NoError(t, err)
	second, err := m.Write(ctx, "p", 25)
	require.NoError(t, err)

	cp, err := m.ReadLatest(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, stream.Position(25), cp.Position)
	assert.True(t, second.Timestamp.Equal(cp.Timestamp))
	assert.Equal(t, int64(1), cp.Number)
	assert.Equal(t, "p", cp.Projection)

	// Writes append, never overwrite
	appends := rs.Appends(projection.CheckpointStream("p"))
	require.Len(t, appends, 2)
	assert.Equal(t, []string{projection.EventProjectionCheckpoint}, appends[1].Types())
}

func TestReadLatest_SkipsForeignEvents(t *testing.T) {
	m, rs, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Write(ctx, "p", 7)
	require.NoError(t, err)
	_, err = rs.Append(ctx, projection.CheckpointStream("p"), stream.Event{Type: "$metadata", Data: []byte("{}")})
	require.NoError(t, err)

	cp, err := m.ReadLatest(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, stream.Position(7), cp.Position)
}

func TestReadLatestAbove_HidesRetainedHistory(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Write(ctx, "p", 100)
	require.NoError(t, err)

	floor, err := m.Floor(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(0), floor)

	_, err = m.ReadLatestAbove(ctx, "p", floor)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Write(ctx, "p", 3)
	require.NoError(t, err)
	cp, err := m.ReadLatestAbove(ctx, "p", floor)
	require.NoError(t, err)
	assert.Equal(t, stream.Position(3), cp.Position)
}

func TestFloor_NoStream(t *testing.T) {
	m, _, _ := newTestManager(t)
	floor, err := m.Floor(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, NoFloor, floor)
}

func TestDeleteStream(t *testing.T) {
	m, rs, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Write(ctx, "p", 1)
	require.NoError(t, err)

	require.NoError(t, m.DeleteStream(ctx, "p"))
	_, err = m.ReadLatest(ctx, "p")
	assert.ErrorIs(t, err, ErrNotFound)

	// Already gone counts as deleted
	require.NoError(t, m.DeleteStream(ctx, "p"))

	boom := stream.Transient("delete", projection.CheckpointStream("p"), errors.New("busy"))
	rs.FailNext(testutil.OpDelete, projection.CheckpointStream("p"), boom)
	err = m.DeleteStream(ctx, "p")
	require.Error(t, err)
	assert.True(t, stream.IsTransient(err))
}

func TestReadLatest_StoreFailure(t *testing.T) {
	m, rs, _ := newTestManager(t)
	boom := stream.Transient("read", projection.CheckpointStream("p"), errors.New("locked"))
	rs.FailNext(testutil.OpReadBackward, projection.CheckpointStream("p"), boom)

	_, err := m.ReadLatest(context.Background(), "p")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, stream.IsTransient(err))
}
