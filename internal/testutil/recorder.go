package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/roach88/projmgr/internal/store"
	"github.com/roach88/projmgr/internal/stream"
)

// Store operations as recorded by RecordingStore.
const (
	OpAppend       = "append"
	OpRead         = "read"
	OpReadBackward = "read-backward"
	OpDelete       = "delete"
)

// Call is one recorded store call. Failed calls are recorded too.
type Call struct {
	Op     string
	Stream string
	Events []stream.Event // appends only
	Err    error
}

// Types returns the event types of an append call.
func (c Call) Types() []string {
	types := make([]string, len(c.Events))
	for i, ev := range c.Events {
		types[i] = ev.Type
	}
	return types
}

type faultKey struct {
	op     string
	stream string
}

type fault struct {
	err  error
	once bool
}

// Hold pauses a matching store call until released.
type Hold struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Entered is closed when a call reaches the hold.
func (h *Hold) Entered() <-chan struct{} {
	return h.entered
}

// Release lets the held call continue.
func (h *Hold) Release() {
	h.once.Do(func() { close(h.release) })
}

// RecordingStore wraps a stream.Store, recording every call and optionally
// injecting failures or pausing calls.
//
// Thread-safety: RecordingStore is safe for concurrent use.
type RecordingStore struct {
	inner stream.Store

	mu     sync.Mutex
	calls  []Call
	faults map[faultKey]fault
	holds  map[faultKey]*Hold
}

var _ stream.Store = (*RecordingStore)(nil)

// NewRecordingStore wraps inner.
func NewRecordingStore(inner stream.Store) *RecordingStore {
	return &RecordingStore{
		inner:  inner,
		faults: make(map[faultKey]fault),
		holds:  make(map[faultKey]*Hold),
	}
}

// NewSQLiteRecordingStore opens a temp SQLite store and wraps it.
func NewSQLiteRecordingStore(t *testing.T, opts ...store.Option) *RecordingStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "streams.db"), opts...)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRecordingStore(s)
}

// FailNext makes the next op call on streamName return err.
func (r *RecordingStore) FailNext(op, streamName string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[faultKey{op, streamName}] = fault{err: err, once: true}
}

// FailAlways makes every op call on streamName return err until Heal.
func (r *RecordingStore) FailAlways(op, streamName string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[faultKey{op, streamName}] = fault{err: err}
}

// Heal removes every injected failure.
func (r *RecordingStore) Heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = make(map[faultKey]fault)
}

// HoldNext pauses the next op call on streamName until the returned Hold
// is released.
func (r *RecordingStore) HoldNext(op, streamName string) *Hold {
	h := &Hold{entered: make(chan struct{}), release: make(chan struct{})}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holds[faultKey{op, streamName}] = h
	return h
}

// Calls returns a copy of every call so far.
func (r *RecordingStore) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Mark returns a cursor for CallsSince.
func (r *RecordingStore) Mark() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// CallsSince returns calls recorded after mark.
func (r *RecordingStore) CallsSince(mark int) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls[mark:]...)
}

// CallsOn returns every call made against streamName.
func (r *RecordingStore) CallsOn(streamName string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Stream == streamName {
			out = append(out, c)
		}
	}
	return out
}

// Appends returns every append call made against streamName.
func (r *RecordingStore) Appends(streamName string) []Call {
	var out []Call
	for _, c := range r.CallsOn(streamName) {
		if c.Op == OpAppend {
			out = append(out, c)
		}
	}
	return out
}

// before runs hold and fault hooks for a call. It returns the injected
// error, if any.
func (r *RecordingStore) before(ctx context.Context, op, streamName string) error {
	key := faultKey{op, streamName}

	r.mu.Lock()
	h := r.holds[key]
	delete(r.holds, key)
	r.mu.Unlock()

	if h != nil {
		close(h.entered)
		select {
		case <-h.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.faults[key]
	if !ok {
		return nil
	}
	if f.once {
		delete(r.faults, key)
	}
	return f.err
}

func (r *RecordingStore) record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// Append implements stream.Store.
func (r *RecordingStore) Append(ctx context.Context, streamName string, events ...stream.Event) (stream.Position, error) {
	c := Call{Op: OpAppend, Stream: streamName, Events: append([]stream.Event(nil), events...)}
	if err := r.before(ctx, OpAppend, streamName); err != nil {
		c.Err = err
		r.record(c)
		return 0, err
	}
	pos, err := r.inner.Append(ctx, streamName, events...)
	c.Err = err
	r.record(c)
	return pos, err
}

// Read implements stream.Store.
func (r *RecordingStore) Read(ctx context.Context, streamName string, from int64, count int) ([]stream.RecordedEvent, error) {
	c := Call{Op: OpRead, Stream: streamName}
	if err := r.before(ctx, OpRead, streamName); err != nil {
		c.Err = err
		r.record(c)
		return nil, err
	}
	events, err := r.inner.Read(ctx, streamName, from, count)
	c.Err = err
	r.record(c)
	return events, err
}

// ReadBackward implements stream.Store.
func (r *RecordingStore) ReadBackward(ctx context.Context, streamName string, count int) ([]stream.RecordedEvent, error) {
	c := Call{Op: OpReadBackward, Stream: streamName}
	if err := r.before(ctx, OpReadBackward, streamName); err != nil {
		c.Err = err
		r.record(c)
		return nil, err
	}
	events, err := r.inner.ReadBackward(ctx, streamName, count)
	c.Err = err
	r.record(c)
	return events, err
}

// Delete implements stream.Store.
func (r *RecordingStore) Delete(ctx context.Context, streamName string) error {
	c := Call{Op: OpDelete, Stream: streamName}
	if err := r.before(ctx, OpDelete, streamName); err != nil {
		c.Err = err
		r.record(c)
		return err
	}
	err := r.inner.Delete(ctx, streamName)
	c.Err = err
	r.record(c)
	return err
}
