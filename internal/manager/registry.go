package manager

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/projmgr/internal/leader"
	"github.com/roach88/projmgr/internal/projection"
)

// errStaleEpoch is returned by registry mutations after the registry's
// epoch has ended.
var errStaleEpoch = errors.New("registry epoch ended")

// Record is the registry entry of one projection.
type Record struct {
	Definition  projection.Definition
	State       projection.State
	FaultReason string
	StartedFrom int64

	// deleteNext is the index of the next delete step to run while the
	// projection is Deleting.
	deleteNext int
}

func (r Record) status(e leader.Epoch) Status {
	return Status{
		Name:               r.Definition.Name,
		Mode:               r.Definition.Mode,
		State:              r.State,
		Enabled:            r.Definition.Enabled,
		EmitEnabled:        r.Definition.EmitEnabled,
		CheckpointsEnabled: r.Definition.CheckpointsEnabled,
		HandlerKind:        r.Definition.Query.HandlerKind,
		Query:              r.Definition.Query.Text,
		Owner:              r.Definition.RunAs.User,
		FaultReason:        r.FaultReason,
		StartedFrom:        r.StartedFrom,
		Epoch:              e,
	}
}

// Registry is the epoch-scoped projection table. Once closed, every
// mutation fails with errStaleEpoch and reads see an empty table.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	epoch leader.Epoch

	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
}

func newRegistry(e leader.Epoch) *Registry {
	return &Registry{epoch: e, records: make(map[string]*Record)}
}

// Get returns a copy of the named record.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok || r.closed {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns every status, sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.status(r.epoch))
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Counts returns the number of records per state.
func (r *Registry) Counts() map[projection.State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[projection.State]int)
	for _, rec := range r.records {
		counts[rec.State]++
	}
	return counts
}

// insert adds a new record. Fails if the name is taken.
func (r *Registry) insert(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errStaleEpoch
	}
	if _, ok := r.records[rec.Definition.Name]; ok {
		return fmt.Errorf("projection %s already registered", rec.Definition.Name)
	}
	r.records[rec.Definition.Name] = &rec
	return nil
}

// load replaces the table with recs.
func (r *Registry) load(recs []Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errStaleEpoch
	}
	r.records = make(map[string]*Record, len(recs))
	for i := range recs {
		rec := recs[i]
		r.records[rec.Definition.Name] = &rec
	}
	return nil
}

// update applies fn to the named record.
func (r *Registry) update(name string, fn func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errStaleEpoch
	}
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("projection %s not registered", name)
	}
	fn(rec)
	return nil
}

// transition moves the named record to state to. The move must be a
// lifecycle edge.
func (r *Registry) transition(name string, to projection.State) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Record{}, errStaleEpoch
	}
	rec, ok := r.records[name]
	if !ok {
		return Record{}, fmt.Errorf("projection %s not registered", name)
	}
	if !projection.CanTransition(rec.State, to) {
		return Record{}, fmt.Errorf("projection %s: illegal transition %s -> %s", name, rec.State, to)
	}
	rec.State = to
	if to != projection.StateFaulted {
		rec.FaultReason = ""
	}
	return *rec, nil
}

// remove drops the named record.
func (r *Registry) remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errStaleEpoch
	}
	delete(r.records, name)
	return nil
}

// close ends the registry's epoch and returns its last contents.
func (r *Registry) close() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.records = make(map[string]*Record)
	return out
}
