package projection

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Mode is the projection's execution mode. Set at creation, immutable.
type Mode string

const (
	ModeOneTime    Mode = "OneTime"
	ModeAdHoc      Mode = "AdHoc"
	ModeContinuous Mode = "Continuous"
	ModeTransient  Mode = "Transient"
)

// ValidModes lists the accepted modes.
var ValidModes = []Mode{ModeOneTime, ModeAdHoc, ModeContinuous, ModeTransient}

// ParseMode parses a mode name, case-sensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !slices.Contains(ValidModes, m) {
		return "", fmt.Errorf("unknown projection mode %q: must be one of %v", s, ValidModes)
	}
	return m, nil
}

// State is a projection's lifecycle state.
type State string

const (
	StateCreating State = "Creating"
	StateStopped  State = "Stopped"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateFaulted  State = "Faulted"
	StateDeleting State = "Deleting"
	StateDeleted  State = "Deleted"
)

// AllStates lists every state, in lifecycle order.
var AllStates = []State{
	StateCreating, StateStopped, StateStarting, StateRunning,
	StateStopping, StateFaulted, StateDeleting, StateDeleted,
}

// Stable reports whether s is a resting state a projection can stay in
// between commands.
func (s State) Stable() bool {
	return s == StateStopped || s == StateRunning || s == StateFaulted
}

// transitions is the lifecycle graph. Every state change made by the
// coordinator must be an edge here.
var transitions = map[State][]State{
	StateCreating: {StateStopped, StateStarting},
	StateStopped:  {StateStarting, StateDeleting},
	StateStarting: {StateRunning, StateFaulted, StateStopped, StateStopping},
	StateRunning:  {StateStopping, StateFaulted},
	StateStopping: {StateStopped},
	StateFaulted:  {StateStarting, StateStopped, StateDeleting},
	StateDeleting: {StateDeleted},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Query is the projection source: opaque query text plus the handler
// that interprets it.
type Query struct {
	HandlerKind string `json:"handler_kind"`
	Text        string `json:"query"`
}

// Definition is everything persisted about a projection. It is written as
// the body of $ProjectionUpdated events in the definition stream.
type Definition struct {
	Name               string `json:"name"`
	Mode               Mode   `json:"mode"`
	Query              Query  `json:"source"`
	Enabled            bool   `json:"enabled"`
	EmitEnabled        bool   `json:"emit_enabled"`
	CheckpointsEnabled bool   `json:"checkpoints_enabled"`
	RunAs              RunAs  `json:"run_as"`

	// CheckpointFloor hides checkpoints a previous projection of the same
	// name left behind: checkpoint events numbered <= floor are ignored.
	// -1 means no floor.
	CheckpointFloor int64 `json:"checkpoint_floor"`
}

// Encode serializes the definition for the definition stream.
func (d Definition) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode definition %s: %w", d.Name, err)
	}
	return data, nil
}

// DecodeDefinition parses a $ProjectionUpdated body.
func DecodeDefinition(data []byte) (Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("decode definition: %w", err)
	}
	if _, err := ParseMode(string(d.Mode)); err != nil {
		return Definition{}, fmt.Errorf("decode definition %s: %w", d.Name, err)
	}
	return d, nil
}
