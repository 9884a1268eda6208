package manager

import (
	"github.com/roach88/projmgr/internal/projection"
)

// Command is a lifecycle command. The set is closed: Post, Enable,
// Disable, Delete, GetState and List.
type Command interface {
	// Kind names the command for logs and metrics.
	Kind() string

	// Target is the projection name the command addresses, or "" for List.
	Target() string

	sealed()
}

// Post creates a projection.
type Post struct {
	Name  string
	Mode  projection.Mode
	RunAs projection.RunAs

	HandlerKind string
	Query       string

	Enabled            bool
	CheckpointsEnabled bool
	EmitEnabled        bool
}

// Enable starts a stopped or faulted projection and marks it enabled.
type Enable struct {
	Name  string
	RunAs projection.RunAs
}

// Disable stops a projection and marks it disabled.
type Disable struct {
	Name  string
	RunAs projection.RunAs
}

// Delete removes a projection. The checkpoint stream and emitted streams
// are only deleted when asked for.
type Delete struct {
	Name                   string
	RunAs                  projection.RunAs
	DeleteCheckpointStream bool
	DeleteEmittedStreams   bool
}

// GetState reads one projection's status.
type GetState struct {
	Name string
}

// List reads every projection's status.
type List struct{}

func (Post) Kind() string     { return "post" }
func (Enable) Kind() string   { return "enable" }
func (Disable) Kind() string  { return "disable" }
func (Delete) Kind() string   { return "delete" }
func (GetState) Kind() string { return "get_state" }
func (List) Kind() string     { return "list" }

func (c Post) Target() string     { return c.Name }
func (c Enable) Target() string   { return c.Name }
func (c Disable) Target() string  { return c.Name }
func (c Delete) Target() string   { return c.Name }
func (c GetState) Target() string { return c.Name }
func (List) Target() string       { return "" }

func (Post) sealed()     {}
func (Enable) sealed()   {}
func (Disable) sealed()  {}
func (Delete) sealed()   {}
func (GetState) sealed() {}
func (List) sealed()     {}
