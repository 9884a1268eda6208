package harness

import (
	"strings"

	"github.com/roach88/projmgr/internal/manager"
)

// Trace event kinds.
const (
	KindStep = "step"
	KindCall = "call"
)

// TraceEvent is one line of a scenario trace: a flow step with its
// outcome, or a store call made during the step before it.
type TraceEvent struct {
	Kind string `json:"kind"`
	Step int    `json:"step"` // 1-based flow index

	// Step events.
	Action  string `json:"action,omitempty"`  // e.g. "post test-projection"
	Outcome string `json:"outcome,omitempty"` // e.g. "ok Running", "error NOT_FOUND"

	// Call events.
	Op     string   `json:"op,omitempty"`
	Stream string   `json:"stream,omitempty"`
	Types  []string `json:"types,omitempty"` // appended event types
	Error  string   `json:"error,omitempty"` // "not-found", "unavailable" or "rejected"
}

// String renders the event as a golden trace line, without indentation.
func (e TraceEvent) String() string {
	if e.Kind == KindStep {
		return e.Action + " -> " + e.Outcome
	}
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" ")
	b.WriteString(e.Stream)
	if len(e.Types) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(e.Types, ","))
	}
	if e.Error != "" {
		b.WriteString(" !")
		b.WriteString(e.Error)
	}
	return b.String()
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every step and store call in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the registry after the flow, by name. Empty when the
	// coordinator was not leading at the end.
	Final map[string]manager.Status `json:"final,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Final:  make(map[string]manager.Status),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Calls returns the call events of the trace.
func (r *Result) Calls() []TraceEvent {
	var calls []TraceEvent
	for _, e := range r.Trace {
		if e.Kind == KindCall {
			calls = append(calls, e)
		}
	}
	return calls
}
