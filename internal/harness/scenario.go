package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one coordinator conformance scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden traces are stored
	// under it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Definitions lists CUE files or directories whose projections the
	// apply step posts. Relative paths are resolved against the scenario
	// file.
	Definitions []string `yaml:"definitions,omitempty"`

	// Options tunes the coordinator under test.
	Options Options `yaml:"options,omitempty"`

	// Setup appends raw events before the coordinator starts, e.g. to
	// leave behind checkpoints of an earlier projection. Setup writes
	// are not traced.
	Setup []AppendStep `yaml:"setup,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the trace and the final registry.
	Assertions []Assertion `yaml:"assertions"`
}

// Options configures the coordinator a scenario runs against.
type Options struct {
	// StopTimeout bounds stop acknowledgements. Defaults to one second.
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`

	// ResumeRetainedCheckpoints defaults to true.
	ResumeRetainedCheckpoints *bool `yaml:"resume_retained_checkpoints,omitempty"`

	// HangOnStop makes the core never acknowledge a stop.
	HangOnStop bool `yaml:"hang_on_stop,omitempty"`
}

// AppendStep writes one event straight to the store.
type AppendStep struct {
	Stream string `yaml:"stream"`
	Type   string `yaml:"type"`
	Data   string `yaml:"data,omitempty"`
}

// FlowStep is one step of the flow. Exactly one action field is set.
type FlowStep struct {
	// Leader is "become" or "lose".
	Leader string `yaml:"leader,omitempty"`

	// Invoke is a coordinator command: post, enable, disable, delete,
	// get_state, list, or apply (post every definition).
	Invoke string `yaml:"invoke,omitempty"`
	Args   Args   `yaml:"args,omitempty"`

	Advance    *AdvanceStep `yaml:"advance,omitempty"`
	Checkpoint string       `yaml:"checkpoint,omitempty"`
	Emit       *EmitStep    `yaml:"emit,omitempty"`
	Fault      *FaultStep   `yaml:"fault,omitempty"`
	Fail       *FailStep    `yaml:"fail,omitempty"`
	Heal       bool         `yaml:"heal,omitempty"`

	// Expect validates an invoke step's reply. If nil, any reply is
	// accepted.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Args are the arguments of an invoke step. Fields a command does not
// use are ignored.
type Args struct {
	Name        string    `yaml:"name,omitempty"`
	Mode        string    `yaml:"mode,omitempty"`    // defaults to Continuous
	Handler     string    `yaml:"handler,omitempty"` // defaults to JS
	Query       string    `yaml:"query,omitempty"`
	Enabled     bool      `yaml:"enabled,omitempty"`
	Checkpoints bool      `yaml:"checkpoints,omitempty"`
	Emit        bool      `yaml:"emit,omitempty"`
	RunAs       *RunAsArg `yaml:"run_as,omitempty"` // defaults to $system

	DeleteCheckpoints bool `yaml:"delete_checkpoints,omitempty"`
	DeleteEmitted     bool `yaml:"delete_emitted,omitempty"`
}

// RunAsArg is a caller identity.
type RunAsArg struct {
	User  string   `yaml:"user"`
	Roles []string `yaml:"roles,omitempty"`
}

// AdvanceStep moves a running projection's position.
type AdvanceStep struct {
	Projection string `yaml:"projection"`
	Position   int64  `yaml:"position"`
}

// EmitStep makes a running projection emit Count events of Type to
// Stream. An empty Stream means the projection's result stream.
type EmitStep struct {
	Projection string `yaml:"projection"`
	Stream     string `yaml:"stream,omitempty"`
	Type       string `yaml:"type"`
	Count      int    `yaml:"count,omitempty"` // defaults to 1
}

// FaultStep makes the core report a fault and waits for the projection
// to become Faulted.
type FaultStep struct {
	Projection string `yaml:"projection"`
	Reason     string `yaml:"reason"`
}

// FailStep injects a store failure for op ("append", "read",
// "read-backward", "delete") on Stream.
type FailStep struct {
	Op        string `yaml:"op"`
	Stream    string `yaml:"stream"`
	Always    bool   `yaml:"always,omitempty"`    // until heal; otherwise the next call only
	Permanent bool   `yaml:"permanent,omitempty"` // otherwise transient
}

// ExpectClause specifies the expected reply.
type ExpectClause struct {
	// State is the expected projection state after the command.
	State string `yaml:"state,omitempty"`

	// Error is the expected error code. Empty means success.
	Error string `yaml:"error,omitempty"`

	// Step and Completed check a DELETE_FAILED error.
	Step      string   `yaml:"step,omitempty"`
	Completed []string `yaml:"completed,omitempty"`

	// StartedFrom is the expected checkpoint position the projection
	// started from; -1 means from the beginning.
	StartedFrom *int64 `yaml:"started_from,omitempty"`

	// Names is the expected list result, in order.
	Names []string `yaml:"names,omitempty"`
}

// Assertion validates the trace or the final registry.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Call is a call pattern "<op> <stream> [event-type]" (call_count).
	Call string `yaml:"call,omitempty"`

	// Calls are call patterns that must appear in this order (call_order).
	Calls []string `yaml:"calls,omitempty"`

	// Count is the expected number of matching calls (call_count) or
	// live events (stream_events).
	Count int `yaml:"count"`

	// Stream is the stream checked by untouched and stream_events.
	Stream string `yaml:"stream,omitempty"`

	// Projection and State check the final registry (final_state).
	// State "absent" means the projection does not exist.
	Projection string `yaml:"projection,omitempty"`
	State      string `yaml:"state,omitempty"`
}

// Assertion types.
const (
	AssertCallCount    = "call_count"
	AssertCallOrder    = "call_order"
	AssertUntouched    = "untouched"
	AssertStreamEvents = "stream_events"
	AssertFinalState   = "final_state"
)

// StateAbsent is the final_state of a projection that does not exist.
const StateAbsent = "absent"

// Leader step values.
const (
	LeaderBecome = "become"
	LeaderLose   = "lose"
)

// Invoke step values.
const (
	InvokePost     = "post"
	InvokeEnable   = "enable"
	InvokeDisable  = "disable"
	InvokeDelete   = "delete"
	InvokeGetState = "get_state"
	InvokeList     = "list"
	InvokeApply    = "apply"
)

var validInvokes = []string{InvokePost, InvokeEnable, InvokeDisable, InvokeDelete, InvokeGetState, InvokeList, InvokeApply}

var validOps = []string{"append", "read", "read-backward", "delete"}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected. Definition paths are resolved against the
// scenario file's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath is LoadScenario resolving definition paths
// against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	for i, p := range scenario.Definitions {
		if !filepath.IsAbs(p) && basePath != "" {
			scenario.Definitions[i] = filepath.Join(basePath, p)
		}
	}
	for _, p := range scenario.Definitions {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("invalid scenario: definitions not found: %s", p)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML without touching the filesystem.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if s.Options.StopTimeout < 0 {
		return fmt.Errorf("options.stop_timeout must not be negative")
	}

	for i, a := range s.Setup {
		if a.Stream == "" || a.Type == "" {
			return fmt.Errorf("setup[%d]: stream and type are required", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Invoke == InvokeApply && len(s.Definitions) == 0 {
			return fmt.Errorf("flow[%d]: apply needs definitions", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step FlowStep) error {
	actions := 0
	for _, set := range []bool{
		step.Leader != "",
		step.Invoke != "",
		step.Advance != nil,
		step.Checkpoint != "",
		step.Emit != nil,
		step.Fault != nil,
		step.Fail != nil,
		step.Heal,
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one action is required, got %d", actions)
	}
	if step.Expect != nil && step.Invoke == "" {
		return fmt.Errorf("expect is only valid on invoke steps")
	}

	switch {
	case step.Leader != "":
		if step.Leader != LeaderBecome && step.Leader != LeaderLose {
			return fmt.Errorf("leader must be %q or %q, got %q", LeaderBecome, LeaderLose, step.Leader)
		}
	case step.Invoke != "":
		if !slices.Contains(validInvokes, step.Invoke) {
			return fmt.Errorf("unknown invoke %q: must be one of %v", step.Invoke, validInvokes)
		}
		if step.Invoke == InvokeApply && step.Expect != nil {
			return fmt.Errorf("apply: expect is not supported, assert on the final state instead")
		}
		needsName := step.Invoke != InvokeList && step.Invoke != InvokeApply
		if needsName && step.Args.Name == "" {
			return fmt.Errorf("%s: args.name is required", step.Invoke)
		}
	case step.Advance != nil:
		if step.Advance.Projection == "" {
			return fmt.Errorf("advance: projection is required")
		}
	case step.Emit != nil:
		if step.Emit.Projection == "" || step.Emit.Type == "" {
			return fmt.Errorf("emit: projection and type are required")
		}
		if step.Emit.Count < 0 {
			return fmt.Errorf("emit: count must not be negative")
		}
	case step.Fault != nil:
		if step.Fault.Projection == "" {
			return fmt.Errorf("fault: projection is required")
		}
	case step.Fail != nil:
		if !slices.Contains(validOps, step.Fail.Op) {
			return fmt.Errorf("fail: op must be one of %v, got %q", validOps, step.Fail.Op)
		}
		if step.Fail.Stream == "" {
			return fmt.Errorf("fail: stream is required")
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertCallCount:
		if a.Call == "" {
			return fmt.Errorf("call is required for call_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for call_count")
		}
	case AssertCallOrder:
		if len(a.Calls) == 0 {
			return fmt.Errorf("calls list is required for call_order")
		}
	case AssertUntouched:
		if a.Stream == "" {
			return fmt.Errorf("stream is required for untouched")
		}
	case AssertStreamEvents:
		if a.Stream == "" {
			return fmt.Errorf("stream is required for stream_events")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for stream_events")
		}
	case AssertFinalState:
		if a.Projection == "" || a.State == "" {
			return fmt.Errorf("projection and state are required for final_state")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
