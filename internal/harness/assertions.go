package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/projmgr/internal/stream"
)

// AssertionError is returned when an assertion fails.
// It includes the store calls of the run to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Kind == KindStep {
				fmt.Fprintf(&buf, "  [%d] %s\n", event.Step, event)
			} else {
				fmt.Fprintf(&buf, "      %s\n", event)
			}
		}
	}

	return buf.String()
}

// callPattern matches store calls: an op and a stream, and optionally an
// event type the append must carry.
type callPattern struct {
	op, stream, eventType string
}

func parseCallPattern(s string) (callPattern, error) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 2:
		return callPattern{op: fields[0], stream: fields[1]}, nil
	case 3:
		return callPattern{op: fields[0], stream: fields[1], eventType: fields[2]}, nil
	}
	return callPattern{}, fmt.Errorf("invalid call pattern %q: want \"<op> <stream> [event-type]\"", s)
}

func (p callPattern) matches(e TraceEvent) bool {
	if e.Kind != KindCall || e.Op != p.op || e.Stream != p.stream {
		return false
	}
	return p.eventType == "" || slices.Contains(e.Types, p.eventType)
}

// assertCallCount checks that exactly Count calls match the pattern.
func assertCallCount(trace []TraceEvent, a Assertion) error {
	p, err := parseCallPattern(a.Call)
	if err != nil {
		return err
	}

	count := 0
	for _, e := range trace {
		if p.matches(e) {
			count++
		}
	}

	if count != a.Count {
		return &AssertionError{
			Type:     AssertCallCount,
			Expected: fmt.Sprintf("%d calls matching %q", a.Count, a.Call),
			Actual:   fmt.Sprintf("%d calls", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertCallOrder checks that each pattern matches a call after the one
// matched by the pattern before it. Other calls may come between.
func assertCallOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, raw := range a.Calls {
		p, err := parseCallPattern(raw)
		if err != nil {
			return err
		}

		found := -1
		for i := next; i < len(trace); i++ {
			if p.matches(trace[i]) {
				found = i
				break
			}
		}
		if found < 0 {
			actual := fmt.Sprintf("no %q call after the previous match", raw)
			if !slices.ContainsFunc(trace, p.matches) {
				actual = fmt.Sprintf("missing call: %s", raw)
			}
			return &AssertionError{
				Type:     AssertCallOrder,
				Expected: fmt.Sprintf("calls in order: %v", a.Calls),
				Actual:   actual,
				Trace:    trace,
			}
		}
		next = found + 1
	}
	return nil
}

// assertUntouched checks that no call of any kind named the stream.
func assertUntouched(trace []TraceEvent, a Assertion) error {
	var touched []string
	for _, e := range trace {
		if e.Kind == KindCall && e.Stream == a.Stream {
			touched = append(touched, e.String())
		}
	}
	if len(touched) > 0 {
		return &AssertionError{
			Type:     AssertUntouched,
			Expected: fmt.Sprintf("no calls on %s", a.Stream),
			Actual:   strings.Join(touched, "; "),
			Trace:    trace,
		}
	}
	return nil
}

// assertStreamEvents counts the stream's live events in the store. A
// missing or deleted stream has none.
func assertStreamEvents(ctx context.Context, s stream.Store, a Assertion) error {
	events, err := stream.ReadAll(ctx, s, a.Stream, 0)
	if err != nil && !stream.IsNotFound(err) {
		return &AssertionError{
			Type:     AssertStreamEvents,
			Expected: fmt.Sprintf("read %s", a.Stream),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}
	if len(events) != a.Count {
		return &AssertionError{
			Type:     AssertStreamEvents,
			Expected: fmt.Sprintf("%d events in %s", a.Count, a.Stream),
			Actual:   fmt.Sprintf("%d events", len(events)),
		}
	}
	return nil
}

// assertFinalState checks a projection's state in the registry snapshot
// taken after the flow.
func assertFinalState(result *Result, a Assertion) error {
	st, ok := result.Final[a.Projection]
	switch {
	case a.State == StateAbsent && !ok:
		return nil
	case a.State == StateAbsent:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s absent", a.Projection),
			Actual:   fmt.Sprintf("%s is %s", a.Projection, st.State),
		}
	case !ok:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s", a.Projection, a.State),
			Actual:   fmt.Sprintf("%s absent", a.Projection),
		}
	case string(st.State) != a.State:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s", a.Projection, a.State),
			Actual:   fmt.Sprintf("%s %s", a.Projection, st.State),
		}
	}
	return nil
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	// Store is read directly, so assertions add no calls to the trace.
	Store stream.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for stream_events assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertCallCount:
			err = assertCallCount(result.Trace, assertion)
		case AssertCallOrder:
			err = assertCallOrder(result.Trace, assertion)
		case AssertUntouched:
			err = assertUntouched(result.Trace, assertion)
		case AssertStreamEvents:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: stream_events requires store context", i)
			} else {
				err = assertStreamEvents(actx.Ctx, actx.Store, assertion)
			}
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
