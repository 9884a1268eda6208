package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/projmgr/internal/projection"
)

func postStep(name string, enabled, checkpoints, emit bool) FlowStep {
	return FlowStep{
		Invoke: InvokePost,
		Args: Args{
			Name:        name,
			Query:       "fromAll()",
			Enabled:     enabled,
			Checkpoints: checkpoints,
			Emit:        emit,
		},
	}
}

func stepEvents(trace []TraceEvent) []TraceEvent {
	var steps []TraceEvent
	for _, e := range trace {
		if e.Kind == KindStep {
			steps = append(steps, e)
		}
	}
	return steps
}

func TestRun_MinimalScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "minimal",
		Description: "Minimal test scenario",
		Flow: []FlowStep{
			{Leader: LeaderBecome},
			{Invoke: InvokeList, Expect: &ExpectClause{Names: []string{}}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)

	steps := stepEvents(result.Trace)
	require.Len(t, steps, 2)
	assert.Equal(t, "leader become -> ok", steps[0].String())
	assert.Equal(t, "list -> ok []", steps[1].String())

	calls := result.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "read "+projection.IndexStream+" !not-found", calls[0].String())
	assert.Empty(t, result.Final)
}

func TestRun_CommandBeforeLeadership(t *testing.T) {
	scenario := &Scenario{
		Name:        "not_leader",
		Description: "Commands are rejected until leadership is gained",
		Flow: []FlowStep{
			{Invoke: InvokeGetState, Args: Args{Name: "orders"}, Expect: &ExpectClause{Error: "NOT_LEADER"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "get_state orders -> error NOT_LEADER", result.Trace[0].String())
	assert.Empty(t, result.Calls())
}

func TestRun_WithSetup(t *testing.T) {
	scenario := &Scenario{
		Name:        "with_setup",
		Description: "Setup writes are visible but not traced",
		Setup: []AppendStep{
			{Stream: projection.CheckpointStream("orders"), Type: projection.EventProjectionCheckpoint, Data: `{"position":12,"timestamp":"2026-01-01T00:00:00Z"}`},
		},
		Flow: []FlowStep{
			{Leader: LeaderBecome},
			postStep("orders", true, true, false),
		},
		Assertions: []Assertion{
			{Type: AssertStreamEvents, Stream: projection.CheckpointStream("orders"), Count: 1},
		},
	}
	from := int64(12)
	scenario.Flow[1].Expect = &ExpectClause{State: "Running", StartedFrom: &from}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	for _, c := range result.Calls() {
		if c.Stream == projection.CheckpointStream("orders") {
			assert.Equal(t, "read-backward", c.Op, "setup appends must not be traced")
		}
	}
	assert.Equal(t, projection.StateRunning, result.Final["orders"].State)
}

func TestRun_WithExpectClause(t *testing.T) {
	scenario := &Scenario{
		Name:        "expect_mismatch",
		Description: "A reply that differs from expect fails the run",
		Flow: []FlowStep{
			{Leader: LeaderBecome},
			postStep("orders", false, false, false),
		},
	}
	scenario.Flow[1].Expect = &ExpectClause{State: "Running"}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected state Running, got Stopped")
}

func TestRun_WithErrorExpect(t *testing.T) {
	scenario := &Scenario{
		Name:        "error_expect",
		Description: "Expected errors pass, unexpected successes fail",
		Flow: []FlowStep{
			{Leader: LeaderBecome},
			{Invoke: InvokeEnable, Args: Args{Name: "missing"}, Expect: &ExpectClause{Error: "NOT_FOUND"}},
			{Invoke: InvokeList, Expect: &ExpectClause{Error: "NOT_LEADER"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `expected error NOT_LEADER, got ""`)

	steps := stepEvents(result.Trace)
	assert.Equal(t, "enable missing -> error NOT_FOUND", steps[1].String())
}

func TestRun_Deterministic(t *testing.T) {
	scenario := &Scenario{
		Name:        "deterministic",
		Description: "Two runs produce identical traces",
		Flow: []FlowStep{
			{Leader: LeaderBecome},
			postStep("a", true, true, true),
			postStep("b", true, false, false),
			{Emit: &EmitStep{Projection: "a", Type: "Seen", Count: 3}},
			{Leader: LeaderLose},
			{Leader: LeaderBecome},
		},
	}

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, first.Pass, "errors: %v", first.Errors)
	assert.Equal(t, FormatTrace(scenario.Name, first), FormatTrace(scenario.Name, second))
}

func TestRun_FreshStorePerRun(t *testing.T) {
	scenario := &Scenario{
		Name:        "fresh",
		Description: "Each run starts from an empty store",
		Flow: []FlowStep{
			{Leader: LeaderBecome},
			postStep("orders", false, false, false),
		},
	}
	scenario.Flow[1].Expect = &ExpectClause{State: "Stopped"}

	for i := 0; i < 2; i++ {
		result, err := Run(scenario)
		require.NoError(t, err)
		assert.True(t, result.Pass, "run %d: %v", i, result.Errors)
	}
}

func TestRun_EmitToResultStream(t *testing.T) {
	scenario := &Scenario{
		Name:        "emit_result",
		Description: "Emitting to the result stream is not tracked",
		Flow: []FlowStep{
			{Leader: LeaderBecome},
			postStep("orders", true, false, true),
			{Emit: &EmitStep{Projection: "orders", Type: "Total", Count: 2}},
		},
		Assertions: []Assertion{
			{Type: AssertUntouched, Stream: projection.EmittedStreamsStream("orders")},
			{Type: AssertStreamEvents, Stream: projection.ResultStream("orders"), Count: 2},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	steps := stepEvents(result.Trace)
	assert.Equal(t, "emit orders "+projection.ResultStream("orders")+" x2 -> ok", steps[2].String())
}

func TestRun_CoreStepErrorsFailTheRun(t *testing.T) {
	scenario := &Scenario{
		Name:        "core_errors",
		Description: "Driving a projection that is not running fails",
		Flow: []FlowStep{
			{Leader: LeaderBecome},
			{Advance: &AdvanceStep{Projection: "ghost", Position: 1}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "projection ghost is not running")
	assert.Equal(t, "advance ghost 1 -> error projection ghost is not running", stepEvents(result.Trace)[1].String())
}

func TestRun_InjectedFailureClassified(t *testing.T) {
	scenario := &Scenario{
		Name:        "injected",
		Description: "Injected failures show up in the trace",
		Flow: []FlowStep{
			{Leader: LeaderBecome},
			{Fail: &FailStep{Op: "append", Stream: projection.IndexStream, Permanent: true}},
			postStep("orders", false, false, false),
		},
	}
	scenario.Flow[2].Expect = &ExpectClause{Error: "STORE_REJECTED"}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	steps := stepEvents(result.Trace)
	assert.Equal(t, "fail append "+projection.IndexStream+" -> ok", steps[1].String())

	calls := result.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "append "+projection.IndexStream+" "+projection.EventProjectionCreated+" !rejected", last.String())
}

func TestRun_CallCountAssertion_Fail(t *testing.T) {
	scenario := &Scenario{
		Name:        "call_count_fail",
		Description: "A failing assertion marks the run failed",
		Flow: []FlowStep{
			{Leader: LeaderBecome},
		},
		Assertions: []Assertion{
			{Type: AssertCallCount, Call: "read " + projection.IndexStream, Count: 2},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: call_count")
	assert.Contains(t, result.Errors[0], "1 calls")
}

func TestRun_MultipleAssertions(t *testing.T) {
	scenario := &Scenario{
		Name:        "multiple",
		Description: "Every assertion is evaluated",
		Flow: []FlowStep{
			{Leader: LeaderBecome},
			postStep("orders", true, false, false),
		},
		Assertions: []Assertion{
			{Type: AssertCallCount, Call: "append " + projection.IndexStream + " " + projection.EventProjectionCreated, Count: 1},
			{Type: AssertFinalState, Projection: "orders", State: "Running"},
			{Type: AssertFinalState, Projection: "missing", State: StateAbsent},
			{Type: AssertUntouched, Stream: projection.CheckpointStream("orders")},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}

func TestTraceEvent_String(t *testing.T) {
	tests := []struct {
		event TraceEvent
		want  string
	}{
		{TraceEvent{Kind: KindStep, Action: "post orders", Outcome: "ok Running"}, "post orders -> ok Running"},
		{TraceEvent{Kind: KindCall, Op: "read", Stream: "s"}, "read s"},
		{TraceEvent{Kind: KindCall, Op: "append", Stream: "s", Types: []string{"A", "B"}}, "append s A,B"},
		{TraceEvent{Kind: KindCall, Op: "delete", Stream: "s", Error: "unavailable"}, "delete s !unavailable"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.event.String())
	}
}
