package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTrace(t *testing.T) {
	result := NewResult()
	result.Trace = []TraceEvent{
		{Kind: KindStep, Step: 1, Action: "leader become", Outcome: "ok"},
		{Kind: KindCall, Step: 1, Op: "read", Stream: "$projections-$all", Error: "not-found"},
		{Kind: KindStep, Step: 2, Action: "post orders", Outcome: "ok Stopped"},
		{Kind: KindCall, Step: 2, Op: "append", Stream: "$projections-$all", Types: []string{"$ProjectionCreated"}},
	}

	want := "scenario: demo\n" +
		"[1] leader become -> ok\n" +
		"    read $projections-$all !not-found\n" +
		"[2] post orders -> ok Stopped\n" +
		"    append $projections-$all $ProjectionCreated\n"
	assert.Equal(t, want, string(FormatTrace("demo", result)))
}

func TestFormatTrace_Empty(t *testing.T) {
	assert.Equal(t, "scenario: empty\n", string(FormatTrace("empty", NewResult())))
}

// TestRunWithGolden_Scenarios pins the exact store calls of the delete
// scenarios.
func TestRunWithGolden_Scenarios(t *testing.T) {
	for _, name := range []string{"keep-checkpoint", "delete-resume", "delete-across-failover"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestAssertGolden_FromResult(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "keep-checkpoint.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	AssertGolden(t, "keep-checkpoint", result)
}
