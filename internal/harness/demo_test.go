package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/projmgr/internal/projection"
)

// TestDemoScenarios runs every scenario under testdata/scenarios. Each
// must pass its own expect clauses and assertions.
func TestDemoScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		t.Run(filepath.Base(p), func(t *testing.T) {
			scenario, err := LoadScenario(p)
			require.NoError(t, err, "failed to load scenario from %s", p)

			result, err := Run(scenario)
			require.NoError(t, err, "scenario execution failed")
			require.NotNil(t, result)

			assert.True(t, result.Pass, "scenario should pass: errors=%v", result.Errors)
			assert.NotEmpty(t, result.Trace, "trace should not be empty")

			t.Logf("Scenario %s: %d trace events", scenario.Name, len(result.Trace))
		})
	}
}

// TestDemoScenariosReplay checks that running the same scenario twice
// produces identical traces, including leadership changes.
func TestDemoScenariosReplay(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "resume-after-failover.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, string(FormatTrace(scenario.Name, first)), string(FormatTrace(scenario.Name, second)))
}

// TestDemoApplyOwners checks that apply honours owners declared in CUE.
func TestDemoApplyOwners(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "apply-definitions.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	steps := stepEvents(result.Trace)
	assert.Equal(t, "apply -> ok created=3 skipped=0 failed=0", steps[1].String())
	assert.Equal(t, "apply -> ok created=0 skipped=3 failed=0", steps[3].String())

	peek := result.Final["peek"]
	assert.Equal(t, "alice", peek.Owner)
	assert.Equal(t, projection.ModeTransient, peek.Mode)
}

// TestDemoFaultTrace checks that the fault step waits for the final
// checkpoint flush.
func TestDemoFaultTrace(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "fault-recover.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	trace := string(FormatTrace(scenario.Name, result))
	assert.Contains(t, trace, "[4] fault orders -> ok Faulted\n    append $projections-orders-checkpoint $ProjectionCheckpoint\n")

	orders := result.Final["orders"]
	assert.Empty(t, orders.FaultReason)
}
