package harness

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// FormatTrace renders a result's trace in golden file form: a header
// line, then each step followed by its store calls, indented.
func FormatTrace(name string, result *Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	for _, e := range result.Trace {
		if e.Kind == KindStep {
			fmt.Fprintf(&buf, "[%d] %s\n", e.Step, e)
			continue
		}
		fmt.Fprintf(&buf, "    %s\n", e)
	}
	return buf.Bytes()
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/scenarios/golden/{scenario.Name}.golden,
// where projmgr test also looks for it.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. A trace that differs from the
// golden file fails t.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/scenarios/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, FormatTrace(scenarioName, result))
}
