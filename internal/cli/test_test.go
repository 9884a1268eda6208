package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var harnessScenariosDir = filepath.Join("..", "harness", "testdata", "scenarios")

const listEmptyScenario = `
name: list-empty
description: "An empty registry lists nothing"
flow:
  - leader: become
  - invoke: list
    expect: { names: [] }
`

const listEmptyGolden = `scenario: list-empty
[1] leader become -> ok
    read $projections-$all !not-found
[2] list -> ok []
`

const failingScenario = `
name: wrong-expect
description: "List does not fail"
flow:
  - leader: become
  - invoke: list
    expect: { error: NOT_FOUND }
`

// writeScenarios writes scenario files into a fresh directory.
func writeScenarios(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := execute(NewTestCommand(testRootOptions(t)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := execute(NewTestCommand(testRootOptions(t)), "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := execute(NewTestCommand(testRootOptions(t)), t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	opts := testRootOptions(t)
	opts.Format = "json"

	out, err := execute(NewTestCommand(opts), t.TempDir())
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestCommandHarnessScenarios(t *testing.T) {
	out, err := execute(NewTestCommand(testRootOptions(t)), harnessScenariosDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ keep-checkpoint")
	assert.Contains(t, out, "✓ delete-resume")
	assert.Contains(t, out, "✓ delete-across-failover")
	assert.Contains(t, out, "0 failed")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandFilter(t *testing.T) {
	opts := testRootOptions(t)
	opts.Format = "json"

	out, err := execute(NewTestCommand(opts), harnessScenariosDir, "--filter", "retained-*")
	require.NoError(t, err, out)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	for _, sr := range resp.Data.Scenarios {
		assert.True(t, strings.HasPrefix(sr.Name, "retained-checkpoints-"), sr.Name)
		assert.True(t, sr.Pass)
		assert.False(t, sr.Golden)
	}
}

func TestTestCommandGoldenMatch(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"list-empty.yaml":          listEmptyScenario,
		"golden/list-empty.golden": listEmptyGolden,
	})

	opts := testRootOptions(t)
	opts.Format = "json"
	out, err := execute(NewTestCommand(opts), dir)
	require.NoError(t, err, out)

	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Scenarios, 1)
	assert.True(t, resp.Data.Scenarios[0].Golden)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"list-empty.yaml":          listEmptyScenario,
		"golden/list-empty.golden": "scenario: list-empty\n[1] leader become -> ok\n",
	})

	out, err := execute(NewTestCommand(testRootOptions(t)), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ list-empty")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandUpdate(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"list-empty.yaml": listEmptyScenario})

	out, err := execute(NewTestCommand(testRootOptions(t)), dir, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ list-empty (golden updated)")

	got, err := os.ReadFile(filepath.Join(dir, "golden", "list-empty.golden"))
	require.NoError(t, err)
	assert.Equal(t, listEmptyGolden, string(got))

	// The written golden file now passes a normal run.
	_, err = execute(NewTestCommand(testRootOptions(t)), dir)
	require.NoError(t, err)
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"list-empty.yaml":   listEmptyScenario,
		"wrong-expect.yaml": failingScenario,
	})

	opts := testRootOptions(t)
	opts.Format = "json"
	out, err := execute(NewTestCommand(opts), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	assert.Equal(t, "1 scenario(s) failed", resp.Error.Message)
}

func TestTestCommandInvalidScenario(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"broken.yaml": "name: broken\nflow: ["})

	out, err := execute(NewTestCommand(testRootOptions(t)), dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestHelpText(t *testing.T) {
	out, err := execute(NewTestCommand(testRootOptions(t)), "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "scenarios")
	assert.Contains(t, out, "--update")
	assert.Contains(t, out, "--filter")
	assert.Contains(t, out, "scenarios-dir")
}

func TestFindScenarioFiles(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test2.yml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ignore.txt"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "delete-resume.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "delete-keep.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "fault-recover.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "delete-*")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	for _, f := range files {
		assert.True(t, strings.HasPrefix(filepath.Base(f), "delete-"), "Expected file to start with 'delete-': %s", f)
	}

	_, err = findScenarioFiles(tmpDir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestFindScenarioFilesSubdirectories(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "root.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "sub.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/path/to", "golden", "scenario.golden"), goldenFilePath("/path/to", "scenario"))
	assert.Equal(t, filepath.Join("scenarios", "golden", "test.golden"), goldenFilePath("scenarios", "test"))
}
