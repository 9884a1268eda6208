package cli

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/projmgr/internal/config"
	"github.com/roach88/projmgr/internal/projection"
)

// testRootOptions returns options for a fresh database in a temp dir.
func testRootOptions(t *testing.T) *RootOptions {
	t.Helper()
	return &RootOptions{
		Format:      "text",
		Database:    filepath.Join(t.TempDir(), "projmgr.db"),
		User:        projection.SystemUser,
		StopTimeout: time.Second,
		Config:      config.Default(),
	}
}

// execute runs cmd with args and returns everything it printed.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "projmgr", cmd.Use)
	assert.Contains(t, cmd.Long, "leadership")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{
		"run", "apply", "validate", "post", "enable", "disable",
		"delete", "status", "list", "read", "test",
	}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	userFlag := cmd.PersistentFlags().Lookup("user")
	require.NotNil(t, userFlag)
	assert.Equal(t, projection.SystemUser, userFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("role"))
}

func TestGlobalFlags_DefaultsFromEnvironment(t *testing.T) {
	t.Setenv("PROJMGR_DB", "/var/lib/projmgr/events.db")
	t.Setenv("PROJMGR_STOP_TIMEOUT", "90s")
	cmd := NewRootCommand()

	assert.Equal(t, "/var/lib/projmgr/events.db", cmd.PersistentFlags().Lookup("db").DefValue)
	assert.Equal(t, "1m30s", cmd.PersistentFlags().Lookup("stop-timeout").DefValue)
}

func TestRootCommand_InvalidEnvironment(t *testing.T) {
	t.Setenv("PROJMGR_READ_BATCH", "0")
	cmd := NewRootCommand()

	_, err := execute(cmd, "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "PROJMGR_READ_BATCH")
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	_, err := execute(cmd, "--format", "yaml", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestRootCommand_NonPositiveStopTimeout(t *testing.T) {
	cmd := NewRootCommand()
	_, err := execute(cmd, "--stop-timeout", "0s", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--stop-timeout must be positive")
}

func TestPostCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	postCmd, _, err := cmd.Find([]string{"post"})
	require.NoError(t, err)

	modeFlag := postCmd.Flags().Lookup("mode")
	require.NotNil(t, modeFlag)
	assert.Equal(t, string(projection.ModeContinuous), modeFlag.DefValue)

	handlerFlag := postCmd.Flags().Lookup("handler")
	require.NotNil(t, handlerFlag)
	assert.Equal(t, "JS", handlerFlag.DefValue)

	for _, name := range []string{"query", "enabled", "checkpoints", "emit"} {
		assert.NotNil(t, postCmd.Flags().Lookup(name), "flag %s", name)
	}
}

func TestDeleteCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	deleteCmd, _, err := cmd.Find([]string{"delete"})
	require.NoError(t, err)

	for _, name := range []string{"delete-checkpoints", "delete-emitted"} {
		f := deleteCmd.Flags().Lookup(name)
		require.NotNil(t, f, "flag %s", name)
		assert.Equal(t, "false", f.DefValue)
	}
}

func TestRunCommandFlags(t *testing.T) {
	t.Setenv("PROJMGR_METRICS_ADDR", "")
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	require.NotNil(t, runCmd.Flags().Lookup("defs"))
	metricsFlag := runCmd.Flags().Lookup("metrics-addr")
	require.NotNil(t, metricsFlag)
	// metrics are off unless an address is configured
	assert.Equal(t, "", metricsFlag.DefValue)
}

func TestTestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	testCmd, _, err := cmd.Find([]string{"test"})
	require.NoError(t, err)

	updateFlag := testCmd.Flags().Lookup("update")
	require.NotNil(t, updateFlag)
	assert.Equal(t, "false", updateFlag.DefValue)

	require.NotNil(t, testCmd.Flags().Lookup("filter"))
}

func TestHelpText(t *testing.T) {
	out, err := execute(NewRootCommand(), "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "projmgr")
	assert.Contains(t, out, "Available Commands")
}
