package defs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/projmgr/internal/projection"
)

func TestLoadDir(t *testing.T) {
	result, errs := LoadDir("testdata/projections", LoadModeCollectAll)
	require.Empty(t, errs)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.FileCount)

	require.Len(t, result.Specs, 3)
	names := []string{result.Specs[0].Name, result.Specs[1].Name, result.Specs[2].Name}
	assert.Equal(t, []string{"orders-by-day", "peek", "test-projection"}, names)

	tp := result.Specs[2]
	assert.Equal(t, projection.ModeContinuous, tp.Mode)
	assert.Equal(t, "JS", tp.HandlerKind)
	assert.True(t, tp.Enabled)
	assert.True(t, tp.Checkpoints)
	assert.True(t, tp.Emit)

	obd := result.Specs[0]
	assert.False(t, obd.Enabled)
	assert.False(t, obd.Emit)

	peek := result.Specs[1]
	assert.Equal(t, projection.ModeTransient, peek.Mode)
	assert.Equal(t, projection.RunAs{User: "alice", Roles: []string{"ops"}}, peek.RunAs)
}

func TestLoadString_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{
			name:  "missing mode",
			src:   `projection: p: {handler: "JS", query: "q"}`,
			field: "mode",
		},
		{
			name:  "bad mode",
			src:   `projection: p: {mode: "Forever", handler: "JS", query: "q"}`,
			field: "mode",
		},
		{
			name:  "empty query",
			src:   `projection: p: {mode: "Continuous", handler: "JS", query: ""}`,
			field: "query",
		},
		{
			name:  "transient checkpoints",
			src:   `projection: p: {mode: "Transient", handler: "JS", query: "q", checkpoints: true}`,
			field: "checkpoints",
		},
		{
			name:  "bad name",
			src:   `projection: "a/b": {mode: "Continuous", handler: "JS", query: "q"}`,
			field: "name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := LoadString(tt.src, "p.cue", LoadModeFailFast)
			require.Len(t, errs, 1)
			var ce *CompileError
			require.ErrorAs(t, errs[0], &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLoadString_CollectAll(t *testing.T) {
	src := `
projection: ok: {mode: "Continuous", handler: "JS", query: "q"}
projection: bad1: {mode: "Nope", handler: "JS", query: "q"}
projection: bad2: {mode: "Continuous", query: "q"}
`
	result, errs := LoadString(src, "p.cue", LoadModeCollectAll)
	assert.Len(t, errs, 2)
	require.Len(t, result.Specs, 1)
	assert.Equal(t, "ok", result.Specs[0].Name)

	_, errs = LoadString(src, "p.cue", LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoadString_DuplicateAfterNormalization(t *testing.T) {
	src := "projection: \"cafe\u0301\": {mode: \"Continuous\", handler: \"JS\", query: \"q\"}\n" +
		"projection: \"caf\u00e9\": {mode: \"Continuous\", handler: \"JS\", query: \"q\"}\n"
	_, errs := LoadString(src, "p.cue", LoadModeCollectAll)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "declared twice")
}

func TestLoadString_NoProjections(t *testing.T) {
	_, errs := LoadString(`other: 1`, "p.cue", LoadModeCollectAll)
	require.Len(t, errs, 1)
}

func TestLoadDir_Missing(t *testing.T) {
	_, errs := LoadDir(filepath.Join(t.TempDir(), "nope"), LoadModeFailFast)
	require.Len(t, errs, 1)

	empty := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(empty, "notes.txt"), []byte("x"), 0644))
	_, errs = LoadDir(empty, LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no CUE files")
}

func TestSpec_Post(t *testing.T) {
	spec := Spec{Name: "p", Mode: projection.ModeContinuous, HandlerKind: "JS", Query: "q", Enabled: true, Checkpoints: true}

	post := spec.Post(projection.System)
	assert.Equal(t, projection.System, post.RunAs)
	assert.True(t, post.Enabled)
	assert.True(t, post.CheckpointsEnabled)
	assert.False(t, post.EmitEnabled)

	spec.RunAs = projection.RunAs{User: "alice"}
	assert.Equal(t, "alice", spec.Post(projection.System).RunAs.User)
}
