package projection

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	// StreamPrefix prefixes every stream the coordinator owns.
	StreamPrefix = "$projections-"

	// IndexStream receives $ProjectionCreated and $ProjectionDeleted.
	IndexStream = StreamPrefix + "$all"

	CheckpointSuffix    = "-checkpoint"
	ResultSuffix        = "-result"
	EmittedStreamSuffix = "-emittedstreams"
)

// DefinitionStream is where a projection's $ProjectionUpdated events live.
func DefinitionStream(name string) string {
	return StreamPrefix + name
}

// CheckpointStream is where the projection's checkpoints are appended.
func CheckpointStream(name string) string {
	return StreamPrefix + name + CheckpointSuffix
}

// ResultStream is where the projection's results are written.
func ResultStream(name string) string {
	return StreamPrefix + name + ResultSuffix
}

// EmittedStreamsStream tracks the names of streams the projection emitted to.
func EmittedStreamsStream(name string) string {
	return StreamPrefix + name + EmittedStreamSuffix
}

// NormalizeName validates a projection name and returns its NFC form.
// Names ending in a derived-stream suffix are refused: their definition
// stream would be another projection's checkpoint, result or tracking
// stream.
func NormalizeName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("projection name is required")
	}
	n := norm.NFC.String(name)
	for _, r := range n {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("projection name %q contains a control character", name)
		}
		if r == '/' {
			return "", fmt.Errorf("projection name %q contains '/'", name)
		}
	}
	if n == "$all" {
		return "", fmt.Errorf("projection name %q is reserved", name)
	}
	for _, suffix := range []string{CheckpointSuffix, ResultSuffix, EmittedStreamSuffix} {
		if strings.HasSuffix(n, suffix) {
			return "", fmt.Errorf("projection name %q ends in reserved suffix %q", name, suffix)
		}
	}
	return n, nil
}
