package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/projmgr/internal/stream"
)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return fixedTime }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ev(typ, data string) stream.Event {
	return stream.Event{Type: typ, Data: []byte(data)}
}
