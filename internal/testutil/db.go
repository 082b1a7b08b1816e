// Package testutil holds shared test helpers.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/scribeworks/guildscribe/internal/store"
)

// OpenTestStore opens a fresh migrated store in a per-test temp
// directory and registers cleanup.
func OpenTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
