package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/mfgtest/internal/testutil"
)

// createTestStore opens a journal in a per-test temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedRun inserts a started run at testutil.Epoch.
func seedRun(t *testing.T, s *Store, runID string) {
	t.Helper()
	if err := s.BeginRun(context.Background(), runID, testutil.Epoch, true, "go test ./..."); err != nil {
		t.Fatalf("BeginRun(%q) failed: %v", runID, err)
	}
}
