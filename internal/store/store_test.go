package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_ReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	seedRun(t, s, "run-1")
	require.NoError(t, s.Close())

	for i := 0; i < 2; i++ {
		s, err = Open(path)
		require.NoError(t, err, "reopen %d", i)

		run, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "run-1", run.RunID)
		assert.Equal(t, journalVersion, userVersion(t, s.db))
		require.NoError(t, s.Close())
	}
}

func TestOpen_UnwritableDirectory(t *testing.T) {
	_, err := Open("/nonexistent/dir/journal.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open journal /nonexistent/dir/journal.db")
}

func TestOpen_RefusesNewerJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal version 99 is newer than supported version 1")
}

func TestClose_ZeroStore(t *testing.T) {
	var s Store
	assert.NoError(t, s.Close())
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			require.NoError(t, s.DB().QueryRow("PRAGMA "+tt.name).Scan(&got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchema_Indexes(t *testing.T) {
	s := createTestStore(t)

	assert.ElementsMatch(t, []string{"idx_runs_started", "idx_runs_unit"}, tableIndexes(t, s.db, "runs"))
	assert.ElementsMatch(t, []string{"idx_resolutions_run"}, tableIndexes(t, s.db, "resolutions"))
}

func TestSchema_UnitHistoryUsesIndex(t *testing.T) {
	s := createTestStore(t)

	rows, err := s.db.Query(`EXPLAIN QUERY PLAN
		SELECT run_id FROM runs WHERE unit_id = ? ORDER BY started_at DESC`, 42)
	require.NoError(t, err)
	defer rows.Close()

	var plan []string
	for rows.Next() {
		var id, parent, notused int
		var detail string
		require.NoError(t, rows.Scan(&id, &parent, &notused, &detail))
		plan = append(plan, detail)
	}
	require.NoError(t, rows.Err())
	assert.Condition(t, func() bool {
		for _, step := range plan {
			if strings.Contains(step, "USING INDEX idx_runs_unit") {
				return true
			}
		}
		return false
	}, "plan = %v", plan)
}

func TestConstraint_ResolutionRequiresRun(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO resolutions (run_id, product, observed_serial, recorded_at)
		VALUES ('missing-run', 'Widget', 'ABC123', '2024-01-02T03:04:05Z')
	`)
	assert.Error(t, err, "resolution without a run must violate the foreign key")
}

func TestConstraint_DeletingRunCascades(t *testing.T) {
	s := createTestStore(t)
	seedRun(t, s, "run-1")

	_, err := s.db.Exec(`
		INSERT INTO resolutions (run_id, product, observed_serial, recorded_at)
		VALUES ('run-1', 'Widget', 'ABC123', '2024-01-02T03:04:05Z')
	`)
	require.NoError(t, err)
	_, err = s.db.Exec(`DELETE FROM runs WHERE run_id = 'run-1'`)
	require.NoError(t, err)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM resolutions`).Scan(&count))
	assert.Zero(t, count)
}

func userVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var v int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&v))
	return v
}

// tableIndexes lists explicitly declared indexes. SQLite's implicit
// autoindexes carry no SQL and are skipped.
func tableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=? AND sql IS NOT NULL", table)
	require.NoError(t, err)
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes = append(indexes, name)
	}
	require.NoError(t, rows.Err())
	return indexes
}
