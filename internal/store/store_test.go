package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilupskalvis/rewind/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a new SQLite store in a temp directory for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStore_Initialize(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	st, err := New(dbPath)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Initialize())
	require.NoError(t, st.Initialize(), "initialize is idempotent")

	version, err := st.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	st, err := Open(dbPath)
	require.NoError(t, err)
	_, err = st.db.Exec("INSERT INTO rewind_schema_version (version) VALUES (?)", currentSchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = Open(dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestStore_CommittedRun(t *testing.T) {
	st := newTestStore(t)

	run, err := st.CommittedRun()
	require.NoError(t, err)
	assert.Equal(t, "", run)

	// The marker is written even when no path changed state.
	require.NoError(t, st.CommitRollback("run-1", "CP1", nil))
	run, err = st.CommittedRun()
	require.NoError(t, err)
	assert.Equal(t, "run-1", run)

	require.NoError(t, st.CommitRollback("run-2", "CP1", map[string]models.FileState{
		"a.py": {Hash: "h1", Size: 1, Mode: 0644},
	}))
	run, err = st.CommittedRun()
	require.NoError(t, err)
	assert.Equal(t, "run-2", run)
}

func TestStore_RestoreState(t *testing.T) {
	st := newTestStore(t)

	states, err := st.GetRestoreState("CP1")
	require.NoError(t, err)
	assert.Empty(t, states)

	mtime := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	require.NoError(t, st.CommitRollback("run", "CP1", map[string]models.FileState{
		"a.py": {Hash: "h1", Size: 1, Mode: 0755, ModTime: mtime},
		"b.py": {Hash: "h2", Size: 2, Mode: 0644, ModTime: mtime},
	}))

	states, err = st.GetRestoreState("CP1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "h1", states["a.py"].Hash)
	assert.Equal(t, int64(1), states["a.py"].Size)
	assert.Equal(t, os.FileMode(0755), states["a.py"].Mode)
	assert.True(t, mtime.Equal(states["a.py"].ModTime))

	// Upsert replaces the row.
	require.NoError(t, st.CommitRollback("run", "CP1", map[string]models.FileState{
		"a.py": {Hash: "h3", Size: 3, Mode: 0644, ModTime: mtime},
	}))
	states, err = st.GetRestoreState("CP1")
	require.NoError(t, err)
	assert.Equal(t, "h3", states["a.py"].Hash)
	assert.Len(t, states, 2)

	other, err := st.GetRestoreState("CP2")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, st.DeleteRestoreState("CP1"))
	states, err = st.GetRestoreState("CP1")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestStore_RollbackHistory(t *testing.T) {
	st := newTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertRollback(&models.RollbackRecord{
		RunID: "run-1", CheckpointID: "CP1", State: models.StateCommitted,
		Restored: 2, Deleted: 1, BackupCheckpointID: "CP0",
		StartedAt: base, FinishedAt: base.Add(time.Second),
	}))
	require.NoError(t, st.InsertRollback(&models.RollbackRecord{
		RunID: "run-2", CheckpointID: "CP1", Partial: true, State: models.StateAborted,
		Error: "integrity check failed", StartedAt: base.Add(time.Minute), FinishedAt: base.Add(time.Minute),
	}))

	records, err := st.ListRollbacks(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "run-2", records[0].RunID)
	assert.True(t, records[0].Partial)
	assert.Equal(t, models.StateAborted, records[0].State)
	assert.Equal(t, "integrity check failed", records[0].Error)
	assert.Empty(t, records[0].BackupCheckpointID)

	assert.Equal(t, "run-1", records[1].RunID)
	assert.Equal(t, 2, records[1].Restored)
	assert.Equal(t, "CP0", records[1].BackupCheckpointID)
	assert.True(t, base.Equal(records[1].StartedAt))

	limited, err := st.ListRollbacks(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
