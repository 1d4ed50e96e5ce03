package store

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/kilupskalvis/rewind/internal/models"
)

// GetRestoreState returns the last known restored state for a checkpoint,
// keyed by path. An empty map means the checkpoint was never restored.
func (s *Store) GetRestoreState(checkpointID string) (map[string]models.FileState, error) {
	rows, err := s.db.Query(`
		SELECT path, content_hash, size, mode, mod_time
		FROM restore_state WHERE checkpoint_id = ?
	`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("query restore state: %w", err)
	}
	defer rows.Close()

	states := make(map[string]models.FileState)
	for rows.Next() {
		var (
			path, hash string
			size       int64
			mode       uint32
			modTime    int64
		)
		if err := rows.Scan(&path, &hash, &size, &mode, &modTime); err != nil {
			return nil, fmt.Errorf("scan restore state: %w", err)
		}
		states[path] = models.FileState{
			Hash:    hash,
			Size:    size,
			Mode:    fs.FileMode(mode),
			ModTime: time.Unix(0, modTime).UTC(),
		}
	}
	return states, rows.Err()
}

// keyCommittedRun names the last rollback run whose restore state committed.
const keyCommittedRun = "committed_run"

// CommitRollback upserts the observed state of restored paths and marks runID
// as committed in the same transaction. The marker is what tells crash
// recovery that a leftover undo journal belongs to a finished rollback.
func (s *Store) CommitRollback(runID, checkpointID string, states map[string]models.FileState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO restore_state (checkpoint_id, path, content_hash, size, mode, mod_time, restored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_id, path) DO UPDATE SET
			content_hash = excluded.content_hash,
			size = excluded.size,
			mode = excluded.mode,
			mod_time = excluded.mod_time,
			restored_at = excluded.restored_at
	`)
	if err != nil {
		return fmt.Errorf("prepare restore state upsert: %w", err)
	}
	defer stmt.Close()

	now := formatTimestamp(time.Now())
	for path, st := range states {
		if _, err := stmt.Exec(checkpointID, path, st.Hash, st.Size, uint32(st.Mode.Perm()), st.ModTime.UnixNano(), now); err != nil {
			return fmt.Errorf("record restore state for %s: %w", path, err)
		}
	}

	if err := setValue(tx, keyCommittedRun, runID); err != nil {
		return fmt.Errorf("mark rollback committed: %w", err)
	}
	return tx.Commit()
}

// CommittedRun returns the ID of the last committed rollback run, or "".
func (s *Store) CommittedRun() (string, error) {
	return s.GetValue(keyCommittedRun)
}

// DeleteRestoreState forgets everything recorded for a checkpoint.
func (s *Store) DeleteRestoreState(checkpointID string) error {
	_, err := s.db.Exec("DELETE FROM restore_state WHERE checkpoint_id = ?", checkpointID)
	if err != nil {
		return fmt.Errorf("delete restore state: %w", err)
	}
	return nil
}
