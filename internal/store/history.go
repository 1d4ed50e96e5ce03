package store

import (
	"database/sql"
	"fmt"

	"github.com/kilupskalvis/rewind/internal/models"
)

// InsertRollback records one rollback run.
func (s *Store) InsertRollback(rec *models.RollbackRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO rollback_history (run_id, checkpoint_id, partial, dry_run, state,
			restored, deleted, conflicts, backup_checkpoint_id, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.RunID, rec.CheckpointID, rec.Partial, rec.DryRun, string(rec.State),
		rec.Restored, rec.Deleted, rec.Conflicts,
		nullString(rec.BackupCheckpointID), nullString(rec.Error),
		formatTimestamp(rec.StartedAt), formatTimestamp(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert rollback history: %w", err)
	}
	return nil
}

// ListRollbacks returns rollback runs, newest first. limit <= 0 returns all.
func (s *Store) ListRollbacks(limit int) ([]*models.RollbackRecord, error) {
	query := `
		SELECT run_id, checkpoint_id, partial, dry_run, state, restored, deleted,
			conflicts, backup_checkpoint_id, error, started_at, finished_at
		FROM rollback_history
		ORDER BY started_at DESC, run_id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rollback history: %w", err)
	}
	defer rows.Close()

	var records []*models.RollbackRecord
	for rows.Next() {
		var (
			rec               models.RollbackRecord
			state             string
			backupID, errText sql.NullString
			started, finished string
		)
		if err := rows.Scan(&rec.RunID, &rec.CheckpointID, &rec.Partial, &rec.DryRun, &state,
			&rec.Restored, &rec.Deleted, &rec.Conflicts, &backupID, &errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan rollback history: %w", err)
		}
		rec.State = models.RollbackState(state)
		rec.BackupCheckpointID = backupID.String
		rec.Error = errText.String
		rec.StartedAt = parseTimestamp(started)
		rec.FinishedAt = parseTimestamp(finished)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
