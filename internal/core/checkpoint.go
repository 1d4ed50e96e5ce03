package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/kilupskalvis/rewind/internal/models"
)

// CreateOptions describes a checkpoint to create.
type CreateOptions struct {
	Description string
	Kind        models.CheckpointKind
	Tags        []string
}

// CreateCheckpoint snapshots the working tree. Blobs are written before the
// index record, so a failure or cancellation leaves no partial checkpoint.
func (r *Repo) CreateCheckpoint(ctx context.Context, opts CreateOptions) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	err := r.withLock(ctx, func() error {
		var err error
		cp, err = r.createLocked(ctx, opts)
		return err
	})

	r.emitCreate(ctx, cp, err)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// emitCreate reports a checkpoint creation, including the automatic backup
// taken before a rollback.
func (r *Repo) emitCreate(ctx context.Context, cp *models.Checkpoint, err error) {
	e := models.Event{Type: models.EventCheckpointCreate}
	if cp != nil {
		e.CheckpointID = cp.ID
		e.FileCount = cp.FileCount
	}
	r.emit(ctx, e, err)
}

func (r *Repo) createLocked(ctx context.Context, opts CreateOptions) (*models.Checkpoint, error) {
	kind := opts.Kind
	if kind == "" {
		kind = models.KindManual
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid checkpoint kind %q", kind)
	}

	files, err := r.walkTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan working tree: %w", err)
	}

	entries, err := r.snapshotFiles(ctx, files)
	if err != nil {
		return nil, fmt.Errorf("store file contents: %w", err)
	}

	parent, err := r.index.Latest(ctx)
	if err != nil {
		return nil, err
	}

	cp := &models.Checkpoint{
		Description: strings.TrimSpace(opts.Description),
		Kind:        kind,
		Tags:        normalizeTags(opts.Tags),
		CreatedAt:   r.now().UTC(),
		Manifest:    entries,
	}
	if parent != nil {
		cp.ParentID = parent.ID
	}

	if _, err := r.index.Append(ctx, cp); err != nil {
		return nil, fmt.Errorf("append checkpoint: %w", err)
	}

	r.logger.Info("checkpoint created",
		"id", cp.ID,
		"kind", cp.Kind,
		"files", cp.FileCount,
		"bytes", cp.TotalSize,
	)
	return cp, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// ListCheckpoints returns surviving checkpoints, newest first. A limit of
// zero or less returns all of them.
func (r *Repo) ListCheckpoints(ctx context.Context, limit int) ([]*models.Checkpoint, error) {
	var list []*models.Checkpoint
	err := r.withLock(ctx, func() error {
		var err error
		list, err = r.index.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// GetCheckpoint resolves a full ID or unique prefix.
func (r *Repo) GetCheckpoint(ctx context.Context, ref string) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	err := r.withLock(ctx, func() error {
		var err error
		cp, err = r.index.Resolve(ctx, ref)
		return err
	})
	return cp, err
}

// DeleteCheckpoint tombstones one checkpoint and removes blobs no surviving
// checkpoint references.
func (r *Repo) DeleteCheckpoint(ctx context.Context, ref string) (*models.CleanupResult, error) {
	result := &models.CleanupResult{}
	var id string

	err := r.withLock(ctx, func() error {
		cp, err := r.index.Resolve(ctx, ref)
		if err != nil {
			return err
		}
		id = cp.ID
		if err := r.deleteLocked(ctx, cp); err != nil {
			return err
		}
		result.Deleted = append(result.Deleted, cp.ID)
		return r.collectGarbage(ctx, result)
	})

	r.emit(ctx, models.Event{Type: models.EventCheckpointDelete, CheckpointID: id}, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Repo) deleteLocked(ctx context.Context, cp *models.Checkpoint) error {
	if err := r.index.MarkDeleted(ctx, cp.ID); err != nil {
		return err
	}
	if err := r.state.DeleteRestoreState(cp.ID); err != nil {
		return err
	}
	r.logger.Info("checkpoint deleted", "id", cp.ID)
	return nil
}

// CompareCheckpoints reports how the manifest of b differs from a.
func (r *Repo) CompareCheckpoints(ctx context.Context, refA, refB string) (*models.CheckpointDiff, error) {
	var a, b *models.Checkpoint
	err := r.withLock(ctx, func() error {
		var err error
		if a, err = r.index.Resolve(ctx, refA); err != nil {
			return err
		}
		b, err = r.index.Resolve(ctx, refB)
		return err
	})
	if err != nil {
		return nil, err
	}
	return diffManifests(a, b), nil
}

// diffManifests walks two sorted manifests in step.
func diffManifests(a, b *models.Checkpoint) *models.CheckpointDiff {
	d := &models.CheckpointDiff{From: a.ID, To: b.ID}

	i, j := 0, 0
	for i < len(a.Manifest) || j < len(b.Manifest) {
		switch {
		case j >= len(b.Manifest) || (i < len(a.Manifest) && a.Manifest[i].Path < b.Manifest[j].Path):
			d.Removed = append(d.Removed, a.Manifest[i].Path)
			i++
		case i >= len(a.Manifest) || b.Manifest[j].Path < a.Manifest[i].Path:
			d.Added = append(d.Added, b.Manifest[j].Path)
			j++
		default:
			ea, eb := a.Manifest[i], b.Manifest[j]
			if ea.Blob.Hash != eb.Blob.Hash || ea.Blob.Mode != eb.Blob.Mode {
				d.Modified = append(d.Modified, ea.Path)
			} else {
				d.Unchanged++
			}
			i++
			j++
		}
	}
	return d
}
