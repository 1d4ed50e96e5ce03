package core

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kilupskalvis/rewind/internal/models"
)

// CleanupOptions selects which checkpoints survive a cleanup.
type CleanupOptions struct {
	// Keep is the number of most recent checkpoints always retained.
	Keep int
	// MaxAge, when set, spares checkpoints outside the kept window that are
	// younger than MaxAge.
	MaxAge time.Duration
}

// Cleanup tombstones checkpoints beyond the retention window and removes
// blobs that no surviving checkpoint references.
func (r *Repo) Cleanup(ctx context.Context, opts CleanupOptions) (*models.CleanupResult, error) {
	if opts.Keep < 0 {
		return nil, fmt.Errorf("keep must not be negative, got %d", opts.Keep)
	}

	result := &models.CleanupResult{}
	err := r.withLock(ctx, func() error {
		list, err := r.index.List(ctx)
		if err != nil {
			return err
		}

		now := r.now()
		for i, cp := range list {
			if i < opts.Keep {
				continue
			}
			if opts.MaxAge > 0 && now.Sub(cp.CreatedAt) < opts.MaxAge {
				continue
			}
			if err := r.deleteLocked(ctx, cp); err != nil {
				return err
			}
			result.Deleted = append(result.Deleted, cp.ID)
		}
		result.Kept = len(list) - len(result.Deleted)

		return r.collectGarbage(ctx, result)
	})

	r.emit(ctx, models.Event{Type: models.EventCheckpointCleanup, FileCount: len(result.Deleted)}, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// collectGarbage removes blobs not referenced by any surviving checkpoint
// and staging files left by interrupted writes. Reference counts are
// recomputed from the manifests rather than tracked incrementally. The
// caller holds the project lock, so no write can be in flight.
func (r *Repo) collectGarbage(ctx context.Context, result *models.CleanupResult) error {
	surviving, err := r.index.List(ctx)
	if err != nil {
		return err
	}

	referenced := make(map[string]bool)
	for _, cp := range surviving {
		for _, e := range cp.Manifest {
			referenced[e.Blob.Hash] = true
		}
	}

	allHashes, err := r.blobs.ListHashes(ctx)
	if err != nil {
		return fmt.Errorf("list blob hashes: %w", err)
	}
	result.BlobsScanned = len(allHashes)

	var errs *multierror.Error
	for _, hash := range allHashes {
		if err := ctx.Err(); err != nil {
			return err
		}
		removed, freed, err := r.blobs.RemoveIfUnreferenced(ctx, hash, referenced)
		if err != nil {
			r.logger.Warn("gc: failed to delete blob", "hash", hash, "error", err)
			errs = multierror.Append(errs, err)
			continue
		}
		if removed {
			result.BlobsRemoved++
			result.BytesFreed += freed
		}
	}

	tmp, err := r.blobs.SweepTemp(ctx, 0)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	result.TempRemoved = tmp

	remaining, err := r.blobs.TotalCount(ctx)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("count blobs: %w", err))
	}
	result.BlobsRemaining = remaining

	r.logger.Info("gc complete",
		"scanned", result.BlobsScanned,
		"referenced", len(referenced),
		"deleted", result.BlobsRemoved,
		"freed", result.BytesFreed,
		"remaining", result.BlobsRemaining,
	)

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("garbage collection: %w", err)
	}
	return nil
}
