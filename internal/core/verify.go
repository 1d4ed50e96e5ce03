package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kilupskalvis/rewind/internal/blobstore"
	"github.com/kilupskalvis/rewind/internal/models"
)

type blobStatus int

const (
	blobOK blobStatus = iota + 1
	blobMissing
	blobCorrupted
)

// Verifier checks checkpoints against the blob store. It never mutates.
type Verifier struct {
	blobs blobstore.BlobStore
}

// NewVerifier creates a verifier reading from blobs.
func NewVerifier(blobs blobstore.BlobStore) *Verifier {
	return &Verifier{blobs: blobs}
}

// Verify confirms every referenced blob exists and that the manifest still
// matches its aggregate hash. In deep mode each blob is also re-hashed.
func (v *Verifier) Verify(ctx context.Context, cp *models.Checkpoint, deep bool) (*models.VerificationReport, error) {
	report := &models.VerificationReport{
		CheckpointID:      cp.ID,
		Deep:              deep,
		ExpectedAggregate: cp.AggregateHash,
	}

	// Status per hash, so shared blobs are read once.
	status := make(map[string]blobStatus)

	for _, e := range cp.Manifest {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Checked++

		s, seen := status[e.Blob.Hash]
		if !seen {
			var err error
			s, err = v.check(ctx, e.Blob.Hash, deep)
			if err != nil {
				return nil, fmt.Errorf("verify %s: %w", e.Path, err)
			}
			status[e.Blob.Hash] = s
			if s == blobMissing {
				report.MissingBlobs = append(report.MissingBlobs, e.Blob.Hash)
			}
		}
		if s == blobCorrupted {
			report.CorruptedPaths = append(report.CorruptedPaths, e.Path)
		}
	}

	report.ActualAggregate = models.ComputeAggregateHash(cp.Manifest)
	report.AggregateValid = report.ActualAggregate == report.ExpectedAggregate
	report.Finalize()
	return report, nil
}

// check returns the verification status of one blob.
func (v *Verifier) check(ctx context.Context, hash string, deep bool) (blobStatus, error) {
	if !deep {
		exists, err := v.blobs.Exists(ctx, hash)
		if err != nil {
			return 0, err
		}
		if !exists {
			return blobMissing, nil
		}
		return blobOK, nil
	}

	err := v.blobs.Verify(ctx, hash)
	switch {
	case err == nil:
		return blobOK, nil
	case errors.Is(err, blobstore.ErrBlobNotFound):
		return blobMissing, nil
	case errors.Is(err, blobstore.ErrHashMismatch):
		return blobCorrupted, nil
	default:
		return 0, err
	}
}

// asError converts a failed report into an IntegrityError naming the first
// offending path.
func asError(cp *models.Checkpoint, report *models.VerificationReport) error {
	if report.Valid {
		return nil
	}
	ie := &models.IntegrityError{CheckpointID: cp.ID}
	var reasons []string
	if len(report.CorruptedPaths) > 0 {
		ie.Path = report.CorruptedPaths[0]
		reasons = append(reasons, fmt.Sprintf("%d corrupted file(s)", len(report.CorruptedPaths)))
	}
	if len(report.MissingBlobs) > 0 {
		ie.Hash = report.MissingBlobs[0]
		if ie.Path == "" {
			for _, e := range cp.Manifest {
				if e.Blob.Hash == ie.Hash {
					ie.Path = e.Path
					break
				}
			}
		}
		reasons = append(reasons, fmt.Sprintf("%d missing blob(s)", len(report.MissingBlobs)))
	}
	if !report.AggregateValid {
		reasons = append(reasons, "manifest does not match aggregate hash")
	}
	ie.Reason = strings.Join(reasons, "; ")
	return ie
}

// Verify checks one checkpoint. The report is returned even when the
// checkpoint is invalid; the error is reserved for failures to verify.
func (r *Repo) Verify(ctx context.Context, ref string, deep bool) (*models.VerificationReport, error) {
	var (
		cp     *models.Checkpoint
		report *models.VerificationReport
	)
	err := r.withLock(ctx, func() error {
		var err error
		if cp, err = r.index.Resolve(ctx, ref); err != nil {
			return err
		}
		report, err = r.verifier.Verify(ctx, cp, deep)
		return err
	})

	e := models.Event{Type: models.EventCheckpointVerify, CheckpointID: ref}
	evErr := err
	if report != nil {
		e.CheckpointID = report.CheckpointID
		e.FileCount = report.Checked
		if evErr == nil {
			evErr = asError(cp, report)
		}
	}
	r.emit(ctx, e, evErr)

	if err != nil {
		return nil, err
	}
	return report, nil
}

// VerifyAll checks every surviving checkpoint, newest first.
func (r *Repo) VerifyAll(ctx context.Context, deep bool) ([]*models.VerificationReport, error) {
	var reports []*models.VerificationReport
	err := r.withLock(ctx, func() error {
		list, err := r.index.List(ctx)
		if err != nil {
			return err
		}
		for _, cp := range list {
			report, err := r.verifier.Verify(ctx, cp, deep)
			if err != nil {
				return err
			}
			var evErr error
			if !report.Valid {
				evErr = asError(cp, report)
			}
			r.emit(ctx, models.Event{Type: models.EventCheckpointVerify, CheckpointID: cp.ID, FileCount: report.Checked}, evErr)
			reports = append(reports, report)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}
