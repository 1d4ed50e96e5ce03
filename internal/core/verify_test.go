package core

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/rewind/internal/models"
)

func TestVerify_Valid(t *testing.T) {
	r, sink := newTestRepo(t)
	ctx := context.Background()
	writeFiles(t, r, map[string]string{"a.txt": "a", "b.txt": "a", "c.txt": "c"})
	cp := checkpoint(t, r, "")

	for _, deep := range []bool{false, true} {
		report, err := r.Verify(ctx, cp.ShortID(), deep)
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.True(t, report.AggregateValid)
		assert.Equal(t, deep, report.Deep)
		assert.Equal(t, 3, report.Checked)
		assert.Empty(t, report.MissingBlobs)
		assert.Empty(t, report.CorruptedPaths)
	}

	events := sink.byType(models.EventCheckpointVerify)
	require.Len(t, events, 2)
	assert.Equal(t, models.OutcomeSuccess, events[0].Outcome)
}

func TestVerify_CorruptedBlobNeedsDeepMode(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	writeFiles(t, r, map[string]string{"a.txt": "shared", "b.txt": "shared", "c.txt": "fine"})
	cp := checkpoint(t, r, "")

	e, _ := cp.Entry("a.txt")
	p := blobFile(r, e.Blob.Hash)
	require.NoError(t, os.Chmod(p, 0644))
	require.NoError(t, os.WriteFile(p, []byte("tampered"), 0644))

	shallow, err := r.Verify(ctx, cp.ID, false)
	require.NoError(t, err)
	assert.True(t, shallow.Valid)

	deep, err := r.Verify(ctx, cp.ID, true)
	require.NoError(t, err)
	assert.False(t, deep.Valid)
	assert.Equal(t, []string{"a.txt", "b.txt"}, deep.CorruptedPaths)

	ierr := asError(cp, deep)
	var ie *models.IntegrityError
	require.True(t, errors.As(ierr, &ie))
	assert.Equal(t, "a.txt", ie.Path)
}

func TestVerify_MissingBlob(t *testing.T) {
	r, sink := newTestRepo(t)
	ctx := context.Background()
	writeFiles(t, r, map[string]string{"a.txt": "a", "b.txt": "b"})
	cp := checkpoint(t, r, "")

	e, _ := cp.Entry("b.txt")
	require.NoError(t, os.Remove(blobFile(r, e.Blob.Hash)))

	report, err := r.Verify(ctx, cp.ID, false)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, []string{e.Blob.Hash}, report.MissingBlobs)

	ierr := asError(cp, report)
	assert.ErrorIs(t, ierr, models.ErrIntegrity)
	var ie *models.IntegrityError
	require.True(t, errors.As(ierr, &ie))
	assert.Equal(t, "b.txt", ie.Path)

	events := sink.byType(models.EventCheckpointVerify)
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeFailure, events[0].Outcome)
}

func TestVerify_AggregateMismatch(t *testing.T) {
	r, _ := newTestRepo(t)
	writeFiles(t, r, map[string]string{"a.txt": "a"})
	cp := checkpoint(t, r, "")

	tampered := *cp
	tampered.AggregateHash = models.HashBytes([]byte("something else"))

	report, err := r.verifier.Verify(context.Background(), &tampered, false)
	require.NoError(t, err)
	assert.False(t, report.AggregateValid)
	assert.False(t, report.Valid)
}

func TestVerify_NotFound(t *testing.T) {
	r, _ := newTestRepo(t)
	_, err := r.Verify(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV", false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestVerifyAll(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	writeFiles(t, r, map[string]string{"a.txt": "a"})
	good := checkpoint(t, r, "")
	writeFiles(t, r, map[string]string{"a.txt": "b"})
	bad := checkpoint(t, r, "")

	e, _ := bad.Entry("a.txt")
	require.NoError(t, os.Remove(blobFile(r, e.Blob.Hash)))

	reports, err := r.VerifyAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byID := map[string]bool{}
	for _, rep := range reports {
		byID[rep.CheckpointID] = rep.Valid
	}
	assert.True(t, byID[good.ID])
	assert.False(t, byID[bad.ID])
}
