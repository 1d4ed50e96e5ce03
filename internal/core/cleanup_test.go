package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/rewind/internal/models"
)

func TestCleanup_KeepsNewestAndLeavesNoOrphans(t *testing.T) {
	r, sink := newTestRepo(t)
	ctx := context.Background()

	writeFiles(t, r, map[string]string{"stable.txt": "never changes"})
	var ids []string
	for i := 0; i < 10; i++ {
		writeFiles(t, r, map[string]string{"version.txt": fmt.Sprintf("v%d", i)})
		ids = append(ids, checkpoint(t, r, fmt.Sprintf("cp %d", i)).ID)
	}

	res, err := r.Cleanup(ctx, CleanupOptions{Keep: 3})
	require.NoError(t, err)
	assert.Len(t, res.Deleted, 7)
	assert.Equal(t, 3, res.Kept)
	assert.Equal(t, 7, res.BlobsRemoved)

	list, err := r.ListCheckpoints(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[9], ids[8], ids[7]}, []string{list[0].ID, list[1].ID, list[2].ID})

	referenced := make(map[string]bool)
	for _, cp := range list {
		for _, e := range cp.Manifest {
			referenced[e.Blob.Hash] = true
			exists, err := r.blobs.Exists(ctx, e.Blob.Hash)
			require.NoError(t, err)
			assert.True(t, exists, "surviving checkpoint lost blob for %s", e.Path)
		}
	}

	hashes, err := r.blobs.ListHashes(ctx)
	require.NoError(t, err)
	for _, h := range hashes {
		assert.True(t, referenced[h], "orphan blob %s", h)
	}

	// Surviving checkpoints still verify and restore.
	for _, cp := range list {
		report, err := r.Verify(ctx, cp.ID, true)
		require.NoError(t, err)
		assert.True(t, report.Valid)
	}
	rollback(t, r, RollbackOptions{CheckpointID: ids[7]})
	assert.Equal(t, "v7", readFile(t, r, "version.txt"))

	events := sink.byType(models.EventCheckpointCleanup)
	require.Len(t, events, 1)
	assert.Equal(t, 7, events[0].FileCount)
}

func TestCleanup_NothingToDelete(t *testing.T) {
	r, _ := newTestRepo(t)
	writeFiles(t, r, map[string]string{"a.txt": "a"})
	checkpoint(t, r, "")

	res, err := r.Cleanup(context.Background(), CleanupOptions{Keep: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)
	assert.Equal(t, 1, res.Kept)
	assert.Zero(t, res.BlobsRemoved)
	assert.Equal(t, 1, res.BlobsRemaining)
}

func TestCleanup_KeepZeroDeletesEverything(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	writeFiles(t, r, map[string]string{"a.txt": "a"})
	checkpoint(t, r, "")
	checkpoint(t, r, "")

	res, err := r.Cleanup(ctx, CleanupOptions{Keep: 0})
	require.NoError(t, err)
	assert.Len(t, res.Deleted, 2)

	n, err := r.blobs.TotalCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, res.BlobsRemaining)
}

func TestCleanup_NegativeKeep(t *testing.T) {
	r, _ := newTestRepo(t)
	_, err := r.Cleanup(context.Background(), CleanupOptions{Keep: -1})
	assert.Error(t, err)
}

func TestCleanup_MaxAgeSparesRecent(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		writeFiles(t, r, map[string]string{"f.txt": fmt.Sprintf("%d", i)})
		checkpoint(t, r, "")
	}

	// The fake clock advances one second per reading, so every checkpoint
	// is younger than an hour.
	res, err := r.Cleanup(ctx, CleanupOptions{Keep: 1, MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)

	res, err = r.Cleanup(ctx, CleanupOptions{Keep: 1, MaxAge: time.Nanosecond})
	require.NoError(t, err)
	assert.Len(t, res.Deleted, 4)
}

func TestCleanup_SweepsStagingFiles(t *testing.T) {
	r, _ := newTestRepo(t)
	tmpDir := filepath.Join(r.cfg.BlobsPath(), "tmp")
	require.NoError(t, os.MkdirAll(tmpDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "blob-123"), []byte("partial"), 0644))

	res, err := r.Cleanup(context.Background(), CleanupOptions{Keep: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TempRemoved)

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
