package models

import (
	"testing"
	"time"

	"github.com/oklog/ulid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextCheckpointID_Monotonic(t *testing.T) {
	now := time.Now()
	last := ""
	for i := 0; i < 1000; i++ {
		id, err := NextCheckpointID(now, last)
		require.NoError(t, err)
		if last != "" {
			assert.Greater(t, id, last)
		}
		last = id
	}
}

func TestNextCheckpointID_ClockBehindLast(t *testing.T) {
	future := time.Now().Add(time.Hour)
	last, err := NextCheckpointID(future, "")
	require.NoError(t, err)

	id, err := NextCheckpointID(time.Now(), last)
	require.NoError(t, err)
	assert.Greater(t, id, last)

	parsed, err := ulid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(future), parsed.Time())
}

func TestNextCheckpointID_InvalidLast(t *testing.T) {
	_, err := NextCheckpointID(time.Now(), "not-a-ulid")
	assert.Error(t, err)
}

func TestComputeAggregateHash_OrderIndependent(t *testing.T) {
	a := []FileManifestEntry{
		{Path: "a.py", Blob: BlobRef{Hash: HashBytes([]byte("1"))}},
		{Path: "b/c.py", Blob: BlobRef{Hash: HashBytes([]byte("2"))}},
	}
	b := []FileManifestEntry{a[1], a[0]}

	assert.Equal(t, ComputeAggregateHash(a), ComputeAggregateHash(b))
	assert.Len(t, ComputeAggregateHash(a), 64)
}

func TestComputeAggregateHash_DetectsChanges(t *testing.T) {
	base := []FileManifestEntry{
		{Path: "a.py", Blob: BlobRef{Hash: HashBytes([]byte("1"))}},
	}
	renamed := []FileManifestEntry{
		{Path: "b.py", Blob: BlobRef{Hash: HashBytes([]byte("1"))}},
	}
	edited := []FileManifestEntry{
		{Path: "a.py", Blob: BlobRef{Hash: HashBytes([]byte("2"))}},
	}

	assert.NotEqual(t, ComputeAggregateHash(base), ComputeAggregateHash(renamed))
	assert.NotEqual(t, ComputeAggregateHash(base), ComputeAggregateHash(edited))
}

func TestCheckpoint_Entry(t *testing.T) {
	cp := &Checkpoint{Manifest: []FileManifestEntry{
		{Path: "a.py"}, {Path: "b.py"}, {Path: "src/c.py"},
	}}

	e, ok := cp.Entry("b.py")
	assert.True(t, ok)
	assert.Equal(t, "b.py", e.Path)

	_, ok = cp.Entry("missing.py")
	assert.False(t, ok)
}
