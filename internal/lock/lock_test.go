package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_Exclusive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lock")

	held, err := Acquire(ctx, path, time.Second)
	require.NoError(t, err)

	_, err = Acquire(ctx, path, 0)
	assert.ErrorIs(t, err, ErrLocked)

	_, err = Acquire(ctx, path, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, held.Release())

	again, err := Acquire(ctx, path, time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lock")

	held, err := Acquire(ctx, path, time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		held.Release()
	}()

	next, err := Acquire(ctx, path, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, next.Release())
}

func TestAcquire_DifferentPathsIndependent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := Acquire(ctx, filepath.Join(dir, "a"), 0)
	require.NoError(t, err)
	defer a.Release()

	b, err := Acquire(ctx, filepath.Join(dir, "b"), 0)
	require.NoError(t, err)
	defer b.Release()
}

func TestAcquire_Cancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	held, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Acquire(ctx, path, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRelease_Nil(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
