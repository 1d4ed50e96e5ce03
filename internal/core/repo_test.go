package core

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/rewind/internal/config"
	"github.com/kilupskalvis/rewind/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Emit(_ context.Context, e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) byType(t models.EventType) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeClock advances one second per reading so checkpoint order is stable.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestRepo(t *testing.T) (*Repo, *recordingSink) {
	t.Helper()

	root := t.TempDir()
	sink := &recordingSink{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	r, err := Init(root,
		WithSink(sink),
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, sink
}

func writeFiles(t *testing.T, r *Repo, files map[string]string) {
	t.Helper()
	for p, content := range files {
		abs := r.abs(p)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	}
}

func readFile(t *testing.T, r *Repo, path string) string {
	t.Helper()
	data, err := os.ReadFile(r.abs(path))
	require.NoError(t, err)
	return string(data)
}

func assertMissing(t *testing.T, r *Repo, path string) {
	t.Helper()
	_, err := os.Lstat(r.abs(path))
	assert.True(t, os.IsNotExist(err), "%s should not exist", path)
}

func checkpoint(t *testing.T, r *Repo, desc string) *models.Checkpoint {
	t.Helper()
	cp, err := r.CreateCheckpoint(context.Background(), CreateOptions{Description: desc})
	require.NoError(t, err)
	return cp
}

func blobFile(r *Repo, hash string) string {
	return filepath.Join(r.cfg.BlobsPath(), hash[:2], hash[2:])
}

func TestInit_CreatesLayout(t *testing.T) {
	r, _ := newTestRepo(t)

	for _, p := range []string{r.cfg.MetaPath(), r.cfg.BlobsPath(), r.cfg.UndoPath()} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	_, err := os.Stat(filepath.Join(r.cfg.MetaPath(), config.ConfigFile))
	assert.NoError(t, err)
}

func TestOpen_Uninitialized(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.Error(t, err)
}

func TestOpen_ReopensExistingProject(t *testing.T) {
	r, _ := newTestRepo(t)
	writeFiles(t, r, map[string]string{"main.go": "package main\n"})
	cp := checkpoint(t, r, "first")

	r2, err := Open(r.Root(), WithSink(&recordingSink{}))
	require.NoError(t, err)
	defer r2.Close()

	got, err := r2.GetCheckpoint(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.AggregateHash, got.AggregateHash)
}

func TestCheckPath(t *testing.T) {
	r, _ := newTestRepo(t)

	assert.NoError(t, r.checkPath("src/app.py"))

	for _, p := range []string{
		"../etc/passwd",
		"/etc/passwd",
		"src/../../x",
		"./src/app.py",
		".migration-backups/index.log",
		"",
	} {
		err := r.checkPath(p)
		assert.ErrorIs(t, err, models.ErrSecurity, "path %q", p)
	}
}

func TestCheckPath_SymlinkedParent(t *testing.T) {
	r, _ := newTestRepo(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, r.abs("link")))

	err := r.checkPath("link/file.txt")
	assert.ErrorIs(t, err, models.ErrSecurity)
}

// denyPrefix rejects every path under one top-level directory.
type denyPrefix string

func (d denyPrefix) Contains(_, candidate string) bool {
	return !models.PathWithin(candidate, string(d))
}

func TestWithSanitizer_RejectsRollback(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	writeFiles(t, r, map[string]string{"vendor/lib.go": "v1", "main.go": "m1"})
	cp := checkpoint(t, r, "")
	writeFiles(t, r, map[string]string{"vendor/lib.go": "v2", "main.go": "m2"})

	guarded, err := Open(r.Root(), WithSanitizer(denyPrefix("vendor")), WithSink(&recordingSink{}))
	require.NoError(t, err)
	defer guarded.Close()

	_, err = guarded.Rollback(ctx, RollbackOptions{CheckpointID: cp.ID})
	assert.ErrorIs(t, err, models.ErrSecurity)
	assert.Equal(t, "m2", readFile(t, r, "main.go"), "nothing is written after a rejection")
}
