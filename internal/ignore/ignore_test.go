package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Defaults(t *testing.T) {
	m, err := NewMatcher(t.TempDir(), nil)
	require.NoError(t, err)

	assert.True(t, m.Matches(".migration-backups"))
	assert.True(t, m.Matches(".migration-backups/index.log"))
	assert.True(t, m.Matches(".git/HEAD"))
	assert.False(t, m.Matches("src/main.py"))
}

func TestMatcher_ConfigPatterns(t *testing.T) {
	m, err := NewMatcher(t.TempDir(), []string{"*.pyc", "node_modules/"})
	require.NoError(t, err)

	assert.True(t, m.Matches("pkg/mod.pyc"))
	assert.True(t, m.Matches("node_modules/left-pad/index.js"))
	assert.False(t, m.Matches("pkg/mod.py"))
}

func TestMatcher_IgnoreFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".rewindignore"), []byte("build/\n*.log\n"), 0644))

	m, err := NewMatcher(root, nil)
	require.NoError(t, err)

	assert.True(t, m.Matches("build/out.bin"))
	assert.True(t, m.Matches("debug.log"))
	assert.True(t, m.Matches(".git/config"), "defaults still apply")
	assert.False(t, m.Matches("src/app.py"))
}

func TestMatcher_Nil(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Matches("anything"))
}

func TestReserved(t *testing.T) {
	assert.True(t, Reserved(".migration-backups"))
	assert.True(t, Reserved(".migration-backups/blobs/ab/cd"))
	assert.False(t, Reserved(".migration-backups-old/file"))
	assert.False(t, Reserved("src/.migration-backups"))
}
