// Package pathsafe checks that paths stay inside a project root before the
// engine writes to them.
package pathsafe

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/rewind/internal/models"
)

// Sanitizer decides whether candidate may be written under root.
// candidate may be absolute or relative to root.
type Sanitizer interface {
	Contains(root, candidate string) bool
}

// Containment is the default sanitizer. It rejects NUL bytes and over-long
// paths, resolves the candidate against root, and follows symlinks on the
// deepest existing ancestor so a linked directory cannot redirect writes
// outside the root.
type Containment struct{}

// Contains implements Sanitizer.
func (Containment) Contains(root, candidate string) bool {
	if candidate == "" || strings.ContainsRune(candidate, 0) || len(candidate) > models.MaxPathLength {
		return false
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	target := candidate
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, filepath.FromSlash(target))
	}
	target = filepath.Clean(target)

	if !within(absRoot, target) {
		return false
	}

	resolved, err := resolveExisting(target)
	if err != nil {
		return false
	}
	return within(absRoot, resolved)
}

// resolveExisting resolves symlinks on the longest existing prefix of p and
// re-attaches the missing tail. The final element itself is not followed:
// writes replace it by rename rather than writing through it.
func resolveExisting(p string) (string, error) {
	dir, base := filepath.Split(p)
	dir = filepath.Clean(dir)

	var tail []string
	for {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	parts := append([]string{resolved}, tail...)
	return filepath.Join(append(parts, base)...), nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
