package models

import (
	"path"
	"path/filepath"
	"strings"
)

// MaxPathLength bounds manifest paths.
const MaxPathLength = 4096

// NormalizePath converts p into the manifest form: forward slashes, cleaned,
// relative, and free of parent references. Paths that cannot be normalized
// return a SecurityError.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", &SecurityError{Path: p, Reason: "empty path"}
	}
	if strings.ContainsRune(p, 0) {
		return "", &SecurityError{Path: p, Reason: "contains NUL byte"}
	}
	if len(p) > MaxPathLength {
		return "", &SecurityError{Path: p[:64] + "...", Reason: "path too long"}
	}

	slashed := filepath.ToSlash(p)
	if path.IsAbs(slashed) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", &SecurityError{Path: p, Reason: "absolute path"}
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", &SecurityError{Path: p, Reason: "parent directory reference"}
		}
	}

	cleaned := path.Clean(slashed)
	if cleaned == "." {
		return "", &SecurityError{Path: p, Reason: "refers to project root"}
	}
	return cleaned, nil
}

// IsNormalized reports whether p is already in manifest form.
func IsNormalized(p string) bool {
	n, err := NormalizePath(p)
	return err == nil && n == p
}

// PathWithin reports whether p equals dir or lies beneath it. Both arguments
// are manifest-form paths.
func PathWithin(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+"/")
}
