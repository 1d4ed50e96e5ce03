package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// validHash matches a lowercase hex-encoded SHA256 hash (64 characters).
var validHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

const (
	tmpDir     = "tmp"
	tmpPattern = ".blob-*"
	blobPerm   = 0444
)

// FSStore implements BlobStore using the local filesystem.
// Blobs are stored in a two-level directory structure using the first two
// characters of the hash as a prefix directory. Writes are staged under
// tmp/ and renamed into place once complete.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed blob store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, tmpDir), 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Root returns the store directory.
func (s *FSStore) Root() string {
	return s.root
}

// Exists checks whether a blob exists.
func (s *FSStore) Exists(_ context.Context, hash string) (bool, error) {
	if !validHash.MatchString(hash) {
		return false, nil
	}
	_, err := os.Stat(s.blobPath(hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return true, nil
}

// Open opens a blob for reading.
func (s *FSStore) Open(_ context.Context, hash string) (io.ReadCloser, error) {
	if !validHash.MatchString(hash) {
		return nil, ErrBlobNotFound
	}
	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob %s: %w", hash, err)
	}
	return f, nil
}

// Get reads a whole blob into memory.
func (s *FSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	rc, err := s.Open(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return data, nil
}

// Put stores data and returns its hash.
func (s *FSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash, _, err := s.PutReader(ctx, bytes.NewReader(data))
	return hash, err
}

// PutReader streams r into a staging file while hashing it, then renames the
// file to its content address. Idempotent: if the blob exists the staged copy
// is discarded.
func (s *FSStore) PutReader(ctx context.Context, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), tmpPattern)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Hash data as we write
	hasher := sha256.New()
	writer := io.MultiWriter(tmpFile, hasher)

	size, err := io.Copy(writer, r)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("write blob data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("close temp file: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	blobPath := s.blobPath(hash)

	if _, err := os.Stat(blobPath); err == nil {
		os.Remove(tmpPath)
		return hash, size, nil // idempotent
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("create blob dir: %w", err)
	}

	if err := os.Chmod(tmpPath, blobPerm); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("chmod blob: %w", err)
	}

	// Atomic rename. Concurrent writers of the same content race harmlessly.
	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("rename blob: %w", err)
	}

	return hash, size, nil
}

// Verify re-reads a blob and checks its content against the hash.
func (s *FSStore) Verify(ctx context.Context, hash string) error {
	rc, err := s.Open(ctx, hash)
	if err != nil {
		return err
	}
	defer rc.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		return fmt.Errorf("read blob %s: %w", hash, err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != hash {
		return fmt.Errorf("expected %s, got %s: %w", hash, got, ErrHashMismatch)
	}
	return nil
}

// RemoveIfUnreferenced deletes a blob that no surviving checkpoint uses.
func (s *FSStore) RemoveIfUnreferenced(_ context.Context, hash string, referenced map[string]bool) (bool, int64, error) {
	if !validHash.MatchString(hash) || referenced[hash] {
		return false, 0, nil
	}
	p := s.blobPath(hash)
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return false, 0, fmt.Errorf("remove blob %s: %w", hash, err)
	}
	// Drop the shard directory once empty; failure just means it is not.
	os.Remove(filepath.Dir(p))
	return true, info.Size(), nil
}

// TotalCount returns the number of stored blobs by scanning the directory tree.
func (s *FSStore) TotalCount(ctx context.Context) (int, error) {
	hashes, err := s.ListHashes(ctx)
	return len(hashes), err
}

// ListHashes returns all blob hashes by scanning the directory tree.
func (s *FSStore) ListHashes(_ context.Context) ([]string, error) {
	var hashes []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.root && d.Name() == tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		// Reconstruct hash from path: root/ab/cd... -> abcd...
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) == 2 && validHash.MatchString(parts[0]+parts[1]) {
			hashes = append(hashes, parts[0]+parts[1])
		}
		return nil
	})

	return hashes, err
}

// SweepTemp removes staging files older than olderThan.
func (s *FSStore) SweepTemp(_ context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, tmpDir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, tmpDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// blobPath returns the filesystem path for a blob.
func (s *FSStore) blobPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash[2:])
}
