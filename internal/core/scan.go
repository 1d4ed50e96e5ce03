package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/rewind/internal/ignore"
	"github.com/kilupskalvis/rewind/internal/models"
)

// treeFile is a regular file found in the working tree.
type treeFile struct {
	path string // manifest form
	info fs.FileInfo
}

// walkTree lists the regular, non-ignored files under the root, sorted by
// path. Symlinks and special files are skipped.
func (r *Repo) walkTree(ctx context.Context) ([]treeFile, error) {
	var files []treeFile

	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return &models.IOError{Op: "walk", Path: p, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == r.root {
			return nil
		}

		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if ignore.Reserved(rel) || r.ignore.Matches(rel) || r.ignore.Matches(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if r.ignore.Matches(rel) {
			return nil
		}
		if !d.Type().IsRegular() {
			r.logger.Debug("skipping non-regular file", "path", rel, "type", d.Type().String())
			return nil
		}
		if _, err := models.NormalizePath(rel); err != nil {
			r.logger.Warn("skipping unrepresentable path", "path", rel, "error", err)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return &models.IOError{Op: "stat", Path: rel, Err: err}
		}
		files = append(files, treeFile{path: rel, info: info})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

// snapshotFiles streams every file into the blob store using a bounded
// worker pool and returns the manifest in input order.
func (r *Repo) snapshotFiles(ctx context.Context, files []treeFile) ([]models.FileManifestEntry, error) {
	entries := make([]models.FileManifestEntry, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers())

	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			ref, err := r.storeFile(gctx, f)
			if err != nil {
				return err
			}
			entries[i] = models.FileManifestEntry{Path: f.path, Blob: ref}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repo) storeFile(ctx context.Context, f treeFile) (models.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return models.BlobRef{}, err
	}
	if r.beforeRead != nil {
		r.beforeRead(f.path)
	}

	fh, err := os.Open(r.abs(f.path))
	if err != nil {
		return models.BlobRef{}, &models.IOError{Op: "open", Path: f.path, Err: err}
	}
	defer fh.Close()

	hash, size, err := r.blobs.PutReader(ctx, fh)
	if err != nil {
		return models.BlobRef{}, &models.IOError{Op: "store", Path: f.path, Err: err}
	}
	return models.BlobRef{Hash: hash, Size: size, Mode: f.info.Mode().Perm()}, nil
}

// observe returns the current state of each path, hashing in parallel.
// Missing paths are absent from the result. Non-regular files are reported
// with an empty hash so they never compare equal to checkpoint content.
func (r *Repo) observe(ctx context.Context, paths []string) (map[string]*models.FileState, error) {
	states := make([]*models.FileState, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers())

	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			st, err := r.observePath(p)
			if err != nil {
				return err
			}
			states[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*models.FileState, len(paths))
	for i, p := range paths {
		if states[i] != nil {
			out[p] = states[i]
		}
	}
	return out, nil
}

// observePath stats and hashes a single working-tree path.
func (r *Repo) observePath(path string) (*models.FileState, error) {
	abs := r.abs(path)
	info, err := os.Lstat(abs)
	if isMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.IOError{Op: "stat", Path: path, Err: err}
	}

	st := &models.FileState{Size: info.Size(), Mode: info.Mode(), ModTime: info.ModTime()}
	if !info.Mode().IsRegular() {
		return st, nil
	}
	st.Mode = info.Mode().Perm()

	hash, err := hashFile(abs)
	if err != nil {
		return nil, &models.IOError{Op: "hash", Path: path, Err: err}
	}
	st.Hash = hash
	return st, nil
}

// isMissing reports whether err means nothing exists at a path, including
// when an ancestor is a file rather than a directory.
func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// hashFile returns the SHA-256 of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
