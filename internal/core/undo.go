package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/kilupskalvis/rewind/internal/models"
)

const journalFile = "journal.jsonl"

// undoEntry is the pre-rollback state of one path.
type undoEntry struct {
	Path        string      `json:"path"`
	Existed     bool        `json:"existed"`
	Mode        fs.FileMode `json:"mode,omitempty"`
	Backup      string      `json:"backup,omitempty"`
	Symlink     string      `json:"symlink,omitempty"`
	Dir         bool        `json:"dir,omitempty"`
	CreatedDirs []string    `json:"created_dirs,omitempty"`
}

// undoLog stages the bytes of every path a rollback is about to touch.
// Each entry is durable before the mutation it covers, so a crash at any
// point can be rolled back from the journal.
type undoLog struct {
	dir     string
	root    string
	journal *os.File
	entries []undoEntry
}

func newUndoLog(base, runID, root string) (*undoLog, error) {
	dir := filepath.Join(base, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &models.IOError{Op: "create undo dir", Path: dir, Err: err}
	}
	j, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &models.IOError{Op: "create undo journal", Path: dir, Err: err}
	}
	return &undoLog{dir: dir, root: root, journal: j}, nil
}

// loadUndoLog reads a journal left behind by an interrupted rollback.
func loadUndoLog(dir, root string) (*undoLog, error) {
	data, err := os.ReadFile(filepath.Join(dir, journalFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, &models.IOError{Op: "read undo journal", Path: dir, Err: err}
	}

	u := &undoLog{dir: dir, root: root}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e undoEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// Torn final entry: its mutation never started.
			break
		}
		u.entries = append(u.entries, e)
	}
	return u, nil
}

// record captures the current state of path before it is modified. An empty
// directory tree is journaled one directory per entry, deepest first.
func (u *undoLog) record(path string) error {
	abs := filepath.Join(u.root, filepath.FromSlash(path))
	entry := undoEntry{Path: path}

	info, err := os.Lstat(abs)
	switch {
	case isMissing(err):
		entry.CreatedDirs = missingParents(u.root, path)
	case err != nil:
		return &models.IOError{Op: "stat", Path: path, Err: err}
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(abs)
		if err != nil {
			return &models.IOError{Op: "readlink", Path: path, Err: err}
		}
		entry.Existed = true
		entry.Symlink = target
	case info.Mode().IsRegular():
		entry.Existed = true
		entry.Mode = info.Mode().Perm()
		entry.Backup = strconv.Itoa(len(u.entries))
		if err := copyFileSync(abs, filepath.Join(u.dir, entry.Backup), 0600); err != nil {
			return &models.IOError{Op: "stage undo copy", Path: path, Err: err}
		}
	case info.IsDir():
		dirs, err := emptyDirTree(abs)
		if err != nil {
			return &models.IOError{Op: "replace directory", Path: path, Err: err}
		}
		for _, d := range dirs {
			rel, err := filepath.Rel(u.root, d.path)
			if err != nil {
				return err
			}
			if err := u.appendEntry(undoEntry{Path: filepath.ToSlash(rel), Existed: true, Dir: true, Mode: d.mode}); err != nil {
				return err
			}
		}
		return nil
	default:
		return &models.IOError{Op: "replace", Path: path, Err: fmt.Errorf("not a regular file (%s)", info.Mode().Type())}
	}

	return u.appendEntry(entry)
}

// appendEntry makes entry durable in the journal.
func (u *undoLog) appendEntry(entry undoEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal undo entry: %w", err)
	}
	if _, err := u.journal.Write(append(line, '\n')); err != nil {
		return &models.IOError{Op: "write undo journal", Path: u.dir, Err: err}
	}
	if err := u.journal.Sync(); err != nil {
		return &models.IOError{Op: "sync undo journal", Path: u.dir, Err: err}
	}

	u.entries = append(u.entries, entry)
	return nil
}

// replay restores every recorded path, newest first. All entries are
// attempted; failures are aggregated.
func (u *undoLog) replay() error {
	var errs *multierror.Error
	for i := len(u.entries) - 1; i >= 0; i-- {
		if err := u.restore(u.entries[i]); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("undo %s: %w", u.entries[i].Path, err))
		}
	}
	return errs.ErrorOrNil()
}

func (u *undoLog) restore(e undoEntry) error {
	abs := filepath.Join(u.root, filepath.FromSlash(e.Path))

	switch {
	case !e.Existed:
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		// Deepest first; a non-empty directory is left in place.
		dirs := append([]string(nil), e.CreatedDirs...)
		sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
		for _, d := range dirs {
			os.Remove(filepath.Join(u.root, filepath.FromSlash(d)))
		}
		return nil

	case e.Dir:
		if info, err := os.Lstat(abs); err == nil && !info.IsDir() {
			if err := os.Remove(abs); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return err
		}
		return os.Chmod(abs, e.Mode)

	case e.Symlink != "":
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.Symlink(e.Symlink, abs)

	default:
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(filepath.Dir(abs), ".rewind-undo-*")
		if err != nil {
			return err
		}
		tmpPath := tmp.Name()
		tmp.Close()
		if err := copyFileSync(filepath.Join(u.dir, e.Backup), tmpPath, e.Mode); err != nil {
			os.Remove(tmpPath)
			return err
		}
		if err := os.Rename(tmpPath, abs); err != nil {
			os.Remove(tmpPath)
			return err
		}
		return nil
	}
}

// close releases the journal handle.
func (u *undoLog) close() {
	if u.journal != nil {
		u.journal.Close()
		u.journal = nil
	}
}

// discard removes the staged state after a commit or a completed replay.
func (u *undoLog) discard() error {
	u.close()
	if err := os.RemoveAll(u.dir); err != nil {
		return &models.IOError{Op: "remove undo dir", Path: u.dir, Err: err}
	}
	return nil
}

type dirInfo struct {
	path string
	mode fs.FileMode
}

// emptyDirTree lists abs and every directory below it, deepest first. It
// fails if the tree holds anything but directories.
func emptyDirTree(abs string) ([]dirInfo, error) {
	var dirs []dirInfo
	err := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return fmt.Errorf("directory is not empty: %s", p)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		dirs = append(dirs, dirInfo{path: p, mode: info.Mode().Perm()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	// WalkDir visits parents before children.
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}
	return dirs, nil
}

// removeDirTree removes an empty directory tree at abs. Anything other than
// a directory at abs is left alone.
func removeDirTree(abs string) error {
	info, err := os.Lstat(abs)
	if err != nil || !info.IsDir() {
		return nil
	}
	dirs, err := emptyDirTree(abs)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := os.Remove(d.path); err != nil {
			return err
		}
	}
	return nil
}

// missingParents lists the ancestors of path that do not exist yet, in
// manifest form.
func missingParents(root, path string) []string {
	var dirs []string
	for dir := filepath.ToSlash(filepath.Dir(filepath.FromSlash(path))); dir != "." && dir != "/"; dir = filepath.ToSlash(filepath.Dir(filepath.FromSlash(dir))) {
		if _, err := os.Lstat(filepath.Join(root, filepath.FromSlash(dir))); err == nil {
			break
		}
		dirs = append(dirs, dir)
	}
	return dirs
}

// copyFileSync copies src to dst, truncating dst, and fsyncs it.
func copyFileSync(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Chmod(perm); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RecoverInterrupted replays undo journals left by rollbacks that did not
// finish, returning the tree to its pre-rollback bytes. It returns the
// number of rollbacks recovered.
func (r *Repo) RecoverInterrupted(ctx context.Context) (int, error) {
	var n int
	err := r.withLock(ctx, func() error {
		var err error
		n, err = r.recoverLocked()
		return err
	})
	return n, err
}

func (r *Repo) recoverLocked() (int, error) {
	entries, err := os.ReadDir(r.cfg.UndoPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, &models.IOError{Op: "read undo dir", Path: r.cfg.UndoPath(), Err: err}
	}

	committed, err := r.state.CommittedRun()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		u, err := loadUndoLog(filepath.Join(r.cfg.UndoPath(), e.Name()), r.root)
		if err != nil {
			return recovered, err
		}
		if e.Name() == committed {
			// The rollback committed; only the journal cleanup was lost.
			if err := u.discard(); err != nil {
				return recovered, err
			}
			r.logger.Info("discarded journal of committed rollback", "run", e.Name())
			continue
		}
		if err := u.replay(); err != nil {
			return recovered, fmt.Errorf("recover interrupted rollback %s: %w", e.Name(), err)
		}
		if err := u.discard(); err != nil {
			return recovered, err
		}
		r.logger.Warn("recovered interrupted rollback", "run", e.Name(), "paths", len(u.entries))
		recovered++
	}
	return recovered, nil
}
