package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/kilupskalvis/rewind/internal/blobstore"
	"github.com/kilupskalvis/rewind/internal/models"
)

// RollbackOptions describes a plan-and-apply rollback.
type RollbackOptions struct {
	CheckpointID string
	// Targets restricts the rollback to these paths or directories. Empty
	// means a full rollback.
	Targets   []string
	DryRun    bool
	Conflicts models.ConflictPolicy
	Diff      bool
}

// ApplyOptions controls how a computed plan is applied.
type ApplyOptions struct {
	Conflicts models.ConflictPolicy
}

// rollbackRun tracks one invocation through the rollback state machine.
type rollbackRun struct {
	id      string
	state   models.RollbackState
	started time.Time
	logger  *slog.Logger
}

func (r *Repo) newRun() *rollbackRun {
	id := uuid.NewString()
	return &rollbackRun{
		id:      id,
		state:   models.StateRequested,
		started: r.now().UTC(),
		logger:  r.logger.With("run", id),
	}
}

func (run *rollbackRun) to(next models.RollbackState) {
	if !run.state.CanTransition(next) {
		panic(fmt.Sprintf("invalid rollback transition %s -> %s", run.state, next))
	}
	run.logger.Debug("rollback state", "from", run.state, "to", next)
	run.state = next
}

// PlanRollback computes what restoring a checkpoint would change. Nothing is
// written.
func (r *Repo) PlanRollback(ctx context.Context, ref string, targets []string) (*models.RollbackPlan, error) {
	var plan *models.RollbackPlan
	err := r.withLock(ctx, func() error {
		var err error
		plan, err = r.planLocked(ctx, ref, targets)
		return err
	})
	return plan, err
}

// ApplyRollback applies a plan computed by PlanRollback. The plan is
// re-validated against the working tree first; if anything changed since it
// was computed the apply fails with a ConflictError before any write.
func (r *Repo) ApplyRollback(ctx context.Context, plan *models.RollbackPlan, opts ApplyOptions) (*models.RollbackResult, error) {
	if plan == nil || plan.Checkpoint == nil {
		return nil, fmt.Errorf("apply rollback: plan has no checkpoint")
	}

	run := r.newRun()
	var result *models.RollbackResult
	err := r.withLock(ctx, func() error {
		run.to(models.StatePlanning)
		var err error
		result, err = r.applyLocked(ctx, run, plan, opts.Conflicts, true)
		return err
	})
	return r.finishRun(ctx, run, plan, result, err)
}

// Rollback plans and then previews or applies under a single lock hold.
func (r *Repo) Rollback(ctx context.Context, opts RollbackOptions) (*models.RollbackResult, error) {
	run := r.newRun()
	var (
		plan   *models.RollbackPlan
		result *models.RollbackResult
	)
	err := r.withLock(ctx, func() error {
		run.to(models.StatePlanning)
		var err error
		plan, err = r.planLocked(ctx, opts.CheckpointID, opts.Targets)
		if err != nil {
			return err
		}

		if opts.DryRun {
			preview, err := r.previewLocked(ctx, plan, PreviewOptions{Diff: opts.Diff})
			if err != nil {
				return err
			}
			run.to(models.StatePreviewed)
			result = &models.RollbackResult{DryRun: true, Preview: preview}
			return nil
		}

		result, err = r.applyLocked(ctx, run, plan, opts.Conflicts, false)
		return err
	})
	return r.finishRun(ctx, run, plan, result, err)
}

// History returns recorded rollback runs, newest first.
func (r *Repo) History(ctx context.Context, limit int) ([]*models.RollbackRecord, error) {
	var records []*models.RollbackRecord
	err := r.withLock(ctx, func() error {
		var err error
		records, err = r.state.ListRollbacks(limit)
		return err
	})
	return records, err
}

// finishRun settles the run state, persists history and emits the audit event.
func (r *Repo) finishRun(ctx context.Context, run *rollbackRun, plan *models.RollbackPlan, result *models.RollbackResult, err error) (*models.RollbackResult, error) {
	if err != nil && !run.state.Terminal() {
		run.to(models.StateAborted)
	}
	if result == nil {
		result = &models.RollbackResult{}
	}
	result.RunID = run.id
	result.State = run.state

	rec := &models.RollbackRecord{
		RunID:              run.id,
		State:              run.state,
		DryRun:             result.DryRun,
		Restored:           len(result.Restored),
		Deleted:            len(result.Deleted),
		Conflicts:          len(result.SkippedConflicts) + len(result.OverwrittenConflicts),
		BackupCheckpointID: result.BackupCheckpointID,
		StartedAt:          run.started,
		FinishedAt:         r.now().UTC(),
	}
	if plan != nil {
		result.CheckpointID = plan.CheckpointID
		rec.CheckpointID = plan.CheckpointID
		rec.Partial = plan.Partial
		if rec.Conflicts == 0 {
			rec.Conflicts = len(plan.Conflicted)
		}
	}
	if err != nil {
		rec.Error = err.Error()
	}

	// Runs that never resolved a checkpoint are not worth a history row.
	if rec.CheckpointID != "" {
		if herr := r.state.InsertRollback(rec); herr != nil {
			run.logger.Warn("record rollback history", "error", herr)
		}
	}

	evType := models.EventRollbackApply
	if result.DryRun {
		evType = models.EventRollbackPreview
	}
	r.emit(ctx, models.Event{
		Type:         evType,
		CheckpointID: rec.CheckpointID,
		RunID:        run.id,
		Restored:     rec.Restored,
		Deleted:      rec.Deleted,
		Conflicts:    rec.Conflicts,
	}, err)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Repo) planLocked(ctx context.Context, ref string, targets []string) (*models.RollbackPlan, error) {
	cp, err := r.index.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	report, err := r.verifier.Verify(ctx, cp, r.cfg.Rollback.DeepVerify)
	if err != nil {
		return nil, err
	}
	if err := asError(cp, report); err != nil {
		return nil, err
	}

	plan := &models.RollbackPlan{
		CheckpointID: cp.ID,
		Checkpoint:   cp,
		Partial:      len(targets) > 0,
		PlannedAt:    r.now().UTC(),
	}

	scope, err := r.scope(cp, targets, plan)
	if err != nil {
		return nil, err
	}
	for _, e := range scope {
		if err := r.checkPath(e.Path); err != nil {
			return nil, err
		}
	}

	// Paths to observe: everything in scope plus, for a full rollback,
	// every tracked file the checkpoint does not contain.
	paths := make([]string, 0, len(scope))
	for _, e := range scope {
		paths = append(paths, e.Path)
	}
	var extras []string
	if !plan.Partial {
		files, err := r.walkTree(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan working tree: %w", err)
		}
		for _, f := range files {
			if _, ok := cp.Entry(f.path); !ok {
				extras = append(extras, f.path)
			}
		}
		paths = append(paths, extras...)
	}

	current, err := r.observe(ctx, paths)
	if err != nil {
		return nil, err
	}

	restored, err := r.state.GetRestoreState(cp.ID)
	if err != nil {
		return nil, err
	}

	for _, e := range scope {
		cur := current[e.Path]
		if cur != nil && cur.Hash == e.Blob.Hash {
			if cur.Mode.Perm() == e.Blob.Mode.Perm() {
				plan.Unchanged = append(plan.Unchanged, e.Path)
				continue
			}
			blob := e.Blob
			plan.ToRestore = append(plan.ToRestore, models.PathChange{
				Path: e.Path, Action: models.ActionMode, Target: &blob, Current: cur,
			})
			continue
		}

		blob := e.Blob
		change := models.PathChange{Path: e.Path, Action: models.ActionModify, Target: &blob, Current: cur}
		if cur == nil {
			change.Action = models.ActionCreate
		}

		// Conflicts only exist once this checkpoint has been restored before.
		if last, ok := restored[e.Path]; ok {
			switch {
			case cur == nil:
				change.Conflicted = true
				change.ConflictReason = "deleted since last restore"
			case cur.Hash != last.Hash:
				change.Conflicted = true
				change.ConflictReason = "modified since last restore"
			}
		}
		if change.Conflicted {
			plan.Conflicted = append(plan.Conflicted, e.Path)
		}
		plan.ToRestore = append(plan.ToRestore, change)
	}

	for _, p := range extras {
		cur := current[p]
		if cur == nil {
			continue
		}
		if err := r.checkPath(p); err != nil {
			return nil, err
		}
		plan.ToDelete = append(plan.ToDelete, models.PathChange{Path: p, Action: models.ActionDelete, Current: cur})
	}

	if err := r.addBlockers(ctx, plan); err != nil {
		return nil, err
	}

	sort.Strings(plan.Conflicted)
	return plan, nil
}

// addBlockers plans the deletion of anything standing in the way of a
// restore: a file or symlink where the checkpoint has a directory, and the
// files inside a directory where the checkpoint has a file. Partial
// rollbacks delete these too; the undo journal and the pre-rollback backup
// keep them recoverable.
func (r *Repo) addBlockers(ctx context.Context, plan *models.RollbackPlan) error {
	planned := make(map[string]int, len(plan.ToDelete))
	for i, c := range plan.ToDelete {
		planned[c.Path] = i
	}

	add := func(path, restore string) error {
		if i, ok := planned[path]; ok {
			if len(plan.ToDelete[i].Unblocks) > 0 {
				plan.ToDelete[i].Unblocks = append(plan.ToDelete[i].Unblocks, restore)
			}
			return nil
		}
		if err := r.checkPath(path); err != nil {
			return err
		}
		cur, err := r.observePath(path)
		if err != nil || cur == nil {
			return err
		}
		planned[path] = len(plan.ToDelete)
		plan.ToDelete = append(plan.ToDelete, models.PathChange{
			Path: path, Action: models.ActionDelete, Current: cur, Unblocks: []string{restore},
		})
		return nil
	}

	var tree []treeFile
	for _, c := range plan.ToRestore {
		switch {
		case c.Current == nil:
			blocker, err := r.blockingAncestor(c.Path)
			if err != nil {
				return err
			}
			if blocker != "" {
				if err := add(blocker, c.Path); err != nil {
					return err
				}
			}
		case c.Current.Mode.IsDir():
			if tree == nil {
				var err error
				if tree, err = r.walkTree(ctx); err != nil {
					return fmt.Errorf("scan working tree: %w", err)
				}
			}
			for _, f := range tree {
				if f.path != c.Path && models.PathWithin(f.path, c.Path) {
					if err := add(f.path, c.Path); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// blockingAncestor returns the ancestor of path that exists but is not a
// directory, or "" if there is none.
func (r *Repo) blockingAncestor(path string) (string, error) {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		dir := strings.Join(parts[:i], "/")
		info, err := os.Lstat(r.abs(dir))
		if isMissing(err) {
			return "", nil
		}
		if err != nil {
			return "", &models.IOError{Op: "stat", Path: dir, Err: err}
		}
		if !info.IsDir() {
			return dir, nil
		}
	}
	return "", nil
}

// scope selects the manifest entries a rollback covers.
func (r *Repo) scope(cp *models.Checkpoint, targets []string, plan *models.RollbackPlan) ([]models.FileManifestEntry, error) {
	if len(targets) == 0 {
		return cp.Manifest, nil
	}

	norm := make([]string, 0, len(targets))
	seen := make(map[string]bool)
	for _, t := range targets {
		n, err := models.NormalizePath(t)
		if err != nil {
			return nil, err
		}
		if !seen[n] {
			seen[n] = true
			norm = append(norm, n)
		}
	}
	sort.Strings(norm)
	plan.Targets = norm

	matched := make(map[string]bool)
	var out []models.FileManifestEntry
	for _, e := range cp.Manifest {
		for _, t := range norm {
			if models.PathWithin(e.Path, t) {
				out = append(out, e)
				matched[t] = true
				break
			}
		}
	}
	for _, t := range norm {
		if !matched[t] {
			plan.NotInCheckpoint = append(plan.NotInCheckpoint, t)
		}
	}
	return out, nil
}

// validation is the outcome of checking a plan before it is applied.
type validation struct {
	changes     []models.PathChange
	skipped     []string
	overwritten []string
}

// validateLocked performs every check that can fail before the first write:
// containment, conflicts, staleness and blob integrity.
func (r *Repo) validateLocked(ctx context.Context, plan *models.RollbackPlan, policy models.ConflictPolicy, checkStale bool) (*validation, error) {
	all := plan.Changes()
	for _, c := range all {
		if err := r.checkPath(c.Path); err != nil {
			return nil, err
		}
		if c.Action != models.ActionDelete && c.Target == nil {
			return nil, fmt.Errorf("plan entry %s has no target blob", c.Path)
		}
	}

	v := &validation{}
	kept := make(map[string]bool)
	for _, c := range all {
		if c.Conflicted && policy == models.ConflictKeepCurrent {
			kept[c.Path] = true
			v.skipped = append(v.skipped, c.Path)
		}
	}
	for _, c := range all {
		switch {
		case kept[c.Path]:
		case c.Conflicted:
			v.overwritten = append(v.overwritten, c.Path)
			v.changes = append(v.changes, c)
		case len(c.Unblocks) > 0 && allIn(c.Unblocks, kept):
			// Nothing left for this deletion to unblock.
		default:
			v.changes = append(v.changes, c)
		}
	}
	if policy == models.ConflictAbort && len(plan.Conflicted) > 0 {
		return nil, &models.ConflictError{CheckpointID: plan.CheckpointID, Paths: plan.Conflicted}
	}

	if checkStale {
		paths := make([]string, len(v.changes))
		for i, c := range v.changes {
			paths[i] = c.Path
		}
		now, err := r.observe(ctx, paths)
		if err != nil {
			return nil, err
		}
		var stale []string
		for _, c := range v.changes {
			if !sameState(c.Current, now[c.Path]) {
				stale = append(stale, c.Path)
			}
		}
		if len(stale) > 0 {
			return nil, &models.ConflictError{CheckpointID: plan.CheckpointID, Paths: stale}
		}
	}

	verified := make(map[string]bool)
	for _, c := range v.changes {
		if c.Target == nil || verified[c.Target.Hash] {
			continue
		}
		if err := r.blobs.Verify(ctx, c.Target.Hash); err != nil {
			return nil, blobError(plan.CheckpointID, c.Path, c.Target.Hash, err)
		}
		verified[c.Target.Hash] = true
	}

	return v, nil
}

func allIn(paths []string, set map[string]bool) bool {
	for _, p := range paths {
		if !set[p] {
			return false
		}
	}
	return true
}

func sameState(planned, now *models.FileState) bool {
	if planned == nil || now == nil {
		return planned == nil && now == nil
	}
	return planned.Hash == now.Hash && planned.Mode == now.Mode
}

// blobError classifies a blob read failure.
func blobError(checkpointID, path, hash string, err error) error {
	switch {
	case errors.Is(err, blobstore.ErrBlobNotFound):
		return &models.IntegrityError{CheckpointID: checkpointID, Path: path, Hash: hash, Reason: "blob missing"}
	case errors.Is(err, blobstore.ErrHashMismatch):
		return &models.IntegrityError{CheckpointID: checkpointID, Path: path, Hash: hash, Reason: "blob content does not match its hash"}
	default:
		return &models.IOError{Op: "read blob", Path: path, Err: err}
	}
}

func (r *Repo) applyLocked(ctx context.Context, run *rollbackRun, plan *models.RollbackPlan, policy models.ConflictPolicy, checkStale bool) (*models.RollbackResult, error) {
	if _, err := r.recoverLocked(); err != nil {
		return nil, err
	}

	v, err := r.validateLocked(ctx, plan, policy, checkStale)
	if err != nil {
		return nil, err
	}

	run.to(models.StateApplying)
	result := &models.RollbackResult{
		SkippedConflicts:     v.skipped,
		OverwrittenConflicts: v.overwritten,
	}

	if len(v.changes) > 0 && r.cfg.Rollback.AutoBackup {
		backup, err := r.createLocked(ctx, CreateOptions{
			Description: fmt.Sprintf("before rollback to %s", models.ShortID(plan.CheckpointID)),
			Kind:        models.KindPreRollback,
		})
		r.emitCreate(ctx, backup, err)
		if err != nil {
			return nil, fmt.Errorf("create pre-rollback backup: %w", err)
		}
		result.BackupCheckpointID = backup.ID
	}

	undo, err := newUndoLog(r.cfg.UndoPath(), run.id, r.root)
	if err != nil {
		return nil, err
	}

	if err := r.mutate(ctx, plan, v.changes, undo, result); err != nil {
		return nil, r.abortApply(run, undo, err)
	}

	// The state commit is the commit point: once it lands, recovery
	// discards this run's journal instead of replaying it.
	if err := r.commitRestored(run, plan, result); err != nil {
		return nil, r.abortApply(run, undo, err)
	}

	if err := undo.discard(); err != nil {
		run.logger.Warn("discard undo log", "error", err)
	}

	run.to(models.StateCommitted)
	run.logger.Info("rollback committed",
		"checkpoint", plan.CheckpointID,
		"restored", len(result.Restored),
		"deleted", len(result.Deleted),
		"skipped", len(result.SkippedConflicts),
	)
	return result, nil
}

// mutate performs the writes and deletions, journaling each path first.
func (r *Repo) mutate(ctx context.Context, plan *models.RollbackPlan, changes []models.PathChange, undo *undoLog, result *models.RollbackResult) error {
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.beforeWrite != nil {
			if err := r.beforeWrite(c.Path); err != nil {
				return err
			}
		}
		if err := undo.record(c.Path); err != nil {
			return err
		}

		if c.Action == models.ActionDelete {
			if err := os.Remove(r.abs(c.Path)); err != nil && !os.IsNotExist(err) {
				return &models.IOError{Op: "delete", Path: c.Path, Err: err}
			}
			result.Deleted = append(result.Deleted, c.Path)
			continue
		}

		// A directory standing where the checkpoint has a file is empty by
		// now; its contents were deleted first.
		if err := removeDirTree(r.abs(c.Path)); err != nil {
			return &models.IOError{Op: "replace directory", Path: c.Path, Err: err}
		}

		if err := r.writeFile(ctx, plan.CheckpointID, c.Path, *c.Target); err != nil {
			return err
		}
		result.Restored = append(result.Restored, c.Path)
	}
	return nil
}

// abortApply replays the undo log and reports both the cause and any
// failure to undo.
func (r *Repo) abortApply(run *rollbackRun, undo *undoLog, cause error) error {
	undoErr := undo.replay()
	if undoErr != nil {
		undo.close()
		run.logger.Error("rollback undo incomplete; journal kept for recovery", "error", undoErr, "dir", undo.dir)
		return multierror.Append(cause, fmt.Errorf("undo incomplete: %w", undoErr))
	}
	if err := undo.discard(); err != nil {
		run.logger.Warn("discard undo log", "error", err)
	}
	run.logger.Warn("rollback aborted; working tree restored", "error", cause)
	return cause
}

// writeFile replaces path with blob content via a temp file and rename,
// checking the content hash while copying.
func (r *Repo) writeFile(ctx context.Context, checkpointID, path string, ref models.BlobRef) error {
	abs := r.abs(path)
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &models.IOError{Op: "create directory", Path: path, Err: err}
	}

	src, err := r.blobs.Open(ctx, ref.Hash)
	if err != nil {
		return blobError(checkpointID, path, ref.Hash, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, ".rewind-*")
	if err != nil {
		return &models.IOError{Op: "create temp file", Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), src); err != nil {
		return fail(&models.IOError{Op: "write", Path: path, Err: err})
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != ref.Hash {
		return fail(&models.IntegrityError{CheckpointID: checkpointID, Path: path, Hash: ref.Hash, Reason: "blob content changed during restore"})
	}
	if err := tmp.Chmod(ref.Mode.Perm()); err != nil {
		return fail(&models.IOError{Op: "chmod", Path: path, Err: err})
	}
	if err := tmp.Sync(); err != nil {
		return fail(&models.IOError{Op: "sync", Path: path, Err: err})
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &models.IOError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, abs); err != nil {
		os.Remove(tmpPath)
		return &models.IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// commitRestored stores the post-rollback state of every in-scope path that
// now matches the checkpoint and marks the run committed.
func (r *Repo) commitRestored(run *rollbackRun, plan *models.RollbackPlan, result *models.RollbackResult) error {
	states := make(map[string]models.FileState)

	for _, c := range plan.ToRestore {
		if c.Conflicted && !contains(result.OverwrittenConflicts, c.Path) {
			continue
		}
		st, err := r.observePath(c.Path)
		if err != nil {
			return err
		}
		if st != nil {
			states[c.Path] = *st
		}
	}
	for _, p := range plan.Unchanged {
		e, ok := plan.Checkpoint.Entry(p)
		if !ok {
			continue
		}
		states[p] = models.FileState{Hash: e.Blob.Hash, Size: e.Blob.Size, Mode: e.Blob.Mode.Perm(), ModTime: plan.PlannedAt}
	}

	return r.state.CommitRollback(run.id, plan.CheckpointID, states)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
