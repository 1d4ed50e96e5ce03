package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/kilupskalvis/rewind/internal/models"
)

// maxDiffSize bounds the files a preview renders a text diff for.
const maxDiffSize = 1 << 20

// PreviewOptions controls preview rendering.
type PreviewOptions struct {
	// Diff adds unified diffs for changed text files.
	Diff bool
}

// PreviewRollback describes what applying plan would do without writing
// anything. Conflicts are reported on the items instead of failing.
func (r *Repo) PreviewRollback(ctx context.Context, plan *models.RollbackPlan, opts PreviewOptions) (*models.Preview, error) {
	if plan == nil || plan.Checkpoint == nil {
		return nil, fmt.Errorf("preview rollback: plan has no checkpoint")
	}

	var preview *models.Preview
	err := r.withLock(ctx, func() error {
		var err error
		preview, err = r.previewLocked(ctx, plan, opts)
		return err
	})

	e := models.Event{Type: models.EventRollbackPreview, CheckpointID: plan.CheckpointID}
	if preview != nil {
		e.Conflicts = preview.Conflicts()
	}
	r.emit(ctx, e, err)

	if err != nil {
		return nil, err
	}
	return preview, nil
}

func (r *Repo) previewLocked(ctx context.Context, plan *models.RollbackPlan, opts PreviewOptions) (*models.Preview, error) {
	// Force keeps conflicted paths in the change set so they are listed.
	if _, err := r.validateLocked(ctx, plan, models.ConflictForce, false); err != nil {
		return nil, err
	}

	cp := plan.Checkpoint
	p := &models.Preview{
		CheckpointID:    cp.ID,
		Description:     cp.Description,
		CreatedAt:       cp.CreatedAt,
		Partial:         plan.Partial,
		Unchanged:       len(plan.Unchanged),
		NotInCheckpoint: plan.NotInCheckpoint,
	}

	for _, c := range plan.Changes() {
		item := models.PreviewItem{
			Path:       c.Path,
			Action:     c.Action,
			Conflicted: c.Conflicted,
			Reason:     c.ConflictReason,
		}
		if c.Current != nil {
			item.FromSize = c.Current.Size
		}
		if c.Target != nil {
			item.ToSize = c.Target.Size
		}
		if opts.Diff && c.Action != models.ActionMode {
			d, err := r.textDiff(ctx, plan.CheckpointID, c)
			if err != nil {
				return nil, err
			}
			item.Diff = d
		}
		p.Items = append(p.Items, item)
	}
	return p, nil
}

// textDiff renders a unified diff from the working-tree file to the
// checkpoint content. Binary or oversized content yields no diff.
func (r *Repo) textDiff(ctx context.Context, checkpointID string, c models.PathChange) (string, error) {
	var current, target []byte

	if c.Current != nil && c.Current.Hash != "" {
		if c.Current.Size > maxDiffSize {
			return "", nil
		}
		data, err := os.ReadFile(r.abs(c.Path))
		if err != nil && !os.IsNotExist(err) {
			return "", &models.IOError{Op: "read", Path: c.Path, Err: err}
		}
		current = data
	}
	if c.Target != nil {
		if c.Target.Size > maxDiffSize {
			return "", nil
		}
		rc, err := r.blobs.Open(ctx, c.Target.Hash)
		if err != nil {
			return "", blobError(checkpointID, c.Path, c.Target.Hash, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", &models.IOError{Op: "read blob", Path: c.Path, Err: err}
		}
		target = data
	}

	if !isText(current) || !isText(target) {
		return "", nil
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(current)),
		B:        difflib.SplitLines(string(target)),
		FromFile: "current/" + c.Path,
		ToFile:   "checkpoint/" + c.Path,
		Context:  3,
	})
}

func isText(b []byte) bool {
	return bytes.IndexByte(b, 0) < 0 && utf8.Valid(b)
}

// WritePreview renders a preview as plain text.
func WritePreview(w io.Writer, p *models.Preview) error {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "Rollback to %s", models.ShortID(p.CheckpointID))
	if p.Description != "" {
		fmt.Fprintf(&buf, " %q", p.Description)
	}
	fmt.Fprintf(&buf, " (created %s)\n", humanize.Time(p.CreatedAt))
	if p.Partial {
		buf.WriteString("Scope: selected paths only\n")
	}
	buf.WriteString("\n")

	if len(p.Items) == 0 {
		buf.WriteString("Nothing to change.\n")
	}
	for _, it := range p.Items {
		marker := "  "
		if it.Conflicted {
			marker = "! "
		}
		fmt.Fprintf(&buf, "%s%-7s %s", marker, it.Action, it.Path)
		switch it.Action {
		case models.ActionCreate:
			fmt.Fprintf(&buf, " (%s)", humanize.IBytes(uint64(it.ToSize)))
		case models.ActionModify:
			fmt.Fprintf(&buf, " (%s -> %s)", humanize.IBytes(uint64(it.FromSize)), humanize.IBytes(uint64(it.ToSize)))
		case models.ActionDelete:
			fmt.Fprintf(&buf, " (%s)", humanize.IBytes(uint64(it.FromSize)))
		}
		if it.Reason != "" {
			fmt.Fprintf(&buf, " [%s]", it.Reason)
		}
		buf.WriteString("\n")
		if it.Diff != "" {
			buf.WriteString(it.Diff)
			if it.Diff[len(it.Diff)-1] != '\n' {
				buf.WriteString("\n")
			}
		}
	}

	fmt.Fprintf(&buf, "\n%d to change, %d unchanged", len(p.Items), p.Unchanged)
	if n := p.Conflicts(); n > 0 {
		fmt.Fprintf(&buf, ", %d conflicted", n)
	}
	buf.WriteString("\n")
	for _, t := range p.NotInCheckpoint {
		fmt.Fprintf(&buf, "warning: %s is not in the checkpoint; left untouched\n", t)
	}

	_, err := w.Write(buf.Bytes())
	return err
}
