package models

import (
	"io/fs"
	"time"
)

// RollbackState is a stage of a single rollback invocation.
type RollbackState string

const (
	StateRequested RollbackState = "requested"
	StatePlanning  RollbackState = "planning"
	StatePreviewed RollbackState = "previewed"
	StateApplying  RollbackState = "applying"
	StateCommitted RollbackState = "committed"
	StateAborted   RollbackState = "aborted"
)

// CanTransition reports whether a rollback may move from s to next.
func (s RollbackState) CanTransition(next RollbackState) bool {
	switch s {
	case StateRequested:
		return next == StatePlanning || next == StateAborted
	case StatePlanning:
		return next == StatePreviewed || next == StateApplying || next == StateAborted
	case StateApplying:
		return next == StateCommitted || next == StateAborted
	}
	return false
}

// Terminal reports whether s ends the state machine.
func (s RollbackState) Terminal() bool {
	return s == StatePreviewed || s == StateCommitted || s == StateAborted
}

// PathAction describes what a rollback does to one path.
type PathAction string

const (
	ActionCreate PathAction = "create" // missing from the working tree
	ActionModify PathAction = "modify" // content differs
	ActionMode   PathAction = "mode"   // content equal, permission bits differ
	ActionDelete PathAction = "delete" // absent from the checkpoint
)

// ConflictPolicy decides what happens to conflicted paths on apply.
type ConflictPolicy int

const (
	// ConflictAbort fails the rollback with a ConflictError.
	ConflictAbort ConflictPolicy = iota
	// ConflictForce overwrites conflicted paths with checkpoint content.
	ConflictForce
	// ConflictKeepCurrent leaves conflicted paths as they are.
	ConflictKeepCurrent
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictForce:
		return "force"
	case ConflictKeepCurrent:
		return "keep-current"
	default:
		return "abort"
	}
}

// FileState is the observed state of a working-tree file.
type FileState struct {
	Hash    string      `json:"hash"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"mod_time"`
}

// PathChange is one planned mutation.
type PathChange struct {
	Path           string
	Action         PathAction
	Target         *BlobRef   // nil for deletions
	Current        *FileState // nil when the file is missing
	Conflicted     bool
	ConflictReason string
	// Unblocks lists the restores a deletion clears the way for. Empty for
	// paths deleted because the checkpoint does not contain them.
	Unblocks []string
}

// RollbackPlan is the computed difference between a checkpoint and the
// working tree for a given scope.
type RollbackPlan struct {
	CheckpointID    string
	Checkpoint      *Checkpoint
	Targets         []string
	Partial         bool
	ToRestore       []PathChange
	ToDelete        []PathChange
	Unchanged       []string
	Conflicted      []string
	NotInCheckpoint []string
	PlannedAt       time.Time
}

// Changes returns deletions followed by restores. Deletions go first so a
// file standing where the checkpoint has a directory is gone before the
// directory's contents are written.
func (p *RollbackPlan) Changes() []PathChange {
	out := make([]PathChange, 0, len(p.ToRestore)+len(p.ToDelete))
	out = append(out, p.ToDelete...)
	return append(out, p.ToRestore...)
}

// RollbackResult reports the outcome of a rollback.
type RollbackResult struct {
	RunID                string
	CheckpointID         string
	State                RollbackState
	DryRun               bool
	Restored             []string
	Deleted              []string
	SkippedConflicts     []string
	OverwrittenConflicts []string
	BackupCheckpointID   string
	Preview              *Preview
}

// PreviewItem is one line of a rollback preview.
type PreviewItem struct {
	Path       string
	Action     PathAction
	FromSize   int64
	ToSize     int64
	Conflicted bool
	Reason     string
	Diff       string // unified diff for text files, when requested
}

// Preview is a human-diffable description of a plan.
type Preview struct {
	CheckpointID    string
	Description     string
	CreatedAt       time.Time
	Partial         bool
	Items           []PreviewItem
	Unchanged       int
	NotInCheckpoint []string
}

// Conflicts returns the number of conflicted items.
func (p *Preview) Conflicts() int {
	n := 0
	for _, it := range p.Items {
		if it.Conflicted {
			n++
		}
	}
	return n
}

// RollbackRecord is a persisted history entry for one rollback run.
type RollbackRecord struct {
	RunID              string
	CheckpointID       string
	Partial            bool
	DryRun             bool
	State              RollbackState
	Restored           int
	Deleted            int
	Conflicts          int
	BackupCheckpointID string
	Error              string
	StartedAt          time.Time
	FinishedAt         time.Time
}
