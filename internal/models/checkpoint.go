// Package models defines the data types shared by the rewind engine.
package models

import (
	"io/fs"
	"time"
)

// CheckpointKind classifies why a checkpoint was taken.
type CheckpointKind string

const (
	KindManual      CheckpointKind = "manual"
	KindAuto        CheckpointKind = "auto"
	KindPreRollback CheckpointKind = "pre-rollback"
)

// Valid reports whether k is a known kind.
func (k CheckpointKind) Valid() bool {
	switch k {
	case KindManual, KindAuto, KindPreRollback:
		return true
	}
	return false
}

// BlobRef points at content in the blob store.
type BlobRef struct {
	Hash string      `json:"hash"`
	Size int64       `json:"size"`
	Mode fs.FileMode `json:"mode"`
}

// FileManifestEntry maps a project-relative path to its blob.
type FileManifestEntry struct {
	Path string  `json:"path"`
	Blob BlobRef `json:"blob"`
}

// Checkpoint is an immutable snapshot of a project tree.
type Checkpoint struct {
	ID            string              `json:"id"`
	Description   string              `json:"description"`
	Kind          CheckpointKind      `json:"kind"`
	Tags          []string            `json:"tags,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	ParentID      string              `json:"parent_id,omitempty"`
	Manifest      []FileManifestEntry `json:"manifest"`
	AggregateHash string              `json:"aggregate_hash"`
	FileCount     int                 `json:"file_count"`
	TotalSize     int64               `json:"total_size"`
}

// ShortID returns the abbreviated checkpoint ID for display.
func (c *Checkpoint) ShortID() string {
	return ShortID(c.ID)
}

// Entry returns the manifest entry for path, if present.
func (c *Checkpoint) Entry(path string) (FileManifestEntry, bool) {
	// Manifest is sorted by path.
	lo, hi := 0, len(c.Manifest)
	for lo < hi {
		mid := (lo + hi) / 2
		if c.Manifest[mid].Path < path {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(c.Manifest) && c.Manifest[lo].Path == path {
		return c.Manifest[lo], true
	}
	return FileManifestEntry{}, false
}

// Hashes returns the set of blob hashes referenced by the manifest.
func (c *Checkpoint) Hashes() map[string]bool {
	out := make(map[string]bool, len(c.Manifest))
	for _, e := range c.Manifest {
		out[e.Blob.Hash] = true
	}
	return out
}

// ShortID returns the first 12 characters of an ID. The first 10 characters
// of a ULID encode only the timestamp, so two more are kept.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// CheckpointDiff describes how two checkpoints differ.
type CheckpointDiff struct {
	From      string
	To        string
	Added     []string
	Removed   []string
	Modified  []string
	Unchanged int
}

// HasChanges returns true if the checkpoints differ.
func (d *CheckpointDiff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Modified) > 0
}
