// Package index persists checkpoint records in an append-only JSON Lines log.
//
// Each line is either a checkpoint record or a tombstone marking an earlier
// checkpoint deleted. Records are never rewritten. A trailing line without a
// newline is a torn write from an interrupted append; it is ignored when
// reading and truncated before the next append.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kilupskalvis/rewind/internal/models"
)

const (
	opCheckpoint = "checkpoint"
	opTombstone  = "tombstone"
)

type record struct {
	Op         string             `json:"op"`
	Checkpoint *models.Checkpoint `json:"checkpoint,omitempty"`
	ID         string             `json:"id,omitempty"`
	DeletedAt  *time.Time         `json:"deleted_at,omitempty"`
}

// Log is the checkpoint index for one project.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open returns the index stored at path. The file is created on first append.
func Open(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// snapshot is the decoded state of the log at one point in time.
type snapshot struct {
	checkpoints map[string]*models.Checkpoint
	deleted     map[string]bool
	lastID      string
	validLen    int64
	fileLen     int64
}

func (l *Log) load() (*snapshot, error) {
	snap := &snapshot{
		checkpoints: make(map[string]*models.Checkpoint),
		deleted:     make(map[string]bool),
	}

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return snap, nil
	}
	if err != nil {
		return nil, &models.IOError{Op: "read index", Path: l.path, Err: err}
	}
	snap.fileLen = int64(len(data))

	var offset int64
	lineNo := 0
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			// Torn tail from an interrupted append.
			break
		}
		line := data[:nl]
		data = data[nl+1:]
		offset += int64(nl + 1)
		lineNo++

		if len(bytes.TrimSpace(line)) == 0 {
			snap.validLen = offset
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, &models.IntegrityError{Reason: fmt.Sprintf("corrupt index record at line %d: %v", lineNo, err)}
		}
		switch rec.Op {
		case opCheckpoint:
			if rec.Checkpoint == nil || rec.Checkpoint.ID == "" {
				return nil, &models.IntegrityError{Reason: fmt.Sprintf("index record at line %d has no checkpoint", lineNo)}
			}
			snap.checkpoints[rec.Checkpoint.ID] = rec.Checkpoint
			if rec.Checkpoint.ID > snap.lastID {
				snap.lastID = rec.Checkpoint.ID
			}
		case opTombstone:
			snap.deleted[rec.ID] = true
		default:
			return nil, &models.IntegrityError{Reason: fmt.Sprintf("unknown index op %q at line %d", rec.Op, lineNo)}
		}
		snap.validLen = offset
	}

	return snap, nil
}

func (s *snapshot) surviving() []*models.Checkpoint {
	out := make([]*models.Checkpoint, 0, len(s.checkpoints))
	for id, cp := range s.checkpoints {
		if !s.deleted[id] {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// write appends one record and fsyncs it, truncating a torn tail first.
func (l *Log) write(snap *snapshot, rec *record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal index record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return &models.IOError{Op: "open index", Path: l.path, Err: err}
	}
	defer f.Close()

	if snap.fileLen > snap.validLen {
		if err := f.Truncate(snap.validLen); err != nil {
			return &models.IOError{Op: "truncate torn index tail", Path: l.path, Err: err}
		}
	}
	if _, err := f.WriteAt(line, snap.validLen); err != nil {
		return &models.IOError{Op: "append index", Path: l.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &models.IOError{Op: "sync index", Path: l.path, Err: err}
	}
	return nil
}

// Append validates cp, assigns its ID and persists it. The manifest is
// sorted by path in place.
func (l *Log) Append(ctx context.Context, cp *models.Checkpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := prepare(cp); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.load()
	if err != nil {
		return "", err
	}

	id, err := models.NextCheckpointID(cp.CreatedAt, snap.lastID)
	if err != nil {
		return "", err
	}
	cp.ID = id

	if err := l.write(snap, &record{Op: opCheckpoint, Checkpoint: cp}); err != nil {
		cp.ID = ""
		return "", err
	}
	return id, nil
}

// prepare checks manifest invariants and fills derived fields.
func prepare(cp *models.Checkpoint) error {
	if cp.Kind == "" {
		cp.Kind = models.KindManual
	}
	if !cp.Kind.Valid() {
		return fmt.Errorf("invalid checkpoint kind %q", cp.Kind)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	sort.Slice(cp.Manifest, func(i, j int) bool { return cp.Manifest[i].Path < cp.Manifest[j].Path })

	var total int64
	for i, e := range cp.Manifest {
		if !models.IsNormalized(e.Path) {
			return &models.SecurityError{Path: e.Path, Reason: "manifest path is not normalized"}
		}
		if i > 0 && cp.Manifest[i-1].Path == e.Path {
			return fmt.Errorf("duplicate manifest path %q", e.Path)
		}
		total += e.Blob.Size
	}

	agg := models.ComputeAggregateHash(cp.Manifest)
	if cp.AggregateHash != "" && cp.AggregateHash != agg {
		return &models.IntegrityError{Reason: "aggregate hash does not match manifest"}
	}
	cp.AggregateHash = agg
	cp.FileCount = len(cp.Manifest)
	cp.TotalSize = total
	return nil
}

// Get returns a surviving checkpoint by exact ID.
func (l *Log) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := l.load()
	if err != nil {
		return nil, err
	}
	cp, ok := snap.checkpoints[id]
	if !ok || snap.deleted[id] {
		return nil, &models.NotFoundError{Kind: "checkpoint", ID: id}
	}
	return cp, nil
}

// Resolve finds a surviving checkpoint by full ID or unique prefix.
func (l *Log) Resolve(ctx context.Context, ref string) (*models.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref = strings.ToUpper(strings.TrimSpace(ref))
	if ref == "" {
		return nil, &models.NotFoundError{Kind: "checkpoint", ID: ref}
	}

	snap, err := l.load()
	if err != nil {
		return nil, err
	}
	if cp, ok := snap.checkpoints[ref]; ok && !snap.deleted[ref] {
		return cp, nil
	}

	var matches []*models.Checkpoint
	for _, cp := range snap.surviving() {
		if strings.HasPrefix(cp.ID, ref) {
			matches = append(matches, cp)
		}
	}
	switch len(matches) {
	case 0:
		return nil, &models.NotFoundError{Kind: "checkpoint", ID: ref}
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous checkpoint id %q matches %d checkpoints", ref, len(matches))
	}
}

// List returns surviving checkpoints, newest first.
func (l *Log) List(ctx context.Context) ([]*models.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := l.load()
	if err != nil {
		return nil, err
	}
	return snap.surviving(), nil
}

// Latest returns the newest surviving checkpoint, or nil if there is none.
func (l *Log) Latest(ctx context.Context) (*models.Checkpoint, error) {
	list, err := l.List(ctx)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// MarkDeleted appends a tombstone for id.
func (l *Log) MarkDeleted(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.load()
	if err != nil {
		return err
	}
	if _, ok := snap.checkpoints[id]; !ok || snap.deleted[id] {
		return &models.NotFoundError{Kind: "checkpoint", ID: id}
	}

	now := time.Now().UTC()
	return l.write(snap, &record{Op: opTombstone, ID: id, DeletedAt: &now})
}
