package models

import "time"

// VerificationReport is the read-only outcome of verifying a checkpoint.
type VerificationReport struct {
	CheckpointID      string
	Deep              bool
	Checked           int
	MissingBlobs      []string // blob hashes absent from the store
	CorruptedPaths    []string // paths whose blob content no longer hashes correctly
	AggregateValid    bool
	ExpectedAggregate string
	ActualAggregate   string
	Valid             bool
}

// Finalize sets Valid from the collected findings.
func (r *VerificationReport) Finalize() {
	r.Valid = r.AggregateValid && len(r.MissingBlobs) == 0 && len(r.CorruptedPaths) == 0
}

// CleanupResult reports what a cleanup removed.
type CleanupResult struct {
	Deleted      []string
	Kept         int
	BlobsScanned int
	BlobsRemoved int
	BytesFreed   int64
	TempRemoved  int
	// BlobsRemaining is the blob count after garbage collection.
	BlobsRemaining int
}

// EventType names an audit event.
type EventType string

const (
	EventCheckpointCreate  EventType = "checkpoint.create"
	EventCheckpointVerify  EventType = "checkpoint.verify"
	EventCheckpointDelete  EventType = "checkpoint.delete"
	EventCheckpointCleanup EventType = "checkpoint.cleanup"
	EventRollbackPreview   EventType = "rollback.preview"
	EventRollbackApply     EventType = "rollback.apply"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is a structured audit record emitted once per engine operation.
type Event struct {
	Type         EventType `json:"type"`
	Outcome      string    `json:"outcome"`
	Root         string    `json:"root"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	Time         time.Time `json:"time"`
	FileCount    int       `json:"file_count,omitempty"`
	Restored     int       `json:"restored,omitempty"`
	Deleted      int       `json:"deleted,omitempty"`
	Conflicts    int       `json:"conflicts,omitempty"`
	Error        string    `json:"error,omitempty"`
}
