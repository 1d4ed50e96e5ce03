// Package blobstore provides content-addressable storage for file contents.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kilupskalvis/rewind/internal/models"
)

// ErrBlobNotFound is returned when a requested blob does not exist.
var ErrBlobNotFound = fmt.Errorf("blob %w", models.ErrNotFound)

// ErrHashMismatch is returned when stored content no longer hashes to its key.
var ErrHashMismatch = errors.New("blob hash mismatch")

// BlobStore defines the contract for write-once, hash-addressed storage.
type BlobStore interface {
	// Put stores data and returns its SHA-256 hex hash.
	// Idempotent: storing identical bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)

	// PutReader streams r into the store and returns its hash and size.
	PutReader(ctx context.Context, r io.Reader) (string, int64, error)

	// Get returns the blob content.
	// Returns ErrBlobNotFound if the blob does not exist.
	Get(ctx context.Context, hash string) ([]byte, error)

	// Open returns a reader for the blob content.
	// Returns ErrBlobNotFound if the blob does not exist.
	Open(ctx context.Context, hash string) (io.ReadCloser, error)

	// Exists checks whether a blob with the given hash exists.
	Exists(ctx context.Context, hash string) (bool, error)

	// Verify re-hashes the stored content and returns ErrHashMismatch on corruption.
	Verify(ctx context.Context, hash string) error

	// RemoveIfUnreferenced deletes the blob when referenced does not contain it.
	// Returns whether it was removed and the bytes freed.
	RemoveIfUnreferenced(ctx context.Context, hash string, referenced map[string]bool) (bool, int64, error)

	// ListHashes returns all blob hashes in the store.
	ListHashes(ctx context.Context) ([]string, error)

	// TotalCount returns the number of stored blobs.
	TotalCount(ctx context.Context) (int, error)

	// SweepTemp removes staging files older than olderThan left by interrupted writes.
	SweepTemp(ctx context.Context, olderThan time.Duration) (int, error)
}
