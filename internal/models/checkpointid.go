package models

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NextCheckpointID returns a ULID for a checkpoint created at t that sorts
// strictly after last. When the clock has not advanced past last (same
// millisecond, skew, or another process), last is incremented instead.
func NextCheckpointID(t time.Time, last string) (string, error) {
	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("generate checkpoint id: %w", err)
	}

	if last == "" {
		return id.String(), nil
	}
	prev, err := ulid.Parse(last)
	if err != nil {
		return "", fmt.Errorf("parse previous checkpoint id %q: %w", last, err)
	}
	if id.Compare(prev) > 0 {
		return id.String(), nil
	}

	next, ok := incrementULID(prev)
	if !ok {
		return "", fmt.Errorf("checkpoint id space exhausted after %s", last)
	}
	return next.String(), nil
}

// incrementULID adds one to the entropy bytes, keeping the timestamp.
func incrementULID(id ulid.ULID) (ulid.ULID, bool) {
	for i := len(id) - 1; i >= 6; i-- {
		id[i]++
		if id[i] != 0 {
			return id, true
		}
	}
	return id, false
}

// ComputeAggregateHash computes a digest over the manifest's (path, hash)
// pairs sorted by path. Input order does not matter.
func ComputeAggregateHash(manifest []FileManifestEntry) string {
	sorted := make([]FileManifestEntry, len(manifest))
	copy(sorted, manifest)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var buf bytes.Buffer
	for _, e := range sorted {
		buf.WriteString(e.Path)
		buf.WriteByte(0)
		buf.WriteString(e.Blob.Hash)
		buf.WriteByte('\n')
	}
	return HashBytes(buf.Bytes())
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
