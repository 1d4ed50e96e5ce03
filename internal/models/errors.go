package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below match these through errors.Is.
var (
	ErrIO        = errors.New("i/o failure")
	ErrIntegrity = errors.New("integrity check failed")
	ErrConflict  = errors.New("conflicting changes")
	ErrSecurity  = errors.New("path escapes project root")
	ErrNotFound  = errors.New("not found")
)

// IOError reports a filesystem failure on a specific path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }

// IntegrityError reports a missing or corrupted blob, or a manifest that no
// longer matches its aggregate hash.
type IntegrityError struct {
	CheckpointID string
	Path         string
	Hash         string
	Reason       string
}

func (e *IntegrityError) Error() string {
	var b strings.Builder
	b.WriteString("integrity check failed")
	if e.CheckpointID != "" {
		fmt.Fprintf(&b, " for checkpoint %s", ShortID(e.CheckpointID))
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " at %s", e.Path)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// ConflictError lists paths modified by another actor since the last restore.
type ConflictError struct {
	CheckpointID string
	Paths        []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%d conflicting path(s) for checkpoint %s: %s",
		len(e.Paths), ShortID(e.CheckpointID), strings.Join(e.Paths, ", "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// SecurityError reports a path rejected by the sanitizer.
type SecurityError struct {
	Path   string
	Reason string
}

func (e *SecurityError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("refusing path %q: outside project root", e.Path)
	}
	return fmt.Sprintf("refusing path %q: %s", e.Path, e.Reason)
}

func (e *SecurityError) Is(target error) bool { return target == ErrSecurity }

// NotFoundError reports an unknown checkpoint or other record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
