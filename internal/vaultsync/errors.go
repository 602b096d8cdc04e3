package vaultsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
	ErrQueueFull        = errors.New("queue full")
	ErrVersionConflict  = errors.New("remote version conflict")
	ErrResidencyBlocked = errors.New("document is local-only")
	ErrSyncTimeout      = errors.New("sync deadline exceeded")
	ErrShuttingDown     = errors.New("manager is shutting down")
	ErrNotImplemented   = errors.New("not implemented")
)

// ClassificationError marks a classification that failed and was forced to the
// safest strategy. It is recorded in the operation log, never silently dropped.
type ClassificationError struct {
	DocumentID string
	Reason     string
	Cause      error
}

func (e *ClassificationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("classification failed for %s: %s: %v", e.DocumentID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("classification failed for %s: %s", e.DocumentID, e.Reason)
}

func (e *ClassificationError) Unwrap() error {
	return e.Cause
}

// SyncError wraps a transport, encryption, or timeout failure during a sync
// attempt. Retryable errors are retried with bounded backoff before the
// operation is marked failed.
type SyncError struct {
	OperationID string
	DocumentID  string
	Retryable   bool
	Cause       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s for document %s failed: %v", e.OperationID, e.DocumentID, e.Cause)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

func (e *SyncError) Is(target error) bool {
	return target == ErrSyncTimeout && errors.Is(e.Cause, ErrSyncTimeout)
}

// ConflictError reports an optimistic-concurrency mismatch. It is not a
// failure: the operation is marked conflict and a ConflictRecord is created.
type ConflictError struct {
	DocumentID      string
	ExpectedVersion string
	ActualVersion   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote version conflict for %s: expected %s, found %s",
		e.DocumentID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// ConfigurationError is fatal at startup and never recovered silently.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// StorageErrorKind distinguishes local-store failures, which are fatal to the
// affected operation, from cloud-store failures, which degrade the controller.
type StorageErrorKind int

const (
	StorageLocal StorageErrorKind = iota
	StorageCloud
)

type StorageError struct {
	Kind  StorageErrorKind
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	side := "local"
	if e.Kind == StorageCloud {
		side = "cloud"
	}
	return fmt.Sprintf("%s store %s: %v", side, e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}
