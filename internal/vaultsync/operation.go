package vaultsync

import "time"

// SyncType is what an operation transmits.
type SyncType string

const (
	SyncMetadataOnly SyncType = "METADATA_ONLY"
	SyncFull         SyncType = "FULL_SYNC"
	// SyncSkipped records invocations that transmit nothing: local-only
	// documents, idempotent replays, and classification audit events.
	SyncSkipped SyncType = "SKIPPED"
)

// OperationStatus transitions are monotonic: pending -> in_progress ->
// {committed | failed -> rolled_back} | conflict. Nothing regresses from
// committed.
type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpInProgress OperationStatus = "in_progress"
	OpCommitted  OperationStatus = "committed"
	OpFailed     OperationStatus = "failed"
	OpRolledBack OperationStatus = "rolled_back"
	OpConflict   OperationStatus = "conflict"
)

// SyncOperation is one entry in the append-only operation log. Entries double
// as the audit trail and are removed only by retention policy, never by the
// sync path.
type SyncOperation struct {
	ID                    string          `json:"id"`
	DocumentID            string          `json:"documentId"`
	ContentHashAtSubmit   string          `json:"contentHashAtSubmit,omitempty"`
	Type                  SyncType        `json:"type"`
	Status                OperationStatus `json:"status"`
	LocalVersion          string          `json:"localVersion,omitempty"`
	ExpectedRemoteVersion string          `json:"expectedRemoteVersion,omitempty"`
	ActualRemoteVersion   string          `json:"actualRemoteVersion,omitempty"`
	Attempts              int             `json:"attempts"`
	LastError             *string         `json:"lastError,omitempty"`
	AuditNote             string          `json:"auditNote,omitempty"`
	SubmittedAt           time.Time       `json:"submittedAt"`
	ResolvedAt            *time.Time      `json:"resolvedAt,omitempty"`
}

type ConflictResolution string

const (
	ConflictUnresolved     ConflictResolution = "unresolved"
	ConflictResolvedLocal  ConflictResolution = "resolved_local"
	ConflictResolvedManual ConflictResolution = "resolved_manual"
)

// ConflictRecord is never silently discarded: it is either resolved and logged
// or stays unresolved and visible in statistics.
type ConflictRecord struct {
	ID             string             `json:"id"`
	DocumentID     string             `json:"documentId"`
	OperationID    string             `json:"operationId"`
	LocalVersion   string             `json:"localVersion"`
	RemoteVersion  string             `json:"remoteVersion"`
	TouchesContent bool               `json:"touchesContent"`
	DetectedAt     time.Time          `json:"detectedAt"`
	ResolvedAt     *time.Time         `json:"resolvedAt,omitempty"`
	Resolution     ConflictResolution `json:"resolution"`
}

// SyncResult is returned by every sync invocation, including skips.
type SyncResult struct {
	OperationID   string          `json:"operationId"`
	DocumentID    string          `json:"documentId"`
	Status        OperationStatus `json:"status"`
	Skipped       bool            `json:"skipped"`
	SkipReason    string          `json:"skipReason,omitempty"`
	RemoteVersion string          `json:"remoteVersion,omitempty"`
	ConflictID    string          `json:"conflictId,omitempty"`
}

// Statistics aggregates what the operator dashboard reads. Sync failures are a
// background concern; this is how they become visible.
type Statistics struct {
	ClassificationCounts map[Strategy]int64 `json:"classificationCountsByStrategy"`
	SyncAttempts         int64              `json:"syncAttempts"`
	SyncCommitted        int64              `json:"syncCommitted"`
	SyncFailed           int64              `json:"syncFailed"`
	SyncConflicts        int64              `json:"syncConflicts"`
	SyncSkipped          int64              `json:"syncSkipped"`
	SyncSuccessRate      float64            `json:"syncSuccessRate"`
	UnresolvedConflicts  int                `json:"unresolvedConflicts"`
	AverageSyncLatencyMs float64            `json:"averageSyncLatencyMs"`
}

// OperationFeed and ConflictFeed page through the ledger, newest first.
type OperationFeed struct {
	Items      []SyncOperation `json:"items"`
	NextCursor *string         `json:"nextCursor"`
}

type ConflictFeed struct {
	Items      []ConflictRecord `json:"items"`
	NextCursor *string          `json:"nextCursor"`
}

// SyncEvent is published to event-feed subscribers after every invocation.
type SyncEvent struct {
	OperationID string          `json:"operationId"`
	DocumentID  string          `json:"documentId"`
	Type        SyncType        `json:"type"`
	Status      OperationStatus `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
}
