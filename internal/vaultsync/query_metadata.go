package vaultsync

import (
	"context"
	"strings"
	"time"
)

// queryAuditStream is the ledger document ID for analytics records. The
// stream is not a document: it has no raw content and no classification.
const queryAuditStream = "analytics/query_log"

// QueryAuditRecord describes one retrieval query served by the system.
type QueryAuditRecord struct {
	Query    string `json:"query"`
	Response string `json:"response"`
	UserID   string `json:"userId"`
}

// SyncQueryMetadata ships a query analytics record to the cloud replica
// as a metadata-only changeset. Raw query and response text never leave
// the machine; the record carries their hashes and the acting user.
// Like document syncs, every invocation lands in the operation ledger.
func (m *Manager) SyncQueryMetadata(ctx context.Context, rec QueryAuditRecord) (SyncResult, error) {
	if strings.TrimSpace(rec.Query) == "" || strings.TrimSpace(rec.UserID) == "" {
		return SyncResult{}, ErrInvalidInput
	}
	select {
	case <-m.closed:
		return SyncResult{}, ErrShuttingDown
	default:
	}

	queryHash := ContentHash(rec.Query)
	responseHash := ""
	if rec.Response != "" {
		responseHash = ContentHash(rec.Response)
	}
	recordHash := ContentHash(rec.UserID + "\n" + queryHash + "\n" + responseHash)

	unlock := m.lockDocument(queryAuditStream)
	defer unlock()

	m.mu.Lock()
	now := time.Now().UTC()
	shadow := m.shadows[queryAuditStream]

	// Replaying an identical record is a no-op against the replica. The
	// replay still gets its own ledger entry.
	if shadow.Version != "" && shadow.MetadataFields["recordHash"] == recordHash {
		op := m.appendOperationLocked(SyncOperation{
			DocumentID:          queryAuditStream,
			ContentHashAtSubmit: recordHash,
			Type:                SyncSkipped,
			Status:              OpCommitted,
			AuditNote:           "replica already holds this record",
			SubmittedAt:         now,
		})
		op.ResolvedAt = &now
		m.operations[m.opIndex[op.ID]] = *op
		if err := m.saveLocked(); err != nil {
			m.mu.Unlock()
			return SyncResult{}, err
		}
		m.mu.Unlock()
		m.publishEvent(SyncEvent{OperationID: op.ID, DocumentID: queryAuditStream, Type: SyncSkipped, Status: OpCommitted, Timestamp: now})
		return SyncResult{
			OperationID:   op.ID,
			DocumentID:    queryAuditStream,
			Status:        OpCommitted,
			Skipped:       true,
			SkipReason:    "already synchronized",
			RemoteVersion: shadow.Version,
		}, nil
	}

	if m.cloud == nil {
		// Local-only deployments keep analytics on premises; the skip is
		// still auditable.
		op := m.appendOperationLocked(SyncOperation{
			DocumentID:          queryAuditStream,
			ContentHashAtSubmit: recordHash,
			Type:                SyncSkipped,
			Status:              OpCommitted,
			AuditNote:           "no cloud replica attached; analytics retained locally",
			SubmittedAt:         now,
		})
		op.ResolvedAt = &now
		m.operations[m.opIndex[op.ID]] = *op
		if err := m.saveLocked(); err != nil {
			m.mu.Unlock()
			return SyncResult{}, err
		}
		m.mu.Unlock()
		m.publishEvent(SyncEvent{OperationID: op.ID, DocumentID: queryAuditStream, Type: SyncSkipped, Status: OpCommitted, Timestamp: now})
		return SyncResult{
			OperationID: op.ID,
			DocumentID:  queryAuditStream,
			Status:      OpCommitted,
			Skipped:     true,
			SkipReason:  "NO_CLOUD_STORE",
		}, nil
	}

	op := m.appendOperationLocked(SyncOperation{
		DocumentID:            queryAuditStream,
		ContentHashAtSubmit:   recordHash,
		Type:                  SyncMetadataOnly,
		Status:                OpInProgress,
		ExpectedRemoteVersion: shadow.Version,
		Attempts:              1,
		SubmittedAt:           now,
	})
	changeset := Changeset{
		OperationID:       op.ID,
		DocumentID:        queryAuditStream,
		Type:              SyncMetadataOnly,
		BaseRemoteVersion: shadow.Version,
		ContentHash:       recordHash,
		MetadataFields: map[string]string{
			"recordHash":   recordHash,
			"userId":       rec.UserID,
			"queryHash":    queryHash,
			"responseHash": responseHash,
			"recordedAt":   now.Format(time.RFC3339Nano),
		},
	}
	cloud := m.cloud
	if err := m.saveLocked(); err != nil {
		m.mu.Unlock()
		return SyncResult{}, err
	}
	m.mu.Unlock()

	payload, err := EncodeChangeset(changeset, m.cipher, EncryptionStandard)
	if err != nil {
		m.failOperation(op.ID, err, true)
		return SyncResult{}, err
	}

	pushCtx, cancel := context.WithTimeout(ctx, m.syncTimeout)
	defer cancel()

	var ack PushAck
	result := m.retryer.Do(pushCtx, func() error {
		pushed, pushErr := cloud.Push(pushCtx, PushRequest{
			DocumentID:      queryAuditStream,
			OperationID:     op.ID,
			ExpectedVersion: op.ExpectedRemoteVersion,
			Payload:         payload,
		})
		if pushErr != nil {
			return pushErr
		}
		ack = pushed
		return nil
	})
	if result.LastErr != nil {
		m.rollbackOperation(pushCtx, op.ID, queryAuditStream, result.LastErr)
		return SyncResult{OperationID: op.ID, DocumentID: queryAuditStream, Status: OpRolledBack}, result.LastErr
	}
	if !ack.Applied {
		// Metadata-only, so handleConflict's single reconcile pass
		// usually lands this on the observed remote version.
		m.handleConflict(pushCtx, op.ID, queryAuditStream, ack.PriorVersion, changeset, payload)
		final, getErr := m.GetOperation(op.ID)
		if getErr != nil {
			return SyncResult{}, getErr
		}
		res := SyncResult{
			OperationID:   op.ID,
			DocumentID:    queryAuditStream,
			Status:        final.Status,
			RemoteVersion: final.ActualRemoteVersion,
		}
		if final.Status == OpConflict {
			res.ConflictID = m.conflictIDForOperation(op.ID)
		}
		return res, nil
	}
	m.commitOperation(op.ID, queryAuditStream, ack, changeset)
	return SyncResult{
		OperationID:   op.ID,
		DocumentID:    queryAuditStream,
		Status:        OpCommitted,
		RemoteVersion: ack.NewVersion,
	}, nil
}

func (m *Manager) conflictIDForOperation(opID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.conflicts) - 1; i >= 0; i-- {
		if m.conflicts[i].OperationID == opID {
			return m.conflicts[i].ID
		}
	}
	return ""
}
