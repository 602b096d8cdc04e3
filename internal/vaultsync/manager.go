package vaultsync

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ManagerOptions configures a Manager. Zero values get sensible
// defaults; a nil CloudStore means every non-local sync fails until a
// store is attached, which is what the local-only deployment wants.
type ManagerOptions struct {
	Rules        *RuleSet
	Cipher       *PayloadCipher
	CloudStore   CloudStore
	Queue        SyncQueue
	QueueSize    int
	SyncWorkers  int
	StateBackend StateBackend
	StateFile    string
	SyncTimeout  time.Duration
	Retry        RetryConfig
	// DisableWorkers leaves queued tasks unprocessed. Tests drive
	// processSyncTask directly.
	DisableWorkers bool
}

// Manager owns the document set, the append-only sync ledger, and the
// conflict log. All public methods are safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	documents     map[string]*Document
	operations    []SyncOperation
	opIndex       map[string]int
	conflicts     []ConflictRecord
	conflictIndex map[string]int
	shadows       map[string]remoteShadow

	classificationCounts map[Strategy]int64
	syncLatencyTotalMs   int64
	syncLatencySamples   int64
	opCounter            uint64
	conflictCounter      uint64

	classifier   *Classifier
	cipher       *PayloadCipher
	cloud        CloudStore
	queue        SyncQueue
	stateBackend StateBackend

	queueMu   sync.Mutex
	queuedOps map[string]struct{}

	docLockMu sync.Mutex
	docLocks  map[string]*sync.Mutex

	subMu       sync.Mutex
	subscribers map[int]chan SyncEvent
	nextSubID   int

	syncTimeout time.Duration
	retryer     *Retryer

	closed      chan struct{}
	closeOnce   sync.Once
	queueCtx    context.Context
	queueCancel context.CancelFunc
	wg          sync.WaitGroup
}

func NewManager() (*Manager, error) {
	return NewManagerWithOptions(ManagerOptions{})
}

func NewManagerWithOptions(opts ManagerOptions) (*Manager, error) {
	rules := DefaultRuleSet()
	if opts.Rules != nil {
		rules = *opts.Rules
	}
	classifier, err := NewClassifier(rules)
	if err != nil {
		return nil, err
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewMemorySyncQueue(queueSize)
	}
	syncWorkers := opts.SyncWorkers
	if syncWorkers <= 0 {
		syncWorkers = 1
	}
	syncTimeout := opts.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 30 * time.Second
	}
	pc := opts.Cipher
	if pc == nil {
		// Ephemeral key: payloads are unreadable after restart, which is
		// acceptable because the local store is authoritative.
		key := make([]byte, payloadKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		pc, err = NewPayloadCipher(key)
		if err != nil {
			return nil, err
		}
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	retryCfg := opts.Retry
	if retryCfg.RetryIf == nil {
		retryCfg.RetryIf = func(err error) bool {
			var syncErr *SyncError
			if errors.As(err, &syncErr) {
				return syncErr.Retryable
			}
			return true
		}
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	m := &Manager{
		documents:            map[string]*Document{},
		opIndex:              map[string]int{},
		conflictIndex:        map[string]int{},
		shadows:              map[string]remoteShadow{},
		classificationCounts: map[Strategy]int64{},
		classifier:           classifier,
		cipher:               pc,
		cloud:                opts.CloudStore,
		queue:                queue,
		stateBackend:         stateBackend,
		queuedOps:            map[string]struct{}{},
		docLocks:             map[string]*sync.Mutex{},
		subscribers:          map[int]chan SyncEvent{},
		syncTimeout:          syncTimeout,
		retryer:              NewRetryer(retryCfg),
		closed:               make(chan struct{}),
		queueCtx:             queueCtx,
		queueCancel:          queueCancel,
	}
	if err := m.loadFromBackend(); err != nil {
		queueCancel()
		return nil, err
	}
	if !opts.DisableWorkers {
		m.wg.Add(syncWorkers)
		for i := 0; i < syncWorkers; i++ {
			go func() {
				defer m.wg.Done()
				m.syncWorker()
			}()
		}
		m.requeueUnfinished()
	}
	return m, nil
}

func (m *Manager) loadFromBackend() error {
	if m.stateBackend == nil {
		return nil
	}
	snapshot, err := m.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	if snapshot.Documents != nil {
		m.documents = snapshot.Documents
	}
	if snapshot.Operations != nil {
		m.operations = snapshot.Operations
		for i, op := range m.operations {
			m.opIndex[op.ID] = i
		}
	}
	if snapshot.Conflicts != nil {
		m.conflicts = snapshot.Conflicts
		for i, c := range m.conflicts {
			m.conflictIndex[c.ID] = i
		}
	}
	if snapshot.Shadows != nil {
		m.shadows = snapshot.Shadows
	}
	if snapshot.ClassificationCounts != nil {
		m.classificationCounts = snapshot.ClassificationCounts
	}
	m.syncLatencyTotalMs = snapshot.SyncLatencyTotalMs
	m.syncLatencySamples = snapshot.SyncLatencySamples
	m.opCounter = snapshot.OpCounter
	m.conflictCounter = snapshot.ConflictCounter
	return nil
}

func (m *Manager) saveLocked() error {
	if m.stateBackend == nil {
		return nil
	}
	snapshot := persistedState{
		OpCounter:            m.opCounter,
		ConflictCounter:      m.conflictCounter,
		Documents:            m.documents,
		Operations:           m.operations,
		Conflicts:            m.conflicts,
		Shadows:              m.shadows,
		ClassificationCounts: m.classificationCounts,
		SyncLatencyTotalMs:   m.syncLatencyTotalMs,
		SyncLatencySamples:   m.syncLatencySamples,
		SavedAt:              time.Now().UTC(),
	}
	return m.stateBackend.Save(&snapshot)
}

// requeueUnfinished puts operations that were pending or in flight when
// the process last stopped back on the queue.
func (m *Manager) requeueUnfinished() {
	m.mu.RLock()
	pending := make([]SyncTask, 0)
	for _, op := range m.operations {
		if op.Status == OpPending || op.Status == OpInProgress {
			pending = append(pending, SyncTask{
				OperationID: op.ID,
				DocumentID:  op.DocumentID,
				EnqueuedAt:  time.Now().UTC(),
			})
		}
	}
	m.mu.RUnlock()
	for _, task := range pending {
		m.enqueueTask(task)
	}
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.queueCancel != nil {
			m.queueCancel()
		}
		if m.queue != nil {
			_ = m.queue.Close()
		}
		m.wg.Wait()
		if closer, ok := m.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
		m.subMu.Lock()
		for id, ch := range m.subscribers {
			close(ch)
			delete(m.subscribers, id)
		}
		m.subMu.Unlock()
	})
}

// IngestRequest adds or replaces a document. Re-ingesting an existing ID
// replaces its content and triggers reclassification.
type IngestRequest struct {
	DocumentID string           `json:"documentId"`
	Content    string           `json:"content"`
	Metadata   DocumentMetadata `json:"metadata"`
}

func (m *Manager) IngestDocument(req IngestRequest) (*Document, error) {
	id := normalizeDocumentID(req.DocumentID)
	if id == "" {
		return nil, ErrInvalidInput
	}
	result, classifyErr := m.classifier.Classify(req.Content, req.Metadata)
	if classifyErr != nil {
		// Classification failures never block ingest; the document is
		// held locally until the metadata is corrected.
		log.Printf("classification failed for %s, holding local: %v", id, classifyErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	doc, exists := m.documents[id]
	if !exists {
		doc = &Document{
			ID:        id,
			CreatedAt: now,
		}
		m.documents[id] = doc
	}
	doc.RawContent = req.Content
	doc.ContentHash = ContentHash(req.Content)
	doc.Metadata = req.Metadata
	doc.Classification = &result
	doc.ClassificationHistory = append(doc.ClassificationHistory, result)
	doc.LocalVersion = nextVersionToken(doc.LocalVersion)
	doc.UpdatedAt = now
	m.classificationCounts[result.Strategy]++
	if classifyErr != nil {
		m.auditClassificationFailureLocked(doc, classifyErr, now)
	}
	if err := m.saveLocked(); err != nil {
		return nil, err
	}
	return cloneDocument(doc), nil
}

func (m *Manager) UpdateDocument(documentID string, changes DocumentChanges) (*Document, error) {
	id := normalizeDocumentID(documentID)
	if id == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if changes.Content == nil && changes.Metadata == nil {
		return nil, ErrInvalidInput
	}
	if changes.Content != nil {
		doc.RawContent = *changes.Content
		doc.ContentHash = ContentHash(*changes.Content)
	}
	if changes.Metadata != nil {
		doc.Metadata = *changes.Metadata
	}
	// Metadata changes can flip jurisdiction or client overrides, so
	// any change reclassifies.
	result, classifyErr := m.classifier.Classify(doc.RawContent, doc.Metadata)
	if classifyErr != nil {
		log.Printf("reclassification failed for %s, holding local: %v", id, classifyErr)
	}
	doc.Classification = &result
	doc.ClassificationHistory = append(doc.ClassificationHistory, result)
	doc.LocalVersion = nextVersionToken(doc.LocalVersion)
	now := time.Now().UTC()
	doc.UpdatedAt = now
	m.classificationCounts[result.Strategy]++
	if classifyErr != nil {
		m.auditClassificationFailureLocked(doc, classifyErr, now)
	}
	if err := m.saveLocked(); err != nil {
		return nil, err
	}
	return cloneDocument(doc), nil
}

func (m *Manager) GetDocument(documentID string) (*Document, error) {
	id := normalizeDocumentID(documentID)
	if id == "" {
		return nil, ErrInvalidInput
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (m *Manager) ListDocuments() []*Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]*Document, 0, len(m.documents))
	for _, doc := range m.documents {
		docs = append(docs, cloneDocument(doc))
	}
	return docs
}

// ClassifyContent runs the classifier without storing anything.
func (m *Manager) ClassifyContent(content string, metadata DocumentMetadata) (ClassificationResult, error) {
	return m.classifier.Classify(content, metadata)
}

// SubmitSync records exactly one ledger entry and, unless the document
// is local-only or the submission is a duplicate, queues the work.
func (m *Manager) SubmitSync(ctx context.Context, documentID string) (SyncResult, error) {
	id := normalizeDocumentID(documentID)
	if id == "" {
		return SyncResult{}, ErrInvalidInput
	}
	select {
	case <-m.closed:
		return SyncResult{}, ErrShuttingDown
	default:
	}

	m.mu.Lock()
	doc, ok := m.documents[id]
	if !ok {
		m.mu.Unlock()
		return SyncResult{}, ErrNotFound
	}
	now := time.Now().UTC()

	if documentStrategy(doc) == StrategyLocalOnly {
		return m.skipLocked(doc, now, "residency policy forbids leaving premises", "LOCAL_ONLY")
	}

	// Duplicate submission for unchanged content does not queue another
	// push, but the replay itself is still ledgered as a skip entry.
	for i := len(m.operations) - 1; i >= 0; i-- {
		op := m.operations[i]
		if op.DocumentID != id || op.ContentHashAtSubmit != doc.ContentHash {
			continue
		}
		if op.Type == SyncSkipped {
			continue
		}
		if op.Status == OpPending || op.Status == OpInProgress {
			return m.skipLocked(doc, now, "duplicate submission; "+op.ID+" still in flight", "already queued")
		}
		if op.Status == OpCommitted {
			shadow := m.shadows[id]
			if shadow.ContentHash == doc.ContentHash || op.Type == SyncMetadataOnly {
				return m.skipLocked(doc, now, "replica already holds this content", "already synchronized")
			}
		}
		break
	}

	syncType := SyncFull
	if documentStrategy(doc) == StrategyMetadataOnly {
		syncType = SyncMetadataOnly
	}
	shadow := m.shadows[id]
	op := m.appendOperationLocked(SyncOperation{
		DocumentID:            id,
		ContentHashAtSubmit:   doc.ContentHash,
		Type:                  syncType,
		Status:                OpPending,
		LocalVersion:          doc.LocalVersion,
		ExpectedRemoteVersion: shadow.Version,
		SubmittedAt:           now,
	})
	if err := m.saveLocked(); err != nil {
		m.mu.Unlock()
		return SyncResult{}, err
	}
	opID := op.ID
	m.mu.Unlock()

	task := SyncTask{OperationID: opID, DocumentID: id, EnqueuedAt: now}
	if err := m.tryEnqueueTask(task); err != nil {
		m.failOperation(opID, err, false)
		return SyncResult{}, err
	}
	m.publishEvent(SyncEvent{OperationID: opID, DocumentID: id, Type: syncType, Status: OpPending, Timestamp: now})
	return SyncResult{OperationID: opID, DocumentID: id, Status: OpPending}, nil
}

// auditClassificationFailureLocked ledgers a fail-closed classification
// so the hold shows up in the audit trail, not only in the process log.
// Caller holds mu.
func (m *Manager) auditClassificationFailureLocked(doc *Document, cause error, now time.Time) {
	msg := cause.Error()
	op := m.appendOperationLocked(SyncOperation{
		DocumentID:          doc.ID,
		ContentHashAtSubmit: doc.ContentHash,
		Type:                SyncSkipped,
		Status:              OpCommitted,
		LocalVersion:        doc.LocalVersion,
		LastError:           &msg,
		AuditNote:           "classification failed; document held local",
		SubmittedAt:         now,
	})
	op.ResolvedAt = &now
	m.operations[m.opIndex[op.ID]] = *op
	m.publishEvent(SyncEvent{OperationID: op.ID, DocumentID: doc.ID, Type: SyncSkipped, Status: OpCommitted, Timestamp: now})
}

// skipLocked ledgers a skipped submission as its own committed entry
// and releases mu. Every submission leaves an audit trace, including
// replays and residency-blocked documents.
func (m *Manager) skipLocked(doc *Document, now time.Time, note, reason string) (SyncResult, error) {
	op := m.appendOperationLocked(SyncOperation{
		DocumentID:          doc.ID,
		ContentHashAtSubmit: doc.ContentHash,
		Type:                SyncSkipped,
		Status:              OpCommitted,
		LocalVersion:        doc.LocalVersion,
		AuditNote:           note,
		SubmittedAt:         now,
	})
	op.ResolvedAt = &now
	m.operations[m.opIndex[op.ID]] = *op
	if err := m.saveLocked(); err != nil {
		m.mu.Unlock()
		return SyncResult{}, err
	}
	m.mu.Unlock()
	log.Printf("sync skipped for %s: %s", doc.ID, reason)
	m.publishEvent(SyncEvent{OperationID: op.ID, DocumentID: doc.ID, Type: SyncSkipped, Status: OpCommitted, Timestamp: now})
	return SyncResult{
		OperationID:   op.ID,
		DocumentID:    doc.ID,
		Status:        OpCommitted,
		Skipped:       true,
		SkipReason:    reason,
		RemoteVersion: doc.RemoteVersion,
	}, nil
}

// appendOperationLocked assigns the ID and ledger position. Caller holds mu.
func (m *Manager) appendOperationLocked(op SyncOperation) *SyncOperation {
	m.opCounter++
	op.ID = fmt.Sprintf("op_%06d_%s", m.opCounter, uuid.NewString()[:8])
	m.operations = append(m.operations, op)
	m.opIndex[op.ID] = len(m.operations) - 1
	return &op
}

func (m *Manager) tryEnqueueTask(task SyncTask) error {
	if m.queue == nil {
		return ErrInvalidState
	}
	m.queueMu.Lock()
	if _, exists := m.queuedOps[task.OperationID]; exists {
		m.queueMu.Unlock()
		return nil
	}
	m.queuedOps[task.OperationID] = struct{}{}
	m.queueMu.Unlock()
	if err := m.queue.TryEnqueue(task); err != nil {
		m.queueMu.Lock()
		delete(m.queuedOps, task.OperationID)
		m.queueMu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) enqueueTask(task SyncTask) {
	if err := m.tryEnqueueTask(task); err == nil || !errors.Is(err, ErrQueueFull) {
		return
	}
	go func() {
		m.queueMu.Lock()
		m.queuedOps[task.OperationID] = struct{}{}
		m.queueMu.Unlock()
		if err := m.queue.Enqueue(m.queueCtx, task); err != nil {
			m.queueMu.Lock()
			delete(m.queuedOps, task.OperationID)
			m.queueMu.Unlock()
		}
	}()
}

func (m *Manager) syncWorker() {
	for {
		task, ok, err := m.queue.Dequeue(m.queueCtx)
		if err != nil || !ok {
			return
		}
		m.queueMu.Lock()
		delete(m.queuedOps, task.OperationID)
		m.queueMu.Unlock()
		m.processSyncTask(task)
	}
}

// processSyncTask pushes one operation to the cloud store. Local
// document state is never touched until the store acknowledges; any
// failure or timeout rolls the operation back with local bytes intact.
func (m *Manager) processSyncTask(task SyncTask) {
	unlock := m.lockDocument(task.DocumentID)
	defer unlock()

	m.mu.Lock()
	idx, ok := m.opIndex[task.OperationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	op := m.operations[idx]
	if op.Status != OpPending && op.Status != OpInProgress {
		m.mu.Unlock()
		return
	}
	doc, ok := m.documents[task.DocumentID]
	if !ok {
		m.mu.Unlock()
		m.failOperation(task.OperationID, ErrNotFound, false)
		return
	}
	if documentStrategy(doc) == StrategyLocalOnly {
		// Reclassified to local-only after submission; the push must
		// not happen.
		m.mu.Unlock()
		m.failOperation(task.OperationID, ErrResidencyBlocked, true)
		return
	}
	op.Status = OpInProgress
	op.Attempts++
	shadow := m.shadows[task.DocumentID]
	// Earlier commits for this document may have advanced the replica
	// since submission; the push must carry the version we hold now.
	op.ExpectedRemoteVersion = shadow.Version
	m.operations[idx] = op
	changeset := buildChangeset(op.ID, doc, op.Type, shadow)
	level := documentEncryption(doc)
	_ = m.saveLocked()
	m.mu.Unlock()

	cloud := m.cloudStore()
	if cloud == nil {
		m.failOperation(op.ID, &SyncError{OperationID: op.ID, DocumentID: task.DocumentID, Cause: ErrInvalidState}, true)
		return
	}

	payload, err := EncodeChangeset(changeset, m.cipher, level)
	if err != nil {
		m.failOperation(op.ID, err, true)
		return
	}

	ctx, cancel := context.WithTimeout(m.queueCtx, m.syncTimeout)
	defer cancel()

	var ack PushAck
	result := m.retryer.Do(ctx, func() error {
		pushed, pushErr := cloud.Push(ctx, PushRequest{
			DocumentID:      task.DocumentID,
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
		m.rollbackOperation(ctx, op.ID, task.DocumentID, result.LastErr)
		return
	}
	if !ack.Applied {
		m.handleConflict(ctx, op.ID, task.DocumentID, ack.PriorVersion, changeset, payload)
		return
	}
	m.commitOperation(op.ID, task.DocumentID, ack, changeset)
}

func (m *Manager) commitOperation(opID, documentID string, ack PushAck, changeset Changeset) {
	m.mu.Lock()
	idx, ok := m.opIndex[opID]
	if !ok {
		m.mu.Unlock()
		return
	}
	op := m.operations[idx]
	now := time.Now().UTC()
	op.Status = OpCommitted
	op.ActualRemoteVersion = ack.NewVersion
	op.ResolvedAt = &now
	m.operations[idx] = op

	doc, docOK := m.documents[documentID]
	if docOK {
		doc.RemoteVersion = ack.NewVersion
		doc.UpdatedAt = now
	}
	shadow := m.shadows[documentID]
	shadow.Version = ack.NewVersion
	shadow.MetadataFields = mergeMetadataFields(shadow.MetadataFields, changeset.MetadataFields)
	if changeset.Type == SyncFull {
		shadow.ContentHash = changeset.ContentHash
		shadow.ChunkHashes = mergeChunkHashes(shadow.ChunkHashes, changeset)
	}
	m.shadows[documentID] = shadow
	m.syncLatencyTotalMs += now.Sub(op.SubmittedAt).Milliseconds()
	m.syncLatencySamples++
	_ = m.saveLocked()
	m.mu.Unlock()
	log.Printf("sync committed: op=%s doc=%s version=%s", opID, documentID, ack.NewVersion)
	m.publishEvent(SyncEvent{OperationID: opID, DocumentID: documentID, Type: changeset.Type, Status: OpCommitted, Timestamp: now})
}

// handleConflict records the divergence. A metadata-only push retries
// once against the observed remote version because metadata fields
// merge cleanly; content conflicts always wait for resolution.
func (m *Manager) handleConflict(ctx context.Context, opID, documentID, actualVersion string, changeset Changeset, payload []byte) {
	if cloud := m.cloudStore(); changeset.Type == SyncMetadataOnly && cloud != nil {
		rebuilt := changeset
		rebuilt.BaseRemoteVersion = actualVersion
		ack, err := cloud.Push(ctx, PushRequest{
			DocumentID:      documentID,
			OperationID:     opID,
			ExpectedVersion: actualVersion,
			Payload:         payload,
		})
		if err == nil && ack.Applied {
			m.mu.Lock()
			if idx, ok := m.opIndex[opID]; ok {
				op := m.operations[idx]
				op.Attempts++
				op.ExpectedRemoteVersion = actualVersion
				m.operations[idx] = op
			}
			m.mu.Unlock()
			m.commitOperation(opID, documentID, ack, rebuilt)
			return
		}
	}

	m.mu.Lock()
	idx, ok := m.opIndex[opID]
	if !ok {
		m.mu.Unlock()
		return
	}
	op := m.operations[idx]
	now := time.Now().UTC()
	op.Status = OpConflict
	op.ActualRemoteVersion = actualVersion
	msg := (&ConflictError{DocumentID: documentID, ExpectedVersion: op.ExpectedRemoteVersion, ActualVersion: actualVersion}).Error()
	op.LastError = &msg
	op.ResolvedAt = &now
	m.operations[idx] = op

	m.conflictCounter++
	record := ConflictRecord{
		ID:             fmt.Sprintf("cf_%06d", m.conflictCounter),
		DocumentID:     documentID,
		OperationID:    opID,
		RemoteVersion:  actualVersion,
		TouchesContent: changeset.Type == SyncFull,
		DetectedAt:     now,
		Resolution:     ConflictUnresolved,
	}
	if doc, docOK := m.documents[documentID]; docOK {
		record.LocalVersion = doc.LocalVersion
	}
	m.conflicts = append(m.conflicts, record)
	m.conflictIndex[record.ID] = len(m.conflicts) - 1
	_ = m.saveLocked()
	m.mu.Unlock()
	log.Printf("sync conflict: op=%s doc=%s expected=%q actual=%q", opID, documentID, op.ExpectedRemoteVersion, actualVersion)
	m.publishEvent(SyncEvent{OperationID: opID, DocumentID: documentID, Type: changeset.Type, Status: OpConflict, Timestamp: now})
}

// rollbackOperation aborts the staged remote write and marks the entry
// rolled back. The document itself is untouched.
func (m *Manager) rollbackOperation(ctx context.Context, opID, documentID string, cause error) {
	if cloud := m.cloudStore(); cloud != nil {
		abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := cloud.Abort(abortCtx, documentID, opID); err != nil {
			log.Printf("abort failed for op=%s doc=%s: %v", opID, documentID, err)
		}
		cancel()
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %v", ErrSyncTimeout, cause)
	}
	m.failOperation(opID, cause, true)
}

// failOperation finalizes a ledger entry. rolledBack distinguishes
// attempts that reached the wire from ones rejected before takeoff.
func (m *Manager) failOperation(opID string, cause error, rolledBack bool) {
	m.mu.Lock()
	idx, ok := m.opIndex[opID]
	if !ok {
		m.mu.Unlock()
		return
	}
	op := m.operations[idx]
	now := time.Now().UTC()
	if rolledBack {
		op.Status = OpRolledBack
	} else {
		op.Status = OpFailed
	}
	if cause != nil {
		msg := cause.Error()
		op.LastError = &msg
	}
	op.ResolvedAt = &now
	m.operations[idx] = op
	_ = m.saveLocked()
	m.mu.Unlock()
	log.Printf("sync %s: op=%s doc=%s err=%v", op.Status, opID, op.DocumentID, cause)
	m.publishEvent(SyncEvent{OperationID: opID, DocumentID: op.DocumentID, Type: op.Type, Status: op.Status, Timestamp: now})
}

// CancelPendingSyncs rolls back every queued or in-flight operation.
// Used when the deployment downgrades to local-only.
func (m *Manager) CancelPendingSyncs(reason string) int {
	m.mu.Lock()
	cancelled := make([]string, 0)
	now := time.Now().UTC()
	for i, op := range m.operations {
		if op.Status != OpPending && op.Status != OpInProgress {
			continue
		}
		// Cancellation collapses failed -> rolled_back into one step:
		// nothing reached the wire, so there is no remote artifact to
		// abort and no intermediate failed state worth recording.
		op.Status = OpRolledBack
		msg := reason
		op.LastError = &msg
		op.ResolvedAt = &now
		m.operations[i] = op
		cancelled = append(cancelled, op.ID)
	}
	if len(cancelled) > 0 {
		_ = m.saveLocked()
	}
	m.mu.Unlock()
	for _, opID := range cancelled {
		m.queueMu.Lock()
		delete(m.queuedOps, opID)
		m.queueMu.Unlock()
	}
	if len(cancelled) > 0 {
		log.Printf("cancelled %d pending syncs: %s", len(cancelled), reason)
	}
	return len(cancelled)
}

func (m *Manager) GetOperation(opID string) (SyncOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.opIndex[strings.TrimSpace(opID)]
	if !ok {
		return SyncOperation{}, ErrNotFound
	}
	return m.operations[idx], nil
}

// ResolveConflict closes out a conflict record. Resolving local-wins
// rebases the document's shadow onto the observed remote version so the
// next submission overwrites it.
func (m *Manager) ResolveConflict(conflictID string, resolution ConflictResolution) (ConflictRecord, error) {
	if resolution != ConflictResolvedLocal && resolution != ConflictResolvedManual {
		return ConflictRecord{}, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.conflictIndex[strings.TrimSpace(conflictID)]
	if !ok {
		return ConflictRecord{}, ErrNotFound
	}
	record := m.conflicts[idx]
	if record.Resolution != ConflictUnresolved {
		return ConflictRecord{}, ErrInvalidState
	}
	now := time.Now().UTC()
	record.Resolution = resolution
	record.ResolvedAt = &now
	m.conflicts[idx] = record
	if resolution == ConflictResolvedLocal {
		shadow := m.shadows[record.DocumentID]
		shadow.Version = record.RemoteVersion
		// Force a full payload next time; the remote content is stale.
		shadow.ContentHash = ""
		shadow.ChunkHashes = nil
		shadow.MetadataFields = nil
		m.shadows[record.DocumentID] = shadow
	}
	if err := m.saveLocked(); err != nil {
		return ConflictRecord{}, err
	}
	return record, nil
}

func (m *Manager) Operations(cursor string, limit int) (OperationFeed, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	start := 0
	if strings.TrimSpace(cursor) != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return OperationFeed{}, ErrInvalidInput
		}
		start = parsed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if start > len(m.operations) {
		start = len(m.operations)
	}
	end := start + limit
	if end > len(m.operations) {
		end = len(m.operations)
	}
	feed := OperationFeed{Items: append([]SyncOperation(nil), m.operations[start:end]...)}
	if end < len(m.operations) {
		next := strconv.Itoa(end)
		feed.NextCursor = &next
	}
	return feed, nil
}

func (m *Manager) Conflicts(cursor string, limit int) (ConflictFeed, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	start := 0
	if strings.TrimSpace(cursor) != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return ConflictFeed{}, ErrInvalidInput
		}
		start = parsed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if start > len(m.conflicts) {
		start = len(m.conflicts)
	}
	end := start + limit
	if end > len(m.conflicts) {
		end = len(m.conflicts)
	}
	feed := ConflictFeed{Items: append([]ConflictRecord(nil), m.conflicts[start:end]...)}
	if end < len(m.conflicts) {
		next := strconv.Itoa(end)
		feed.NextCursor = &next
	}
	return feed, nil
}

func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Statistics{
		ClassificationCounts: map[Strategy]int64{},
	}
	for strategy, count := range m.classificationCounts {
		stats.ClassificationCounts[strategy] = count
	}
	for _, op := range m.operations {
		switch op.Status {
		case OpCommitted:
			if op.Type == SyncSkipped {
				stats.SyncSkipped++
			} else {
				stats.SyncCommitted++
				stats.SyncAttempts++
			}
		case OpFailed, OpRolledBack:
			stats.SyncFailed++
			stats.SyncAttempts++
		case OpConflict:
			stats.SyncConflicts++
			stats.SyncAttempts++
		case OpPending, OpInProgress:
			stats.SyncAttempts++
		}
	}
	if completed := stats.SyncCommitted + stats.SyncFailed + stats.SyncConflicts; completed > 0 {
		stats.SyncSuccessRate = float64(stats.SyncCommitted) / float64(completed)
	}
	for _, c := range m.conflicts {
		if c.Resolution == ConflictUnresolved {
			stats.UnresolvedConflicts++
		}
	}
	if m.syncLatencySamples > 0 {
		stats.AverageSyncLatencyMs = float64(m.syncLatencyTotalMs) / float64(m.syncLatencySamples)
	}
	return stats
}

func (m *Manager) PendingSyncCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, op := range m.operations {
		if op.Status == OpPending || op.Status == OpInProgress {
			count++
		}
	}
	return count
}

func (m *Manager) QueueDepth() int {
	if m.queue == nil {
		return 0
	}
	return m.queue.Depth()
}

// SubscribeEvents returns a channel of sync lifecycle events and a
// cancel func. Slow consumers drop events rather than stall syncs.
func (m *Manager) SubscribeEvents() (<-chan SyncEvent, func()) {
	ch := make(chan SyncEvent, 64)
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	m.subMu.Unlock()
	cancel := func() {
		m.subMu.Lock()
		if existing, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(existing)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publishEvent(evt SyncEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (m *Manager) cloudStore() CloudStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cloud
}

// SetCloudStore swaps the cloud side out, or detaches it with nil.
// In-flight pushes finish against the store they started with.
func (m *Manager) SetCloudStore(store CloudStore) {
	m.mu.Lock()
	m.cloud = store
	m.mu.Unlock()
}

func (m *Manager) lockDocument(documentID string) func() {
	m.docLockMu.Lock()
	lock, ok := m.docLocks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		m.docLocks[documentID] = lock
	}
	m.docLockMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// documentStrategy fails closed: an unclassified document never syncs.
func documentStrategy(doc *Document) Strategy {
	if doc == nil || doc.Classification == nil {
		return StrategyLocalOnly
	}
	return doc.Classification.Strategy
}

func documentEncryption(doc *Document) EncryptionLevel {
	if doc == nil || doc.Classification == nil || doc.Classification.RequiredEncryption == "" {
		return EncryptionEnhanced
	}
	return doc.Classification.RequiredEncryption
}

func nextVersionToken(current string) string {
	n := uint64(0)
	if strings.HasPrefix(current, "lv_") {
		if parsed, err := strconv.ParseUint(strings.TrimPrefix(current, "lv_"), 10, 64); err == nil {
			n = parsed
		}
	}
	return fmt.Sprintf("lv_%d", n+1)
}

func cloneDocument(doc *Document) *Document {
	if doc == nil {
		return nil
	}
	clone := *doc
	if doc.Classification != nil {
		classification := *doc.Classification
		clone.Classification = &classification
	}
	clone.ClassificationHistory = append([]ClassificationResult(nil), doc.ClassificationHistory...)
	return &clone
}

func mergeMetadataFields(existing, changed map[string]string) map[string]string {
	merged := map[string]string{}
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range changed {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

func mergeChunkHashes(existing []string, changeset Changeset) []string {
	merged := make([]string, changeset.TotalChunks)
	copy(merged, existing)
	for _, chunk := range changeset.ContentChunks {
		if chunk.Index >= 0 && chunk.Index < len(merged) {
			merged[chunk.Index] = chunk.Hash
		}
	}
	return merged
}
