package vaultsync

import (
	"context"
	"fmt"
	"sync"
)

// PushRequest carries one sealed changeset to the cloud store. ExpectedVersion
// is the remote version the sender believes it is building on; the store must
// not overwrite when it disagrees.
type PushRequest struct {
	DocumentID      string `json:"documentId"`
	OperationID     string `json:"operationId"`
	ExpectedVersion string `json:"expectedVersion"`
	Payload         []byte `json:"payload"`
}

// PushAck is the acknowledgment for a push. PriorVersion is what the store
// held before the request; when it differs from ExpectedVersion, Applied is
// false and nothing was overwritten.
type PushAck struct {
	Applied      bool   `json:"applied"`
	PriorVersion string `json:"priorVersion"`
	NewVersion   string `json:"newVersion,omitempty"`
}

// CloudStore is the remote replica. It is evictable and rebuildable: the local
// store never depends on it for correctness.
type CloudStore interface {
	Push(ctx context.Context, req PushRequest) (PushAck, error)
	// Abort discards any partially transmitted artifact for the operation.
	Abort(ctx context.Context, documentID, operationID string) error
	RemoteVersion(ctx context.Context, documentID string) (string, error)
	Healthy(ctx context.Context) error
}

// MemoryCloudStore is the in-process implementation used by the memory
// backend profile and by tests.
type MemoryCloudStore struct {
	mu         sync.Mutex
	versions   map[string]string
	payloads   map[string][]byte
	staged     map[string][]byte
	verCounter uint64
}

func NewMemoryCloudStore() *MemoryCloudStore {
	return &MemoryCloudStore{
		versions: map[string]string{},
		payloads: map[string][]byte{},
		staged:   map[string][]byte{},
	}
}

func (s *MemoryCloudStore) Push(ctx context.Context, req PushRequest) (PushAck, error) {
	if err := ctx.Err(); err != nil {
		return PushAck{}, err
	}
	if req.DocumentID == "" {
		return PushAck{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.versions[req.DocumentID]
	if prior != req.ExpectedVersion {
		return PushAck{Applied: false, PriorVersion: prior}, nil
	}
	s.verCounter++
	next := fmt.Sprintf("rv_%d", s.verCounter)
	s.versions[req.DocumentID] = next
	s.payloads[req.DocumentID] = append([]byte(nil), req.Payload...)
	delete(s.staged, req.DocumentID)
	return PushAck{Applied: true, PriorVersion: prior, NewVersion: next}, nil
}

func (s *MemoryCloudStore) Abort(ctx context.Context, documentID, operationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, documentID)
	return nil
}

func (s *MemoryCloudStore) RemoteVersion(ctx context.Context, documentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[documentID], nil
}

func (s *MemoryCloudStore) Healthy(ctx context.Context) error {
	return ctx.Err()
}

// Payload returns the last committed sealed payload for a document. Tests use
// it to assert what did (or did not) reach the replica.
func (s *MemoryCloudStore) Payload(documentID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.payloads[documentID]
	return payload, ok
}

// SetVersion forces a remote version, simulating an out-of-band writer.
func (s *MemoryCloudStore) SetVersion(documentID, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[documentID] = version
}
