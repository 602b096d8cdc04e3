package vaultsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// persistedState is the durable snapshot of everything the manager must
// not lose across restarts. Operations and conflicts are append-only.
type persistedState struct {
	OpCounter            uint64                  `json:"opCounter"`
	ConflictCounter      uint64                  `json:"conflictCounter"`
	Documents            map[string]*Document    `json:"documents"`
	Operations           []SyncOperation         `json:"operations"`
	Conflicts            []ConflictRecord        `json:"conflicts"`
	Shadows              map[string]remoteShadow `json:"shadows"`
	ClassificationCounts map[Strategy]int64      `json:"classificationCounts"`
	SyncLatencyTotalMs   int64                   `json:"syncLatencyTotalMs"`
	SyncLatencySamples   int64                   `json:"syncLatencySamples"`
	SavedAt              time.Time               `json:"savedAt"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
