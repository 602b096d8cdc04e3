package vaultsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileSyncQueue persists pending tasks as a JSON snapshot so queued work
// survives restarts. Every mutation rewrites the snapshot via tmp+rename.
type fileSyncQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SyncTask
	closed       bool
}

type fileSyncQueueState struct {
	Items []SyncTask `json:"items"`
}

func NewFileSyncQueue(path string, capacity int) (SyncQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileSyncQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SyncTask{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileSyncQueue) TryEnqueue(task SyncTask) error {
	if strings.TrimSpace(task.OperationID) == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrShuttingDown
	}
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	return nil
}

func (q *fileSyncQueue) Enqueue(ctx context.Context, task SyncTask) error {
	for {
		err := q.TryEnqueue(task)
		if err == nil || !errors.Is(err, ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileSyncQueue) Dequeue(ctx context.Context) (SyncTask, bool, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				// Keep the item queued when the snapshot cannot be
				// written; retry after the poll interval.
				q.items = append([]SyncTask{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return SyncTask{}, false, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return SyncTask{}, false, nil
		}
		select {
		case <-ctx.Done():
			return SyncTask{}, false, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileSyncQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileSyncQueue) Capacity() int {
	return q.capacity
}

func (q *fileSyncQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fileSyncQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileSyncQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]SyncTask(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]SyncTask(nil), snapshot.Items...)
	return nil
}

func (q *fileSyncQueue) saveLocked() error {
	snapshot := fileSyncQueueState{
		Items: append([]SyncTask(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
