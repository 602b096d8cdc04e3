package vaultsync

import (
	"context"
	"sync"
	"time"
)

// SyncTask is the unit handed to sync workers. The manager keeps the
// authoritative operation record; the task only carries identifiers.
type SyncTask struct {
	OperationID string    `json:"operation_id"`
	DocumentID  string    `json:"document_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// SyncQueue decouples submission from the workers draining toward the
// cloud store. Implementations must be safe for concurrent use.
type SyncQueue interface {
	// TryEnqueue adds a task without blocking. Returns ErrQueueFull when
	// the queue is at capacity and ErrShuttingDown after Close.
	TryEnqueue(task SyncTask) error
	// Enqueue blocks until the task is accepted, the context is done, or
	// the queue closes.
	Enqueue(ctx context.Context, task SyncTask) error
	// Dequeue blocks until a task is available. ok is false once the
	// queue is closed and drained.
	Dequeue(ctx context.Context) (task SyncTask, ok bool, err error)
	Depth() int
	Capacity() int
	Close() error
}

type memorySyncQueue struct {
	ch        chan SyncTask
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemorySyncQueue returns a channel-backed queue. Tasks are lost on
// process exit; use the file or postgres queue when delivery must
// survive restarts.
func NewMemorySyncQueue(capacity int) SyncQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memorySyncQueue{
		ch:     make(chan SyncTask, capacity),
		closed: make(chan struct{}),
	}
}

func (q *memorySyncQueue) TryEnqueue(task SyncTask) error {
	select {
	case <-q.closed:
		return ErrShuttingDown
	default:
	}
	select {
	case q.ch <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *memorySyncQueue) Enqueue(ctx context.Context, task SyncTask) error {
	select {
	case <-q.closed:
		return ErrShuttingDown
	default:
	}
	select {
	case q.ch <- task:
		return nil
	case <-q.closed:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memorySyncQueue) Dequeue(ctx context.Context) (SyncTask, bool, error) {
	select {
	case task := <-q.ch:
		return task, true, nil
	default:
	}
	select {
	case task := <-q.ch:
		return task, true, nil
	case <-q.closed:
		// Drain what was accepted before Close.
		select {
		case task := <-q.ch:
			return task, true, nil
		default:
			return SyncTask{}, false, nil
		}
	case <-ctx.Done():
		return SyncTask{}, false, ctx.Err()
	}
}

func (q *memorySyncQueue) Depth() int {
	return len(q.ch)
}

func (q *memorySyncQueue) Capacity() int {
	return cap(q.ch)
}

func (q *memorySyncQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}
