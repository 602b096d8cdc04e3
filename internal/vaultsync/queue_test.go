package vaultsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueueEnqueueDequeue(t *testing.T) {
	q := NewMemorySyncQueue(4)
	defer func() { _ = q.Close() }()

	task := SyncTask{OperationID: "op_1", DocumentID: "doc_1", EnqueuedAt: time.Now()}
	if err := q.TryEnqueue(task); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if q.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", q.Depth())
	}

	got, ok, err := q.Dequeue(context.Background())
	if err != nil || !ok {
		t.Fatalf("dequeue failed: ok=%t err=%v", ok, err)
	}
	if got.OperationID != "op_1" {
		t.Fatalf("wrong task: %+v", got)
	}
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemorySyncQueue(1)
	defer func() { _ = q.Close() }()

	if err := q.TryEnqueue(SyncTask{OperationID: "op_1"}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := q.TryEnqueue(SyncTask{OperationID: "op_2"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	q := NewMemorySyncQueue(4)
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := q.TryEnqueue(SyncTask{OperationID: "op_1"}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestMemoryQueueDrainsAfterClose(t *testing.T) {
	q := NewMemorySyncQueue(4)
	if err := q.TryEnqueue(SyncTask{OperationID: "op_1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	_ = q.Close()

	got, ok, err := q.Dequeue(context.Background())
	if err != nil || !ok || got.OperationID != "op_1" {
		t.Fatalf("expected accepted task to drain, got ok=%t err=%v task=%+v", ok, err, got)
	}
	_, ok, err = q.Dequeue(context.Background())
	if err != nil || ok {
		t.Fatalf("expected drained queue to report done, got ok=%t err=%v", ok, err)
	}
}

func TestMemoryQueueDequeueHonorsContext(t *testing.T) {
	q := NewMemorySyncQueue(4)
	defer func() { _ = q.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := q.Dequeue(ctx)
	if ok {
		t.Fatalf("expected no task")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestMemoryQueueBlockingEnqueueUnblocksOnClose(t *testing.T) {
	q := NewMemorySyncQueue(1)
	if err := q.TryEnqueue(SyncTask{OperationID: "op_1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), SyncTask{OperationID: "op_2"})
	}()
	time.Sleep(10 * time.Millisecond)
	_ = q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrShuttingDown) {
			t.Fatalf("expected ErrShuttingDown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocking enqueue never returned after close")
	}
}
