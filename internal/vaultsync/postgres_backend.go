package vaultsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTableName     = "vaultsync_state"
	postgresStateKey           = "default"
	postgresSyncQueueTableName = "vaultsync_queue"
	postgresQueueKey           = "default"
	postgresOperationTimeout   = 5 * time.Second
	postgresQueuePollInterval  = 10 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStateBackend struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:       dsn,
		tableName: postgresStateTableName,
		stateKey:  postgresStateKey,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.stateKey, string(payload))
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// PostgresSyncQueue stores queued tasks as rows so several daemon
// replicas can share one queue. Dequeue uses FOR UPDATE SKIP LOCKED so
// concurrent workers never double-deliver a task.
type PostgresSyncQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu     sync.Mutex
	closed bool
}

func NewPostgresSyncQueue(dsn string, capacity int) (SyncQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresSyncQueue{
		dsn:          dsn,
		tableName:    postgresSyncQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresSyncQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresSyncQueue) TryEnqueue(task SyncTask) error {
	if q == nil || strings.TrimSpace(task.OperationID) == "" {
		return ErrInvalidInput
	}
	if q.isClosed() {
		return ErrShuttingDown
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return err
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *PostgresSyncQueue) Enqueue(ctx context.Context, task SyncTask) error {
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

func (q *PostgresSyncQueue) Dequeue(ctx context.Context) (SyncTask, bool, error) {
	for {
		task, ok, err := q.tryDequeue(ctx)
		if err != nil || ok {
			return task, ok, err
		}
		if q.isClosed() {
			return SyncTask{}, false, nil
		}
		select {
		case <-ctx.Done():
			return SyncTask{}, false, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresSyncQueue) tryDequeue(ctx context.Context) (SyncTask, bool, error) {
	if err := q.ensureReady(); err != nil {
		return SyncTask{}, false, err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncTask{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncTask{}, false, nil
	}
	if err != nil {
		return SyncTask{}, false, err
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return SyncTask{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return SyncTask{}, false, err
	}
	committed = true

	var task SyncTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil || strings.TrimSpace(task.OperationID) == "" {
		// Malformed row was already removed; report nothing available
		// and let the caller poll again.
		return SyncTask{}, false, nil
	}
	return task, true, nil
}

func (q *PostgresSyncQueue) Depth() int {
	if q == nil {
		return 0
	}
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresSyncQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresSyncQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *PostgresSyncQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
