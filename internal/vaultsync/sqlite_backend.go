package vaultsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteStateTableName   = "vaultsync_state"
	sqliteStateKey         = "default"
	sqliteOperationTimeout = 5 * time.Second
)

// SQLiteStateBackend keeps the snapshot in a single-file database. It is
// the durable-local profile's default; no server process required.
type SQLiteStateBackend struct {
	path      string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStateBackend{
		path:      path,
		tableName: sqliteStateTableName,
		stateKey:  sqliteStateKey,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLiteStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = ?", b.tableName)
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

func (b *SQLiteStateBackend) Save(state *persistedState) error {
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

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`, b.tableName)
	_, err = b.db.ExecContext(ctx, query, b.stateKey, string(payload))
	return err
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("sqlite", b.path)
		if err != nil {
			b.initErr = err
			return
		}
		// The snapshot writer is single-threaded but the driver is not;
		// one connection avoids SQLITE_BUSY on concurrent saves.
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, b.tableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
