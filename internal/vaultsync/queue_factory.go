package vaultsync

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildSyncQueueFromDSN(dsn string, capacity int) (SyncQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupSyncQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileSyncQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemorySyncQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresSyncQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: sync queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported sync queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
