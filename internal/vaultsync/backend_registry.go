package vaultsync

import (
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)
type SyncQueueFactory func(dsn string, capacity int) (SyncQueue, error)

// backendFactoryRegistry lets embedders plug in additional DSN schemes
// without touching the built-in switch.
var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	stateFactories map[string]StateBackendFactory
	queueFactories map[string]SyncQueueFactory
}{
	stateFactories: map[string]StateBackendFactory{},
	queueFactories: map[string]SyncQueueFactory{},
}

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.stateFactories[scheme] = factory
}

func RegisterSyncQueueFactory(scheme string, factory SyncQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.stateFactories[scheme]
	return factory, ok
}

func lookupSyncQueueFactory(scheme string) (SyncQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
