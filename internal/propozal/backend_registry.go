package propozal

import (
	"strings"
	"sync"
)

type RepositoryFactory func(dsn string) (Repository, error)
type CounterStoreFactory func(dsn string) (CounterStore, error)
type DeliveryQueueFactory func(dsn string, capacity int) (DeliveryQueue, error)

// Registered factories take precedence over the built-in schemes, so a
// deployment can plug in its own backend without touching the builders.
// A registration shadows the built-in schemes: memory, postgres and sqlite
// for repositories, the same plus redis for counter stores, and memory,
// postgres and file for delivery queues. Any other scheme is rejected as
// unsupported unless registered.
var backendFactoryRegistry = struct {
	mu           sync.RWMutex
	repositories map[string]RepositoryFactory
	counters     map[string]CounterStoreFactory
	queues       map[string]DeliveryQueueFactory
}{
	repositories: map[string]RepositoryFactory{},
	counters:     map[string]CounterStoreFactory{},
	queues:       map[string]DeliveryQueueFactory{},
}

func RegisterRepositoryFactory(scheme string, factory RepositoryFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.repositories[scheme] = factory
}

func RegisterCounterStoreFactory(scheme string, factory CounterStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.counters[scheme] = factory
}

func RegisterDeliveryQueueFactory(scheme string, factory DeliveryQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queues[scheme] = factory
}

func lookupRepositoryFactory(scheme string) (RepositoryFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.repositories[scheme]
	return factory, ok
}

func lookupCounterStoreFactory(scheme string) (CounterStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.counters[scheme]
	return factory, ok
}

func lookupDeliveryQueueFactory(scheme string) (DeliveryQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queues[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
