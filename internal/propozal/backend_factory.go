package propozal

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildRepositoryFromDSN picks the persistence backend. An empty DSN means
// an in-memory repository.
func BuildRepositoryFromDSN(dsn string) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), nil
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupRepositoryFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "sqlite", "sqlite3":
		path, err := sqlitePath(dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteBackend(path)
	default:
		return nil, fmt.Errorf("unsupported repository scheme: %s", scheme)
	}
}

// BuildCounterStoreFromDSN returns fallback when dsn is empty, which keeps
// the counters in the main repository.
func BuildCounterStoreFromDSN(dsn string, fallback CounterStore) (CounterStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if fallback == nil {
			return nil, ErrInvalidInput
		}
		return fallback, nil
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupCounterStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "redis", "rediss":
		return NewRedisCounterStoreFromURL(dsn)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "sqlite", "sqlite3":
		path, err := sqlitePath(dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteBackend(path)
	default:
		return nil, fmt.Errorf("unsupported counter store scheme: %s", scheme)
	}
}

func BuildDeliveryQueueFromDSN(dsn string, capacity int) (DeliveryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryDeliveryQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupDeliveryQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileDeliveryQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryDeliveryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresDeliveryQueue(dsn, capacity)
	default:
		return nil, fmt.Errorf("unsupported delivery queue scheme: %s", scheme)
	}
}

func dsnScheme(dsn string) string {
	idx := strings.Index(dsn, ":")
	if idx <= 0 {
		return ""
	}
	return normalizeBackendScheme(dsn[:idx])
}

// sqlitePath accepts sqlite:///abs/path.db, sqlite://relative.db and
// sqlite://:memory:.
func sqlitePath(dsn string) (string, error) {
	idx := strings.Index(dsn, "://")
	if idx < 0 {
		return "", ErrInvalidInput
	}
	path := strings.TrimSpace(dsn[idx+3:])
	if q := strings.Index(path, "?"); q >= 0 {
		path = path[:q]
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
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
