package propozal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteBackend opens (or creates) a single-node database at path.
// ":memory:" gives a throwaway database, useful in tests.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn = "file:" + filepath.Clean(path) +
			"?mode=rwc&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	// One connection: SQLite has a single writer anyway, and holding every
	// transaction on one handle is what makes read-modify-write atomic here.
	return newSQLBackend(sqliteDialect, dsn, func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	})
}
