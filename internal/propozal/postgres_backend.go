package propozal

import (
	"database/sql"

	_ "github.com/lib/pq"
)

const postgresMaxOpenConns = 16

// NewPostgresBackend connects lazily: the first operation opens the pool and
// creates any missing tables.
func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	return newSQLBackend(postgresDialect, dsn, func(db *sql.DB) {
		db.SetMaxOpenConns(postgresMaxOpenConns)
		db.SetMaxIdleConns(postgresMaxOpenConns / 2)
	})
}
