package propozal

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationEnabled() bool {
	return strings.TrimSpace(os.Getenv("PROPOZAL_TEST_POSTGRES_DSN")) != ""
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PROPOZAL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set PROPOZAL_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

// postgresIntegrationSchema creates a throwaway schema and returns a DSN whose
// search_path points at it, so every test gets fresh tables.
func postgresIntegrationSchema(t *testing.T) string {
	t.Helper()
	dsn := postgresIntegrationDSN(t)
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	schema := fmt.Sprintf("propozal_it_%d_%d", time.Now().UnixNano(), n)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		_ = db.Close()
		t.Fatalf("create schema %s failed: %v", schema, err)
	}
	t.Cleanup(func() {
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Errorf("drop schema %s failed: %v", schema, err)
		}
	})

	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return dsn + " search_path=" + schema
	}
	query := parsed.Query()
	query.Set("search_path", schema)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func newPostgresIntegrationBackend(t *testing.T) *SQLBackend {
	t.Helper()
	backend, err := NewPostgresBackend(postgresIntegrationSchema(t))
	if err != nil {
		t.Fatalf("new postgres backend failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestPostgresIntegrationDeliveryQueue(t *testing.T) {
	q, err := NewPostgresDeliveryQueue(postgresIntegrationSchema(t), 2)
	if err != nil {
		t.Fatalf("new postgres delivery queue failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	if !q.TryEnqueue(testTask("d1")) || !q.TryEnqueue(testTask("d2")) {
		t.Fatalf("expected two tasks to fit")
	}
	if q.TryEnqueue(testTask("d3")) {
		t.Fatalf("expected capacity to be enforced")
	}
	if q.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", q.Depth())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, ok := q.Dequeue(ctx)
	if !ok || task.ID != "d1" || task.UserID != "user_1" {
		t.Fatalf("expected d1 first, got %+v ok=%v", task, ok)
	}
	if q.Depth() != 2 {
		t.Fatalf("expected claimed task to stay queued until ack, got depth %d", q.Depth())
	}
	if err := q.Ack(task); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if q.Depth() != 1 {
		t.Fatalf("expected depth 1 after ack, got %d", q.Depth())
	}

	q.lease = 500 * time.Millisecond
	second, ok := q.Dequeue(ctx)
	if !ok || second.ID != "d2" {
		t.Fatalf("expected d2, got %+v ok=%v", second, ok)
	}
	busy, stop := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer stop()
	if _, ok := q.Dequeue(busy); ok {
		t.Fatalf("expected leased task to be hidden from other workers")
	}
	time.Sleep(600 * time.Millisecond)
	again, ok := q.Dequeue(ctx)
	if !ok || again.ID != "d2" {
		t.Fatalf("expected d2 offered again after its lease ran out, got %+v ok=%v", again, ok)
	}
}
