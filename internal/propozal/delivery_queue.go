package propozal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultDeliveryQueueCapacity = 1024
	deliveryQueuePollInterval    = 10 * time.Millisecond
	defaultDeliveryLease         = 2 * time.Minute
	postgresDeliveryQueueTable   = "delivery_queue"
	postgresDeliveryQueueKey     = "default"
)

// DeliveryTask is one pending webhook notification. The payload is built and
// signed by the worker that picks it up, so the timestamp reflects send time.
type DeliveryTask struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	EventType  string          `json:"eventType"`
	Data       json.RawMessage `json:"data"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

func (t DeliveryTask) valid() bool {
	return strings.TrimSpace(t.ID) != "" && strings.TrimSpace(t.UserID) != "" && strings.TrimSpace(t.EventType) != ""
}

// DeliveryQueue hands tasks to workers with claim-then-ack semantics: Dequeue
// claims a task and Ack removes it once delivery finished. A durable queue
// offers a claimed but unacknowledged task again after a restart.
type DeliveryQueue interface {
	TryEnqueue(task DeliveryTask) bool
	// Enqueue waits for room until ctx ends.
	Enqueue(ctx context.Context, task DeliveryTask) bool
	Dequeue(ctx context.Context) (DeliveryTask, bool)
	Ack(task DeliveryTask) error
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryDeliveryQueue struct {
	ch chan DeliveryTask
}

func NewInMemoryDeliveryQueue(capacity int) DeliveryQueue {
	if capacity <= 0 {
		capacity = defaultDeliveryQueueCapacity
	}
	return &inMemoryDeliveryQueue{ch: make(chan DeliveryTask, capacity)}
}

func (q *inMemoryDeliveryQueue) TryEnqueue(task DeliveryTask) bool {
	if q == nil || !task.valid() {
		return false
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

func (q *inMemoryDeliveryQueue) Enqueue(ctx context.Context, task DeliveryTask) bool {
	if q == nil || !task.valid() {
		return false
	}
	select {
	case q.ch <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryDeliveryQueue) Dequeue(ctx context.Context) (DeliveryTask, bool) {
	if q == nil {
		return DeliveryTask{}, false
	}
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return DeliveryTask{}, false
	}
}

// Ack is a no-op; the channel already handed the task over.
func (q *inMemoryDeliveryQueue) Ack(DeliveryTask) error {
	return nil
}

func (q *inMemoryDeliveryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryDeliveryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryDeliveryQueue) Close() error {
	return nil
}

// fileDeliveryQueue persists pending tasks as one JSON document, rewritten
// through a temp file and rename on every change. Pending deliveries survive a
// restart of a single-node deployment. Claims live only in memory, so a task
// claimed before a crash is pending again on the next open.
type fileDeliveryQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []DeliveryTask
	claimed      map[string]struct{}
}

type fileDeliveryQueueState struct {
	Items []DeliveryTask `json:"items"`
}

func NewFileDeliveryQueue(path string, capacity int) (DeliveryQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultDeliveryQueueCapacity
	}
	q := &fileDeliveryQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: deliveryQueuePollInterval,
		items:        []DeliveryTask{},
		claimed:      map[string]struct{}{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileDeliveryQueue) TryEnqueue(task DeliveryTask) bool {
	if !task.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileDeliveryQueue) Enqueue(ctx context.Context, task DeliveryTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileDeliveryQueue) Dequeue(ctx context.Context) (DeliveryTask, bool) {
	for {
		if task, ok := q.claimNext(); ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return DeliveryTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileDeliveryQueue) claimNext() (DeliveryTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if _, taken := q.claimed[item.ID]; taken {
			continue
		}
		q.claimed[item.ID] = struct{}{}
		return item, true
	}
	return DeliveryTask{}, false
}

func (q *fileDeliveryQueue) Ack(task DeliveryTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := -1
	for i, item := range q.items {
		if item.ID == task.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		delete(q.claimed, task.ID)
		return nil
	}
	previous := q.items
	q.items = append(append([]DeliveryTask(nil), previous[:idx]...), previous[idx+1:]...)
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return err
	}
	delete(q.claimed, task.ID)
	return nil
}

func (q *fileDeliveryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileDeliveryQueue) Capacity() int {
	return q.capacity
}

func (q *fileDeliveryQueue) Close() error {
	return nil
}

func (q *fileDeliveryQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileDeliveryQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	// Keep the newest tasks when the capacity shrank between runs.
	if len(snapshot.Items) > q.capacity {
		q.items = append([]DeliveryTask(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]DeliveryTask(nil), snapshot.Items...)
	return nil
}

func (q *fileDeliveryQueue) saveLocked() error {
	data, err := json.Marshal(fileDeliveryQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// PostgresDeliveryQueue shares pending deliveries between replicas. Enqueue
// serialises on an advisory lock to enforce capacity; workers claim rows with
// SKIP LOCKED and hold a lease on them until Ack deletes the row, so a task
// whose worker died becomes claimable again once the lease runs out.
type PostgresDeliveryQueue struct {
	dsn          string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	lease        time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDeliveryQueue(dsn string, capacity int) (*PostgresDeliveryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultDeliveryQueueCapacity
	}
	return &PostgresDeliveryQueue{
		dsn:          dsn,
		queueKey:     postgresDeliveryQueueKey,
		capacity:     capacity,
		pollInterval: deliveryQueuePollInterval,
		lease:        defaultDeliveryLease,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresDeliveryQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storageOperationTimeout)
		defer cancel()
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS ` + postgresDeliveryQueueTable + ` (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				task_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				claimed_until TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS ` + postgresDeliveryQueueTable + `_queue_key_id_idx ON ` +
				postgresDeliveryQueueTable + ` (queue_key, id)`,
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				q.initErr = err
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresDeliveryQueue) TryEnqueue(task DeliveryTask) bool {
	if q == nil || !task.valid() {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(postgresDeliveryQueueTable, q.queueKey)); err != nil {
		return false
	}
	var depth int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+postgresDeliveryQueueTable+" WHERE queue_key = $1", q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO "+postgresDeliveryQueueTable+" (queue_key, task_id, payload, created_at) VALUES ($1, $2, $3, NOW())", q.queueKey, task.ID, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresDeliveryQueue) Enqueue(ctx context.Context, task DeliveryTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresDeliveryQueue) Dequeue(ctx context.Context) (DeliveryTask, bool) {
	for {
		id, payload, ok := q.claim(ctx)
		if ok {
			var task DeliveryTask
			if err := json.Unmarshal([]byte(payload), &task); err == nil && task.valid() {
				return task, true
			}
			q.discard(id)
			continue
		}
		select {
		case <-ctx.Done():
			return DeliveryTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresDeliveryQueue) claim(ctx context.Context) (int64, string, bool) {
	if err := q.ensureReady(); err != nil {
		return 0, "", false
	}
	var (
		id      int64
		payload string
	)
	err := q.db.QueryRowContext(ctx, `UPDATE `+postgresDeliveryQueueTable+`
		SET claimed_until = NOW() + make_interval(secs => $2)
		WHERE id = (
			SELECT id FROM `+postgresDeliveryQueueTable+`
			WHERE queue_key = $1 AND (claimed_until IS NULL OR claimed_until < NOW())
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload`, q.queueKey, q.lease.Seconds()).Scan(&id, &payload)
	if err != nil {
		return 0, "", false
	}
	return id, payload, true
}

func (q *PostgresDeliveryQueue) discard(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), storageOperationTimeout)
	defer cancel()
	_, _ = q.db.ExecContext(ctx, "DELETE FROM "+postgresDeliveryQueueTable+" WHERE id = $1", id)
}

func (q *PostgresDeliveryQueue) Ack(task DeliveryTask) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageOperationTimeout)
	defer cancel()
	_, err := q.db.ExecContext(ctx, "DELETE FROM "+postgresDeliveryQueueTable+" WHERE queue_key = $1 AND task_id = $2", q.queueKey, task.ID)
	return err
}

func (q *PostgresDeliveryQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageOperationTimeout)
	defer cancel()
	var depth int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+postgresDeliveryQueueTable+" WHERE queue_key = $1", q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresDeliveryQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresDeliveryQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
