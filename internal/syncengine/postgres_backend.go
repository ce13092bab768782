package syncengine

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
	postgresQueueTableName      = "tillsync_mutation_queue"
	postgresDeadLetterTableName = "tillsync_dead_letters"
	postgresCorruptedTableName  = "tillsync_corrupted"
	postgresQueueKey            = "default"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresCore owns lazy connection setup and schema creation for one table.
// Shared by the queue and the two archive stores.
type postgresCore struct {
	dsn       string
	tableName string
	queueKey  string
	schema    string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newPostgresCore(dsn, tableName, schema string) (*postgresCore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresCore{
		dsn:       dsn,
		tableName: tableName,
		queueKey:  postgresQueueKey,
		schema:    schema,
		openDB:    sql.Open,
	}, nil
}

func (c *postgresCore) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(c.schema, postgresQuoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

func (c *postgresCore) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// PostgresMutationQueue is the MutationQueue backend for terminals pointed at
// a shared database instead of local files. The capacity check runs under a
// per-queue advisory lock so concurrent admitters cannot overshoot.
type PostgresMutationQueue struct {
	core     *postgresCore
	capacity int
}

func NewPostgresMutationQueue(dsn string, capacity int) (MutationQueue, error) {
	if capacity <= 0 {
		capacity = DefaultMaxQueueSize
	}
	schema := `
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			queue_key TEXT NOT NULL,
			item_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			payload TEXT NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL,
			UNIQUE (queue_key, item_id)
		)`
	core, err := newPostgresCore(dsn, postgresQueueTableName, schema)
	if err != nil {
		return nil, err
	}
	return &PostgresMutationQueue{core: core, capacity: capacity}, nil
}

func (q *PostgresMutationQueue) TryEnqueue(item MutationItem) error {
	if q == nil || q.core == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(item.ID) == "" {
		return ErrInvalidInput
	}
	if err := q.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.core.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresLockKey(q.core.tableName, q.core.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.core.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.core.queueKey).Scan(&depth); err != nil {
		return err
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}
	seqQuery := fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) + 1 FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.core.tableName))
	var seq uint64
	if err := tx.QueryRowContext(ctx, seqQuery, q.core.queueKey).Scan(&seq); err != nil {
		return err
	}
	item.Seq = seq
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (queue_key, item_id, seq, payload, enqueued_at) VALUES ($1, $2, $3, $4, $5)",
		postgresQuoteIdentifier(q.core.tableName),
	)
	if _, err := tx.ExecContext(ctx, insertQuery, q.core.queueKey, item.ID, int64(seq), string(payload), item.EnqueuedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *PostgresMutationQueue) Snapshot() []MutationItem {
	if q == nil || q.core == nil {
		return nil
	}
	if err := q.core.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE queue_key = $1 ORDER BY enqueued_at ASC, seq ASC",
		postgresQuoteIdentifier(q.core.tableName),
	)
	rows, err := q.core.db.QueryContext(ctx, query, q.core.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	items := make([]MutationItem, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		var item MutationItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (q *PostgresMutationQueue) UpdateRetryCount(id string, count int) error {
	if q == nil || q.core == nil {
		return ErrInvalidInput
	}
	if err := q.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.core.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(
		"SELECT payload FROM %s WHERE queue_key = $1 AND item_id = $2 FOR UPDATE",
		postgresQuoteIdentifier(q.core.tableName),
	)
	var payload string
	err = tx.QueryRowContext(ctx, selectQuery, q.core.queueKey, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var item MutationItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return err
	}
	item.RetryCount = count
	updated, err := json.Marshal(item)
	if err != nil {
		return err
	}
	updateQuery := fmt.Sprintf(
		"UPDATE %s SET payload = $1 WHERE queue_key = $2 AND item_id = $3",
		postgresQuoteIdentifier(q.core.tableName),
	)
	if _, err := tx.ExecContext(ctx, updateQuery, string(updated), q.core.queueKey, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *PostgresMutationQueue) Remove(id string) error {
	if q == nil || q.core == nil {
		return ErrInvalidInput
	}
	if err := q.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE queue_key = $1 AND item_id = $2",
		postgresQuoteIdentifier(q.core.tableName),
	)
	result, err := q.core.db.ExecContext(ctx, query, q.core.queueKey, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresMutationQueue) Size() int {
	if q == nil || q.core == nil {
		return 0
	}
	if err := q.core.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.core.tableName))
	var depth int
	if err := q.core.db.QueryRowContext(ctx, query, q.core.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresMutationQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresMutationQueue) Close() error {
	if q == nil || q.core == nil {
		return nil
	}
	return q.core.close()
}

// postgresArchive is the shared row layout of the dead-letter and corrupted
// stores: one JSON payload per item id, ordered by archive time.
type postgresArchive struct {
	core *postgresCore
}

func newPostgresArchive(dsn, tableName string) (*postgresArchive, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS %s (
			queue_key TEXT NOT NULL,
			item_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (queue_key, item_id)
		)`
	core, err := newPostgresCore(dsn, tableName, schema)
	if err != nil {
		return nil, err
	}
	return &postgresArchive{core: core}, nil
}

func (a *postgresArchive) put(id string, payload []byte, archivedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	if err := a.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue_key, item_id, payload, archived_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (queue_key, item_id)
		DO UPDATE SET payload = EXCLUDED.payload, archived_at = EXCLUDED.archived_at`,
		postgresQuoteIdentifier(a.core.tableName))
	_, err := a.core.db.ExecContext(ctx, query, a.core.queueKey, id, string(payload), archivedAt)
	return err
}

func (a *postgresArchive) get(id string) ([]byte, bool) {
	if err := a.core.ensureReady(); err != nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE queue_key = $1 AND item_id = $2",
		postgresQuoteIdentifier(a.core.tableName),
	)
	var payload string
	err := a.core.db.QueryRowContext(ctx, query, a.core.queueKey, id).Scan(&payload)
	if err != nil {
		return nil, false
	}
	return []byte(payload), true
}

func (a *postgresArchive) list() [][]byte {
	if err := a.core.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE queue_key = $1 ORDER BY archived_at ASC",
		postgresQuoteIdentifier(a.core.tableName),
	)
	rows, err := a.core.db.QueryContext(ctx, query, a.core.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	payloads := make([][]byte, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		payloads = append(payloads, []byte(payload))
	}
	return payloads
}

func (a *postgresArchive) purge(id string) error {
	if err := a.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE queue_key = $1 AND item_id = $2",
		postgresQuoteIdentifier(a.core.tableName),
	)
	result, err := a.core.db.ExecContext(ctx, query, a.core.queueKey, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *postgresArchive) ids() []string {
	if err := a.core.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT item_id FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(a.core.tableName))
	rows, err := a.core.db.QueryContext(ctx, query, a.core.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (a *postgresArchive) size() int {
	if err := a.core.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(a.core.tableName))
	var count int
	if err := a.core.db.QueryRowContext(ctx, query, a.core.queueKey).Scan(&count); err != nil {
		return 0
	}
	return count
}

type PostgresDeadLetterStore struct {
	archive *postgresArchive
}

func NewPostgresDeadLetterStore(dsn string) (DeadLetterStore, error) {
	archive, err := newPostgresArchive(dsn, postgresDeadLetterTableName)
	if err != nil {
		return nil, err
	}
	return &PostgresDeadLetterStore{archive: archive}, nil
}

func (s *PostgresDeadLetterStore) Put(item DeadLetterItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.archive.put(item.ID, payload, item.FailedAt)
}

func (s *PostgresDeadLetterStore) Get(id string) (DeadLetterItem, bool) {
	payload, ok := s.archive.get(id)
	if !ok {
		return DeadLetterItem{}, false
	}
	var item DeadLetterItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return DeadLetterItem{}, false
	}
	return item, true
}

func (s *PostgresDeadLetterStore) List() []DeadLetterItem {
	payloads := s.archive.list()
	items := make([]DeadLetterItem, 0, len(payloads))
	for _, payload := range payloads {
		var item DeadLetterItem
		if err := json.Unmarshal(payload, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (s *PostgresDeadLetterStore) Purge(id string) error {
	return s.archive.purge(id)
}

func (s *PostgresDeadLetterStore) IDs() []string {
	return s.archive.ids()
}

func (s *PostgresDeadLetterStore) Size() int {
	return s.archive.size()
}

func (s *PostgresDeadLetterStore) Close() error {
	return s.archive.core.close()
}

type PostgresCorruptedStore struct {
	archive *postgresArchive
}

func NewPostgresCorruptedStore(dsn string) (CorruptedStore, error) {
	archive, err := newPostgresArchive(dsn, postgresCorruptedTableName)
	if err != nil {
		return nil, err
	}
	return &PostgresCorruptedStore{archive: archive}, nil
}

func (s *PostgresCorruptedStore) Put(item CorruptedItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.archive.put(item.ID, payload, item.QuarantinedAt)
}

func (s *PostgresCorruptedStore) Get(id string) (CorruptedItem, bool) {
	payload, ok := s.archive.get(id)
	if !ok {
		return CorruptedItem{}, false
	}
	var item CorruptedItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return CorruptedItem{}, false
	}
	return item, true
}

func (s *PostgresCorruptedStore) List() []CorruptedItem {
	payloads := s.archive.list()
	items := make([]CorruptedItem, 0, len(payloads))
	for _, payload := range payloads {
		var item CorruptedItem
		if err := json.Unmarshal(payload, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (s *PostgresCorruptedStore) Purge(id string) error {
	return s.archive.purge(id)
}

func (s *PostgresCorruptedStore) IDs() []string {
	return s.archive.ids()
}

func (s *PostgresCorruptedStore) Size() int {
	return s.archive.size()
}

func (s *PostgresCorruptedStore) Close() error {
	return s.archive.core.close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
