// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: WAL mode, schema creation on open, busy writers surfaced as ErrConflict.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is created if it doesn't exist. Parent directories are
// created if needed. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty db.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=0"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			queue      TEXT NOT NULL,
			task_id    TEXT NOT NULL,
			payload    BLOB NOT NULL,
			priority   INTEGER NOT NULL,
			ttl        INTEGER NOT NULL,
			visible_at INTEGER NOT NULL,
			PRIMARY KEY (queue, task_id)
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_queue_visible
			ON tasks(queue, visible_at);

		CREATE TABLE IF NOT EXISTS requests (
			flow       TEXT NOT NULL,
			request_id INTEGER NOT NULL,
			payload    BLOB,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (flow, request_id)
		);

		CREATE TABLE IF NOT EXISTS statuses (
			flow       TEXT NOT NULL,
			request_id INTEGER NOT NULL,
			payload    BLOB,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (flow, request_id)
		);

		CREATE TABLE IF NOT EXISTS responses (
			flow        TEXT NOT NULL,
			request_id  INTEGER NOT NULL,
			response_id INTEGER NOT NULL,
			payload     BLOB,
			PRIMARY KEY (flow, request_id, response_id)
		);

		CREATE TABLE IF NOT EXISTS notifications (
			shard        INTEGER NOT NULL,
			flow         TEXT NOT NULL,
			priority     INTEGER NOT NULL,
			first_queued INTEGER NOT NULL,
			enqueued_at  INTEGER NOT NULL,
			PRIMARY KEY (shard, flow)
		);

		CREATE TABLE IF NOT EXISTS clients (
			identity TEXT PRIMARY KEY,
			cert_pem BLOB NOT NULL,
			serial   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS serials (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			next INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO serials (id, next) VALUES (1, 2);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isBusy reports whether err is SQLite's locked/busy condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// QueryAndOwnTasks implements the lease transaction described on the
// Store interface. Candidates are read fully before any write so the
// whole scan-decide-write cycle commits or fails as one unit.
func (s *SQLiteStore) QueryAndOwnTasks(ctx context.Context, queue string, lease time.Duration, limit int) ([]Task, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return nil, 0, ErrConflict
		}
		return nil, 0, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	rows, err := tx.QueryContext(ctx, `
		SELECT task_id, payload, priority, ttl, visible_at FROM tasks
		WHERE queue = ? AND visible_at <= ?
		ORDER BY priority DESC, visible_at ASC`,
		queue, now.UnixNano())
	if err != nil {
		if isBusy(err) {
			return nil, 0, ErrConflict
		}
		return nil, 0, fmt.Errorf("scanning visible tasks: %w", err)
	}

	var candidates []Task
	for rows.Next() {
		t := Task{Queue: queue}
		var visible int64
		if err := rows.Scan(&t.TaskID, &t.Payload, &t.Priority, &t.TTL, &visible); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scanning task row: %w", err)
		}
		t.VisibleAt = time.Unix(0, visible)
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading task rows: %w", err)
	}
	rows.Close()

	var owned []Task
	expired := 0
	leaseUntil := now.Add(lease)
	for _, t := range candidates {
		if len(owned) >= limit {
			break
		}
		t.TTL--
		if t.TTL <= 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM tasks WHERE queue = ? AND task_id = ?`, queue, t.TaskID); err != nil {
				if isBusy(err) {
					return nil, 0, ErrConflict
				}
				return nil, 0, fmt.Errorf("deleting exhausted task: %w", err)
			}
			expired++
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET ttl = ?, visible_at = ? WHERE queue = ? AND task_id = ?`,
			t.TTL, leaseUntil.UnixNano(), queue, t.TaskID); err != nil {
			if isBusy(err) {
				return nil, 0, ErrConflict
			}
			return nil, 0, fmt.Errorf("leasing task: %w", err)
		}
		t.VisibleAt = leaseUntil
		owned = append(owned, t)
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return nil, 0, ErrConflict
		}
		return nil, 0, fmt.Errorf("committing lease transaction: %w", err)
	}
	return owned, expired, nil
}

// ScheduleTasks writes new visible tasks in one transaction.
func (s *SQLiteStore) ScheduleTasks(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning schedule transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (queue, task_id, payload, priority, ttl, visible_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.Queue, t.TaskID, t.Payload, t.Priority, t.TTL, t.VisibleAt.UnixNano()); err != nil {
			return fmt.Errorf("inserting task %s/%s: %w", t.Queue, t.TaskID, err)
		}
	}
	return tx.Commit()
}

// DeleteTask removes a task on explicit completion.
func (s *SQLiteStore) DeleteTask(ctx context.Context, queue, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE queue = ? AND task_id = ?`, queue, taskID)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteRequest records an outstanding request for a flow.
func (s *SQLiteStore) WriteRequest(ctx context.Context, r Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO requests (flow, request_id, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		r.Flow, r.RequestID, r.Payload, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	return nil
}

// WriteStatus records completion of a request. INSERT OR IGNORE keeps the
// invariant of exactly one status per completed request.
func (s *SQLiteStore) WriteStatus(ctx context.Context, st Status) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO statuses (flow, request_id, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		st.Flow, st.RequestID, st.Payload, st.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("writing status: %w", err)
	}
	return nil
}

// WriteResponse records one ordered response for a request.
func (s *SQLiteStore) WriteResponse(ctx context.Context, r Response) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO responses (flow, request_id, response_id, payload)
		VALUES (?, ?, ?, ?)`,
		r.Flow, r.RequestID, r.ResponseID, r.Payload)
	if err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// CompletedRequestIDs joins request and status keys without touching
// response bodies.
func (s *SQLiteStore) CompletedRequestIDs(ctx context.Context, flow string) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.request_id FROM requests r
		INNER JOIN statuses st ON st.flow = r.flow AND st.request_id = r.request_id
		WHERE r.flow = ?
		ORDER BY r.request_id ASC`, flow)
	if err != nil {
		return nil, fmt.Errorf("joining requests and statuses: %w", err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResponsesForRequest returns responses in ResponseID order.
func (s *SQLiteStore) ResponsesForRequest(ctx context.Context, flow string, requestID uint64) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT response_id, payload FROM responses
		WHERE flow = ? AND request_id = ?
		ORDER BY response_id ASC`, flow, requestID)
	if err != nil {
		return nil, fmt.Errorf("reading responses: %w", err)
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		r := Response{Flow: flow, RequestID: requestID}
		if err := rows.Scan(&r.ResponseID, &r.Payload); err != nil {
			return nil, fmt.Errorf("scanning response row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutNotification upserts n into shard. A row already present for the
// same flow survives unless n's enqueue time is strictly newer; the
// original first_queued timestamp is preserved either way.
func (s *SQLiteStore) PutNotification(ctx context.Context, shard int, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (shard, flow, priority, first_queued, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (shard, flow) DO UPDATE SET
			priority = excluded.priority,
			enqueued_at = excluded.enqueued_at
		WHERE excluded.enqueued_at > notifications.enqueued_at`,
		shard, n.Flow, n.Priority, n.FirstQueued.UnixNano(), n.EnqueuedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("writing notification: %w", err)
	}
	return nil
}

// Notifications lists the notifications in one shard.
func (s *SQLiteStore) Notifications(ctx context.Context, shard int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow, priority, first_queued, enqueued_at FROM notifications
		WHERE shard = ?`, shard)
	if err != nil {
		return nil, fmt.Errorf("reading notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var first, enq int64
		if err := rows.Scan(&n.Flow, &n.Priority, &first, &enq); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		n.FirstQueued = time.Unix(0, first)
		n.EnqueuedAt = time.Unix(0, enq)
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNotification removes one flow's notification from a shard.
func (s *SQLiteStore) DeleteNotification(ctx context.Context, shard int, flow string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE shard = ? AND flow = ?`, shard, flow)
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	return nil
}

// GetClient looks up an enrolled client by identity.
func (s *SQLiteStore) GetClient(ctx context.Context, identity string) (*Client, error) {
	c := &Client{Identity: identity}
	err := s.db.QueryRowContext(ctx,
		`SELECT cert_pem, serial FROM clients WHERE identity = ?`, identity).
		Scan(&c.CertPEM, &c.Serial)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading client: %w", err)
	}
	return c, nil
}

// PutClient stores or replaces a client record. A record with a serial
// lower than or equal to the stored one is ignored.
func (s *SQLiteStore) PutClient(ctx context.Context, c Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (identity, cert_pem, serial)
		VALUES (?, ?, ?)
		ON CONFLICT (identity) DO UPDATE SET
			cert_pem = excluded.cert_pem,
			serial = excluded.serial
		WHERE excluded.serial > clients.serial`,
		c.Identity, c.CertPEM, c.Serial)
	if err != nil {
		return fmt.Errorf("writing client: %w", err)
	}
	return nil
}

// NextSerial atomically hands out the next certificate serial.
func (s *SQLiteStore) NextSerial(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning serial transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM serials WHERE id = 1`).Scan(&next); err != nil {
		return 0, fmt.Errorf("reading serial: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE serials SET next = ? WHERE id = 1`, next+1); err != nil {
		return 0, fmt.Errorf("advancing serial: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing serial transaction: %w", err)
	}
	return next, nil
}
