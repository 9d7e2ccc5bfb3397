// ABOUTME: SQLite transaction log journaling in-flight work on the agent.
// ABOUTME: Replayed on startup so interrupted tasks are reported failed, not dropped.

package agent

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TxEntry identifies one unit of work that was started but not finished.
type TxEntry struct {
	TaskID    string
	SessionID string
	RequestID uint64
	StartedAt time.Time
}

// TxLog journals the task the processing loop is about to execute. The
// record is cleared only on successful completion, so anything still in
// the log at startup was interrupted by an abnormal exit.
type TxLog struct {
	db *sql.DB
}

// OpenTxLog opens (or creates) the journal at path.
func OpenTxLog(path string) (*TxLog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening transaction log: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending (
			task_id    TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			request_id INTEGER NOT NULL,
			started_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &TxLog{db: db}, nil
}

// Begin journals a unit of work before it executes.
func (l *TxLog) Begin(ctx context.Context, e TxEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pending (task_id, session_id, request_id, started_at)
		VALUES (?, ?, ?, ?)`,
		e.TaskID, e.SessionID, e.RequestID, e.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("journaling task %s: %w", e.TaskID, err)
	}
	return nil
}

// Clear removes the journal record after successful completion.
func (l *TxLog) Clear(ctx context.Context, taskID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM pending WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("clearing journal for %s: %w", taskID, err)
	}
	return nil
}

// Pending returns every journaled entry, oldest first. Entries found at
// startup belong to work interrupted by the previous process.
func (l *TxLog) Pending(ctx context.Context) ([]TxEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT task_id, session_id, request_id, started_at FROM pending
		ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	defer rows.Close()

	var out []TxEntry
	for rows.Next() {
		var e TxEntry
		var started int64
		if err := rows.Scan(&e.TaskID, &e.SessionID, &e.RequestID, &started); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		e.StartedAt = time.Unix(0, started)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (l *TxLog) Close() error {
	return l.db.Close()
}
