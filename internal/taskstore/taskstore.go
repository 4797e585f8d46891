// Package taskstore owns the daemon's persisted local state: the single
// active capture task, the capped capture history, and the offline ingestion
// queue. It is the one piece of cross-session shared mutable state, so all
// writes go through guarded transactions instead of read-then-write.
package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/pagebrain/capd/api/schemas"
)

// ErrBusy is returned by TryBegin when a capture task is already in flight.
// Use errors.As with *BusyError to recover the active task.
var ErrBusy = errors.New("a capture task is already active")

// BusyError carries the in-flight task a conflicting TryBegin ran into, so
// callers can report the existing taskId instead of minting a new one.
type BusyError struct {
	Active schemas.CaptureTask
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("a capture task is already active (taskId %s)", e.Active.TaskID)
}

func (e *BusyError) Unwrap() error { return ErrBusy }

// QueuedPage is one entry of the offline ingestion queue.
type QueuedPage struct {
	ID        int64
	Payload   []byte
	Timestamp time.Time
}

// Store is the sqlite-backed task registry.
type Store struct {
	db           *sql.DB
	staleAfter   time.Duration
	historyLimit int
	logger       *zap.Logger

	// now is overridable in tests.
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS active_task (
	slot       INTEGER PRIMARY KEY CHECK (slot = 1),
	task_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	title      TEXT NOT NULL,
	url        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	url        TEXT NOT NULL,
	title      TEXT NOT NULL,
	capture    TEXT NOT NULL,
	provider   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS offline_queue (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Open opens (creating if needed) the state database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// The daemon is the only writer; a single connection sidesteps
	// SQLITE_BUSY between the sweeper and request handlers.
	db.SetMaxOpenConns(1)
	return db, nil
}

// New verifies the connection, applies the schema and returns a ready store.
func New(ctx context.Context, db *sql.DB, staleAfter time.Duration, historyLimit int, logger *zap.Logger) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{
		db:           db,
		staleAfter:   staleAfter,
		historyLimit: historyLimit,
		logger:       logger.Named("taskstore"),
		now:          time.Now,
	}, nil
}

// TryBegin atomically claims the single capture slot. A live task already in
// the slot yields *BusyError; a stale one is evicted and replaced.
func (s *Store) TryBegin(ctx context.Context, title, url string) (schemas.CaptureTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schemas.CaptureTask{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logger.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	existing, err := scanTask(tx.QueryRowContext(ctx, `SELECT task_id, created_at, title, url FROM active_task WHERE slot = 1`))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return schemas.CaptureTask{}, err
	}

	now := s.now()
	if err == nil {
		if existing.Age(now) < s.staleAfter {
			return schemas.CaptureTask{}, &BusyError{Active: existing}
		}
		s.logger.Warn("Evicting stale capture task", zap.String("task_id", existing.TaskID))
		if _, err := tx.ExecContext(ctx, `DELETE FROM active_task WHERE slot = 1`); err != nil {
			return schemas.CaptureTask{}, fmt.Errorf("failed to evict stale task: %w", err)
		}
	}

	task := schemas.CaptureTask{
		TaskID:    strconv.FormatInt(now.UnixMilli(), 10),
		Timestamp: now,
		Title:     title,
		URL:       url,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_task (slot, task_id, created_at, title, url) VALUES (1, ?, ?, ?, ?)`,
		task.TaskID, now.UnixMilli(), title, url)
	if err != nil {
		return schemas.CaptureTask{}, fmt.Errorf("failed to persist capture task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return schemas.CaptureTask{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return task, nil
}

// Active returns the current task, or nil when the slot is empty or holds a
// stale task (which is removed as a side effect).
func (s *Store) Active(ctx context.Context) (*schemas.CaptureTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT task_id, created_at, title, url FROM active_task WHERE slot = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if task.Age(s.now()) >= s.staleAfter {
		if err := s.Reset(ctx); err != nil {
			return nil, err
		}
		s.logger.Info("Removed stale capture task", zap.String("task_id", task.TaskID))
		return nil, nil
	}
	return &task, nil
}

// Complete releases the slot if it still holds taskID. A slot already
// claimed by a newer task is left alone, so a discarded background result
// cannot clobber a fresh capture.
func (s *Store) Complete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_task WHERE slot = 1 AND task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return nil
}

// Reset unconditionally clears the slot (manual user reset).
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_task`); err != nil {
		return fmt.Errorf("failed to reset capture task: %w", err)
	}
	return nil
}

// SweepStale removes the active task when it has exceeded the staleness
// threshold, returning the evicted task if any.
func (s *Store) SweepStale(ctx context.Context) (*schemas.CaptureTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT task_id, created_at, title, url FROM active_task WHERE slot = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.Age(s.now()) < s.staleAfter {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_task WHERE task_id = ?`, task.TaskID); err != nil {
		return nil, fmt.Errorf("failed to sweep stale task: %w", err)
	}
	return &task, nil
}

// AppendHistory archives a completed capture, evicting the oldest entries
// beyond the cap.
func (s *Store) AppendHistory(ctx context.Context, entry schemas.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logger.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO history (url, title, capture, provider, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.URL, entry.Title, entry.Capture, entry.Provider, entry.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM history WHERE id NOT IN (SELECT id FROM history ORDER BY id DESC LIMIT ?)`,
		s.historyLimit)
	if err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// History returns archived captures, newest first.
func (s *Store) History(ctx context.Context) ([]schemas.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, title, capture, provider, created_at FROM history ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []schemas.HistoryEntry
	for rows.Next() {
		var e schemas.HistoryEntry
		var createdAt int64
		if err := rows.Scan(&e.URL, &e.Title, &e.Capture, &e.Provider, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Timestamp = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EnqueueOffline stores an ingestion payload for later delivery.
func (s *Store) EnqueueOffline(ctx context.Context, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_queue (payload, created_at) VALUES (?, ?)`,
		payload, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to enqueue offline payload: %w", err)
	}
	return nil
}

// PendingOffline returns queued ingestion payloads, oldest first.
func (s *Store) PendingOffline(ctx context.Context) ([]QueuedPage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload, created_at FROM offline_queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query offline queue: %w", err)
	}
	defer rows.Close()

	var pages []QueuedPage
	for rows.Next() {
		var p QueuedPage
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		p.Timestamp = time.UnixMilli(createdAt).UTC()
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// DeleteOffline removes a delivered queue entry.
func (s *Store) DeleteOffline(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	return nil
}

func scanTask(row *sql.Row) (schemas.CaptureTask, error) {
	var task schemas.CaptureTask
	var createdAt int64
	if err := row.Scan(&task.TaskID, &createdAt, &task.Title, &task.URL); err != nil {
		return schemas.CaptureTask{}, err
	}
	task.Timestamp = time.UnixMilli(createdAt).UTC()
	return task, nil
}
