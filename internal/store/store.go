package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fieldtracker/internal/geo"
)

// ErrPendingRetention guards the retention sweep: pending rows are
// undelivered data and are never eligible for deletion.
var ErrPendingRetention = errors.New("retention sweep may not delete pending rows")

// Store is the durable sample queue. Insertion order (the auto-increment
// id) is the authoritative delivery order; captured_at is informational
// because device clocks jitter.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			accuracy_m REAL NOT NULL,
			source TEXT NOT NULL,
			status INTEGER NOT NULL DEFAULT 0,
			captured_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_samples_session_status ON samples(session_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_samples_status_captured ON samples(status, captured_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// QueuedSample is one persisted position row.
type QueuedSample struct {
	ID         int64      `json:"id"`
	SessionID  int64      `json:"session_id"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	AccuracyM  float32    `json:"accuracy_m"`
	Source     string     `json:"source"`
	Status     geo.Status `json:"status"`
	CapturedAt int64      `json:"captured_at"` // unix milliseconds
}

// Counts summarizes a session's queue for the status surface.
type Counts struct {
	Pending int64 `json:"pending"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}

// Insert appends a pending row and returns its id. Purely local; never
// touches the network.
func (s *Store) Insert(ctx context.Context, sessionID int64, sample geo.Sample, capturedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO samples(session_id, latitude, longitude, accuracy_m, source, status, captured_at)
		 VALUES(?,?,?,?,?,?,?)`,
		sessionID, sample.Latitude, sample.Longitude, sample.AccuracyM, sample.Source,
		int(geo.StatusPending), capturedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert sample: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert sample id: %w", err)
	}
	return id, nil
}

// UploadQueue returns the session's rows still owed to the collector
// (pending or failed), oldest first by id. Empty means nothing eligible.
func (s *Store) UploadQueue(ctx context.Context, sessionID int64, limit int) ([]QueuedSample, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, latitude, longitude, accuracy_m, source, status, captured_at
		 FROM samples WHERE session_id=? AND status IN (?, ?) ORDER BY id ASC LIMIT ?`,
		sessionID, int(geo.StatusPending), int(geo.StatusFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("query upload queue: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// UploadQueueAfter pages through the session's undelivered rows: only
// rows with id greater than afterID, oldest first. Drain passes use it to
// keep the window advancing past rows that fail.
func (s *Store) UploadQueueAfter(ctx context.Context, sessionID, afterID int64, limit int) ([]QueuedSample, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, latitude, longitude, accuracy_m, source, status, captured_at
		 FROM samples WHERE session_id=? AND id>? AND status IN (?, ?) ORDER BY id ASC LIMIT ?`,
		sessionID, afterID, int(geo.StatusPending), int(geo.StatusFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("query upload queue after %d: %w", afterID, err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// SessionsWithBacklog lists sessions that still have undelivered rows.
func (s *Store) SessionsWithBacklog(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM samples WHERE status IN (?, ?) ORDER BY session_id ASC`,
		int(geo.StatusPending), int(geo.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("query backlog sessions: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan backlog session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateStatus applies a single-row transition. Last write wins; no
// history is kept.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status geo.Status) error {
	_, err := s.db.ExecContext(ctx, `UPDATE samples SET status=? WHERE id=?`, int(status), id)
	if err != nil {
		return fmt.Errorf("update sample %d status: %w", id, err)
	}
	return nil
}

// DeleteByStatusBefore removes terminal rows captured before the cutoff
// and returns the count deleted. Pending rows are refused outright.
func (s *Store) DeleteByStatusBefore(ctx context.Context, status geo.Status, cutoff time.Time) (int64, error) {
	if status == geo.StatusPending {
		return 0, ErrPendingRetention
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM samples WHERE status=? AND captured_at < ?`,
		int(status), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("retention delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retention count: %w", err)
	}
	return n, nil
}

// SessionCounts returns per-status row counts for one session.
func (s *Store) SessionCounts(ctx context.Context, sessionID int64) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM samples WHERE session_id=? GROUP BY status`, sessionID)
	if err != nil {
		return Counts{}, fmt.Errorf("query session counts: %w", err)
	}
	defer rows.Close()
	var c Counts
	for rows.Next() {
		var status int
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("scan session counts: %w", err)
		}
		switch geo.Status(status) {
		case geo.StatusPending:
			c.Pending = n
		case geo.StatusSuccess:
			c.Success = n
		case geo.StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// Sample fetches one row by id.
func (s *Store) Sample(ctx context.Context, id int64) (*QueuedSample, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, latitude, longitude, accuracy_m, source, status, captured_at
		 FROM samples WHERE id=?`, id)
	var q QueuedSample
	var status int
	switch err := row.Scan(&q.ID, &q.SessionID, &q.Latitude, &q.Longitude, &q.AccuracyM, &q.Source, &status, &q.CapturedAt); err {
	case nil:
		q.Status = geo.Status(status)
		return &q, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("fetch sample %d: %w", id, err)
	}
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

func scanSamples(rows *sql.Rows) ([]QueuedSample, error) {
	var out []QueuedSample
	for rows.Next() {
		var q QueuedSample
		var status int
		if err := rows.Scan(&q.ID, &q.SessionID, &q.Latitude, &q.Longitude, &q.AccuracyM, &q.Source, &status, &q.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		q.Status = geo.Status(status)
		out = append(out, q)
	}
	return out, rows.Err()
}
