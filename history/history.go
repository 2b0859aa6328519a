// Package history persists a record of every processed batch item so the
// studio can show past runs across restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is one finished (or failed) batch item.
type Record struct {
	ID        int64     `json:"id"`
	BatchID   string    `json:"batchId"`
	Filename  string    `json:"filename"`
	Hash      string    `json:"hash"`
	Status    string    `json:"status"`
	ErrorKind string    `json:"errorKind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	DepthPath string    `json:"depthPath,omitempty"`
	PhotoPath string    `json:"photoPath,omitempty"`
	CacheHit  bool      `json:"cacheHit"`
	ElapsedMS int64     `json:"elapsedMs"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store wraps the history table.
type Store struct {
	db *sql.DB
}

// New creates the history table if needed and returns a Store.
func New(db *sql.DB) (*Store, error) {
	query := `
	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		hash TEXT,
		status TEXT NOT NULL,
		error_kind TEXT,
		error TEXT,
		width INTEGER,
		height INTEGER,
		depth_path TEXT,
		photo_path TEXT,
		cache_hit INTEGER NOT NULL DEFAULT 0,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &Store{db: db}, nil
}

// Add appends a record and fills in its ID and timestamp.
func (s *Store) Add(ctx context.Context, r *Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO history (
		batch_id, filename, hash, status, error_kind, error,
		width, height, depth_path, photo_path, cache_hit, elapsed_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BatchID, r.Filename, r.Hash, r.Status, r.ErrorKind, r.Error,
		r.Width, r.Height, r.DepthPath, r.PhotoPath, boolToInt(r.CacheHit),
		r.ElapsedMS, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, batch_id, filename, COALESCE(hash, ''), status,
	       COALESCE(error_kind, ''), COALESCE(error, ''),
	       width, height, COALESCE(depth_path, ''), COALESCE(photo_path, ''),
	       cache_hit, elapsed_ms, created_at
	FROM history
	ORDER BY id DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var cacheHit int
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Filename, &r.Hash, &r.Status,
			&r.ErrorKind, &r.Error, &r.Width, &r.Height, &r.DepthPath,
			&r.PhotoPath, &cacheHit, &r.ElapsedMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		r.CacheHit = cacheHit != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Batch returns every record belonging to one batch, in insertion order.
func (s *Store) Batch(ctx context.Context, batchID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, batch_id, filename, COALESCE(hash, ''), status,
	       COALESCE(error_kind, ''), COALESCE(error, ''),
	       width, height, COALESCE(depth_path, ''), COALESCE(photo_path, ''),
	       cache_hit, elapsed_ms, created_at
	FROM history
	WHERE batch_id = ?
	ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var cacheHit int
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Filename, &r.Hash, &r.Status,
			&r.ErrorKind, &r.Error, &r.Width, &r.Height, &r.DepthPath,
			&r.PhotoPath, &cacheHit, &r.ElapsedMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		r.CacheHit = cacheHit != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Clear removes records older than the cutoff and returns the count deleted.
func (s *Store) Clear(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
