// Package cache is a content-addressed store for finished pipeline artifacts,
// keyed by a SHA-256 of the raw upload bytes. Entries expire by age at read
// time; duplicate uploads within the TTL are served without recomputation.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultTTL is how long a cache entry stays servable.
const DefaultTTL = time.Hour

// ErrUnavailable wraps cache backing-store failures. Callers treat it as a
// miss: the pipeline still runs, just without memoization.
var ErrUnavailable = errors.New("cache: backing store unavailable")

// Entry holds the artifacts produced for one source image.
type Entry struct {
	DepthMap  []byte    // encoded depth map artifact
	Photo     []byte    // 3D photo JPEG
	CreatedAt time.Time // first successful pipeline run for this hash
}

// HashBytes returns the content hash used as a cache key.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is a SQLite-backed result cache. The zero value is not usable; use
// New. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	mu       sync.Mutex
	inFlight map[string]chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

// New creates the cache table if needed and returns a Store with the given
// TTL (DefaultTTL when ttl <= 0).
func New(db *sql.DB, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		db:       db,
		ttl:      ttl,
		inFlight: make(map[string]chan struct{}),
		now:      time.Now,
	}
	const ddl = `
	CREATE TABLE IF NOT EXISTS result_cache (
		hash       TEXT PRIMARY KEY,
		depth_map  BLOB NOT NULL,
		photo      BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("cache: create table: %w", err)
	}
	return s, nil
}

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Lookup returns the entry for hash, or ok=false for unseen hashes and for
// entries past their TTL. Expiry is a read-time check; stale rows are left in
// place for Prune.
func (s *Store) Lookup(ctx context.Context, hash string) (*Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT depth_map, photo, created_at FROM result_cache WHERE hash = ?`, hash)

	var e Entry
	var createdUnix int64
	err := row.Scan(&e.DepthMap, &e.Photo, &createdUnix)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: lookup: %v", ErrUnavailable, err)
	}
	e.CreatedAt = time.Unix(createdUnix, 0)
	if s.now().Sub(e.CreatedAt) > s.ttl {
		return nil, false, nil
	}
	return &e, true, nil
}

// Put stores artifacts under hash. Concurrent calls for the same hash are
// idempotent: last write wins, no corruption.
func (s *Store) Put(ctx context.Context, hash string, e *Entry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO result_cache (hash, depth_map, photo, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET
			depth_map = excluded.depth_map,
			photo = excluded.photo,
			created_at = excluded.created_at`,
		hash, e.DepthMap, e.Photo, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("%w: put: %v", ErrUnavailable, err)
	}
	return nil
}

// Prune deletes rows past their TTL. Expiry correctness never depends on
// this; it only reclaims disk space.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM result_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetOrCompute returns the cached entry for hash, computing and storing it on
// a miss. While one computation for a hash is in flight, duplicate callers
// wait for it and then re-check the cache instead of re-triggering compute.
// If two callers race past the in-flight window both may compute; that is a
// wasted inference, not a correctness problem. Cache I/O failures are logged
// and degrade to uncached computation.
func (s *Store) GetOrCompute(ctx context.Context, hash string, compute func() (*Entry, error)) (*Entry, bool, error) {
	if e, ok, err := s.Lookup(ctx, hash); err != nil {
		log.Printf("cache: lookup failed for %s: %v", shortHash(hash), err)
	} else if ok {
		return e, true, nil
	}

	var marker chan struct{}
	for marker == nil {
		s.mu.Lock()
		ch, busy := s.inFlight[hash]
		if !busy {
			marker = make(chan struct{})
			s.inFlight[hash] = marker
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		// Another upload of the same bytes is already computing; wait for it
		// and take its result from the cache. If that computation failed the
		// next loop iteration claims the marker and computes here.
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if e, ok, err := s.Lookup(ctx, hash); err != nil {
			log.Printf("cache: lookup failed for %s: %v", shortHash(hash), err)
		} else if ok {
			return e, true, nil
		}
	}

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, hash)
		s.mu.Unlock()
		close(marker)
	}()

	e, err := compute()
	if err != nil {
		return nil, false, err
	}
	if err := s.Put(ctx, hash, e); err != nil {
		log.Printf("cache: store failed for %s: %v", shortHash(hash), err)
	}
	return e, false, nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
