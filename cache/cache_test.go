package cache

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db, ttl)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

// TestHashBytes verifies hashing is deterministic and content-sensitive.
func TestHashBytes(t *testing.T) {
	a := HashBytes([]byte("image-bytes"))
	b := HashBytes([]byte("image-bytes"))
	c := HashBytes([]byte("other-bytes"))

	if a != b {
		t.Error("identical inputs produced different hashes")
	}
	if a == c {
		t.Error("distinct inputs produced the same hash")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d; want 64 hex chars", len(a))
	}
}

// TestLookupStoreWithinTTL verifies the basic store/lookup cycle.
func TestLookupStoreWithinTTL(t *testing.T) {
	s := testStore(t, time.Hour)
	ctx := context.Background()
	hash := HashBytes([]byte("photo"))

	if _, ok, err := s.Lookup(ctx, hash); err != nil || ok {
		t.Fatalf("Lookup(unseen) = ok=%v err=%v; want miss", ok, err)
	}

	want := &Entry{DepthMap: []byte{1, 2, 3}, Photo: []byte{4, 5, 6}}
	if err := s.Put(ctx, hash, want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok, err := s.Lookup(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("Lookup() = ok=%v err=%v; want hit", ok, err)
	}
	if string(got.DepthMap) != string(want.DepthMap) || string(got.Photo) != string(want.Photo) {
		t.Error("looked-up entry differs from stored entry")
	}
}

// TestLookupExpiry verifies entries past the TTL read as absent even though
// the row is still physically present.
func TestLookupExpiry(t *testing.T) {
	s := testStore(t, time.Hour)
	ctx := context.Background()
	hash := HashBytes([]byte("photo"))

	now := time.Now()
	s.now = func() time.Time { return now }
	if err := s.Put(ctx, hash, &Entry{DepthMap: []byte{1}, Photo: []byte{2}}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Advance past TTL.
	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, ok, err := s.Lookup(ctx, hash); err != nil || ok {
		t.Fatalf("Lookup(expired) = ok=%v err=%v; want miss", ok, err)
	}

	// Row still there until pruned.
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM result_cache`).Scan(&count); err != nil {
		t.Fatalf("count query error = %v", err)
	}
	if count != 1 {
		t.Errorf("rows = %d; want 1 (expiry is read-time, not eager)", count)
	}

	pruned, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("Prune() = %d; want 1", pruned)
	}
}

// TestPutIdempotent verifies last-write-wins for repeated stores.
func TestPutIdempotent(t *testing.T) {
	s := testStore(t, time.Hour)
	ctx := context.Background()
	hash := HashBytes([]byte("photo"))

	if err := s.Put(ctx, hash, &Entry{DepthMap: []byte("old"), Photo: []byte("old")}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, hash, &Entry{DepthMap: []byte("new"), Photo: []byte("new")}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok, err := s.Lookup(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("Lookup() = ok=%v err=%v; want hit", ok, err)
	}
	if string(got.DepthMap) != "new" {
		t.Errorf("DepthMap = %q; want %q", got.DepthMap, "new")
	}
}

// TestGetOrComputeSingleFlight verifies a duplicate request waits for the
// in-flight computation instead of triggering a second one.
func TestGetOrComputeSingleFlight(t *testing.T) {
	s := testStore(t, time.Hour)
	ctx := context.Background()
	hash := HashBytes([]byte("photo"))

	var mu sync.Mutex
	calls := 0
	started := make(chan struct{})
	release := make(chan struct{})

	compute := func() (*Entry, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		return &Entry{DepthMap: []byte{1}, Photo: []byte{2}}, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, _, err := s.GetOrCompute(ctx, hash, compute); err != nil {
			t.Errorf("first GetOrCompute() error = %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-started
		// Second request arrives while the first is computing.
		_, hit, err := s.GetOrCompute(ctx, hash, compute)
		if err != nil {
			t.Errorf("second GetOrCompute() error = %v", err)
		}
		if !hit {
			t.Error("second GetOrCompute() recomputed; want cache hit")
		}
	}()

	// Give the second goroutine time to block on the in-flight marker.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("compute calls = %d; want 1", calls)
	}
}

// TestGetOrComputePropagatesComputeError verifies failed computations are not
// cached and the error reaches the caller.
func TestGetOrComputePropagatesComputeError(t *testing.T) {
	s := testStore(t, time.Hour)
	ctx := context.Background()
	hash := HashBytes([]byte("photo"))
	boom := errors.New("inference exploded")

	if _, _, err := s.GetOrCompute(ctx, hash, func() (*Entry, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("GetOrCompute() error = %v; want %v", err, boom)
	}

	if _, ok, err := s.Lookup(ctx, hash); err != nil || ok {
		t.Errorf("Lookup() after failed compute = ok=%v err=%v; want miss", ok, err)
	}
}
