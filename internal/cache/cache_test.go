package cache

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/providers"
	"github.com/quantumclaw/quantumclaw/internal/store"
)

func msgs(content string) []providers.Message {
	return []providers.Message{{Role: "user", Content: content}}
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db := store.Open(filepath.Join(dir, "shared.db"), dir, slog.Default())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestKeyIsStableAndShort(t *testing.T) {
	a := Key(msgs("hello"), "m1")
	b := Key(msgs("hello"), "m1")
	if a != b {
		t.Errorf("same input, different keys: %s %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("key length = %d", len(a))
	}
	if Key(msgs("hello"), "m2") == a {
		t.Error("model must be part of the key")
	}
}

func TestGetSetHit(t *testing.T) {
	c := New(testDB(t), 60, true, slog.Default())

	if hit := c.Get(msgs("q"), "m"); hit != nil {
		t.Fatal("unexpected hit on empty cache")
	}
	c.Set(msgs("q"), "m", "cached answer", 100, 0.01, 0)

	hit := c.Get(msgs("q"), "m")
	if hit == nil || !hit.Cached || hit.Content != "cached answer" {
		t.Fatalf("hit = %+v", hit)
	}

	// The store itself counts as the first hit; only the served repeat
	// contributes savings.
	s := c.Stats()
	if s.Hits != 2 || s.TokensSaved != 100 {
		t.Errorf("stats = %+v", s)
	}
}

func TestHitCounterCountsInitialStore(t *testing.T) {
	c := New(testDB(t), 60, true, slog.Default())
	c.Set(msgs("q"), "m", "answer", 0, 0, 0)

	if s := c.Stats(); s.Hits != 1 || s.TokensSaved != 0 {
		t.Fatalf("stats after store = %+v", s)
	}
	c.Get(msgs("q"), "m")
	if s := c.Stats(); s.Hits != 2 {
		t.Errorf("hits = %d, want 2 after one served repeat", s.Hits)
	}
}

func TestExpiryPrunedLazily(t *testing.T) {
	c := New(testDB(t), 60, true, slog.Default())
	now := time.Now()
	c.clock = func() time.Time { return now }

	c.Set(msgs("q"), "m", "answer", 0, 0, 0)

	now = now.Add(61 * time.Minute)
	if hit := c.Get(msgs("q"), "m"); hit != nil {
		t.Fatal("expired entry served")
	}
	if c.Size() != 0 {
		t.Errorf("size = %d after lazy prune", c.Size())
	}
}

func TestLRUTrim(t *testing.T) {
	c := New(testDB(t), 60, true, slog.Default())
	base := time.Now()
	i := 0
	c.clock = func() time.Time { i++; return base.Add(time.Duration(i) * time.Millisecond) }

	for n := 0; n < maxEntries+1; n++ {
		c.Set(msgs(fmt.Sprintf("q%d", n)), "m", "a", 0, 0, 0)
	}
	if got := c.Size(); got != trimTarget {
		t.Errorf("size after trim = %d, want %d", got, trimTarget)
	}
	// The oldest entries were evicted; the newest survives.
	if hit := c.Get(msgs(fmt.Sprintf("q%d", maxEntries)), "m"); hit == nil {
		t.Error("newest entry evicted")
	}
	if hit := c.Get(msgs("q0"), "m"); hit != nil {
		t.Error("oldest entry survived the trim")
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db := store.Open(filepath.Join(dir, "shared.db"), dir, slog.Default())

	c := New(db, 60, true, slog.Default())
	c.Set(msgs("q"), "m", "persisted", 50, 0.005, 0)
	db.Close()

	db2 := store.Open(filepath.Join(dir, "shared.db"), dir, slog.Default())
	defer db2.Close()
	c2 := New(db2, 60, true, slog.Default())
	hit := c2.Get(msgs("q"), "m")
	if hit == nil || hit.Content != "persisted" {
		t.Fatalf("hit after reopen = %+v", hit)
	}
}

func TestExpiredDroppedOnLoad(t *testing.T) {
	dir := t.TempDir()
	db := store.Open(filepath.Join(dir, "shared.db"), dir, slog.Default())

	c := New(db, 60, true, slog.Default())
	past := time.Now().Add(-2 * time.Hour)
	c.clock = func() time.Time { return past }
	c.Set(msgs("old"), "m", "stale", 0, 0, 0)
	db.Close()

	db2 := store.Open(filepath.Join(dir, "shared.db"), dir, slog.Default())
	defer db2.Close()
	c2 := New(db2, 60, true, slog.Default())
	if c2.Size() != 0 {
		t.Errorf("size = %d, stale entry loaded", c2.Size())
	}
}

func TestDisabledCacheIsInert(t *testing.T) {
	c := New(testDB(t), 60, false, slog.Default())
	c.Set(msgs("q"), "m", "a", 0, 0, 0)
	if hit := c.Get(msgs("q"), "m"); hit != nil {
		t.Fatal("disabled cache returned a hit")
	}
}
