package cache_test

import (
	"errors"
	"testing"
	"time"

	"github.com/davidpark/courierlink/internal/cache"
	"github.com/davidpark/courierlink/internal/store"
	"github.com/davidpark/courierlink/internal/store/boltstore"
	"github.com/davidpark/courierlink/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fakeClock is a settable time source shared between test and cache.
type fakeClock struct {
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time          { return c.at }
func (c *fakeClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

func openExpiring(t *testing.T) (*cache.Expiring, *fakeClock) {
	t.Helper()
	st, err := boltstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clk := newFakeClock()
	return cache.NewExpiring(st, cache.WithClock(clk.Now)), clk
}

// failingStore errors on every operation; embeds the interface so only the
// methods the cache calls need overriding.
type failingStore struct {
	store.Store
}

var errBroken = errors.New("disk on fire")

func (failingStore) PutCache(*types.CacheEntry) error           { return errBroken }
func (failingStore) GetCache(string) (*types.CacheEntry, error) { return nil, errBroken }
func (failingStore) DeleteCache(string) error                   { return errBroken }
func (failingStore) DeleteCachePrefix(string) (int, error)      { return 0, errBroken }
func (failingStore) ClearCache() error                          { return errBroken }

// ─── Expiring ────────────────────────────────────────────────────────────────

func TestExpiring_SetGet(t *testing.T) {
	c, _ := openExpiring(t)

	c.Set("orders_all", []byte(`[{"id":"o1"}]`), time.Minute)

	got, ok := c.Get("orders_all")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != `[{"id":"o1"}]` {
		t.Errorf("value mismatch: %s", got)
	}
}

func TestExpiring_MissOnUnknownKey(t *testing.T) {
	c, _ := openExpiring(t)
	if _, ok := c.Get("never_set"); ok {
		t.Fatal("expected miss")
	}
}

func TestExpiring_LazyExpiry(t *testing.T) {
	c, clk := openExpiring(t)

	c.Set("orders_all", []byte(`1`), time.Minute)

	clk.Advance(59 * time.Second)
	if _, ok := c.Get("orders_all"); !ok {
		t.Fatal("entry expired early")
	}

	clk.Advance(2 * time.Second)
	if _, ok := c.Get("orders_all"); ok {
		t.Fatal("entry should have expired")
	}

	// Expiry deletes the record, so a rewind does not resurrect it.
	clk.Advance(-time.Minute)
	if _, ok := c.Get("orders_all"); ok {
		t.Fatal("expired entry was not deleted")
	}
}

func TestExpiring_ExpiryBoundaryIsInclusive(t *testing.T) {
	c, clk := openExpiring(t)

	c.Set("k", []byte(`1`), time.Minute)
	clk.Advance(time.Minute) // now == ExpiresAt exactly
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry at exact expiry time should be a miss")
	}
}

func TestExpiring_SetOverwrites(t *testing.T) {
	c, _ := openExpiring(t)

	c.Set("k", []byte(`"old"`), time.Minute)
	c.Set("k", []byte(`"new"`), time.Minute)

	got, ok := c.Get("k")
	if !ok || string(got) != `"new"` {
		t.Fatalf("want overwritten value, got %s ok=%v", got, ok)
	}
}

func TestExpiring_NonPositiveTTLDeletes(t *testing.T) {
	c, _ := openExpiring(t)

	c.Set("k", []byte(`1`), time.Minute)
	c.Set("k", []byte(`2`), 0)

	if _, ok := c.Get("k"); ok {
		t.Fatal("zero TTL should remove the key")
	}
}

func TestExpiring_RemoveByPrefix(t *testing.T) {
	c, _ := openExpiring(t)

	c.Set("orders_a", []byte(`1`), time.Minute)
	c.Set("orders_b", []byte(`2`), time.Minute)
	c.Set("deliveries_a", []byte(`3`), time.Minute)

	c.RemoveByPrefix("orders")

	if _, ok := c.Get("orders_a"); ok {
		t.Error("orders_a should be gone")
	}
	if _, ok := c.Get("orders_b"); ok {
		t.Error("orders_b should be gone")
	}
	if _, ok := c.Get("deliveries_a"); !ok {
		t.Error("deliveries_a should survive")
	}
}

func TestExpiring_Clear(t *testing.T) {
	c, _ := openExpiring(t)
	c.Set("a", []byte(`1`), time.Minute)
	c.Set("b", []byte(`2`), time.Minute)

	c.Clear()

	if _, ok := c.Get("a"); ok {
		t.Error("a should be gone after clear")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b should be gone after clear")
	}
}

func TestExpiring_StoreFailureIsMiss(t *testing.T) {
	c := cache.NewExpiring(failingStore{})

	// None of these may panic or surface the store error.
	c.Set("k", []byte(`1`), time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("broken store must read as a miss")
	}
	c.RemoveByPrefix("k")
	c.Clear()
}

func TestExpiring_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	clk := newFakeClock()

	{
		st, err := boltstore.Open(dir)
		if err != nil {
			t.Fatalf("Open (first): %v", err)
		}
		c := cache.NewExpiring(st, cache.WithClock(clk.Now))
		c.Set("orders_all", []byte(`"persisted"`), time.Hour)
		if err := st.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	{
		st, err := boltstore.Open(dir)
		if err != nil {
			t.Fatalf("Open (second): %v", err)
		}
		defer st.Close()
		c := cache.NewExpiring(st, cache.WithClock(clk.Now))

		got, ok := c.Get("orders_all")
		if !ok || string(got) != `"persisted"` {
			t.Fatalf("entry lost across reopen: %s ok=%v", got, ok)
		}
	}
}

// ─── Query ───────────────────────────────────────────────────────────────────

func TestQuery_SetGetExpire(t *testing.T) {
	clk := newFakeClock()
	q := cache.NewQuery(cache.WithQueryClock(clk.Now))

	q.Set("orders_status=active", []byte(`[]`), 30*time.Second)

	if _, ok := q.Get("orders_status=active"); !ok {
		t.Fatal("expected hit")
	}

	clk.Advance(31 * time.Second)
	if _, ok := q.Get("orders_status=active"); ok {
		t.Fatal("entry should have expired")
	}
	if q.Len() != 0 {
		t.Errorf("expired entry not evicted, len=%d", q.Len())
	}
}

func TestQuery_RemoveByPrefix(t *testing.T) {
	q := cache.NewQuery()
	q.Set("orders_a", []byte(`1`), time.Minute)
	q.Set("orders_b", []byte(`2`), time.Minute)
	q.Set("notifications_x", []byte(`3`), time.Minute)

	q.RemoveByPrefix("orders")

	if q.Len() != 1 {
		t.Fatalf("want 1 survivor, got %d", q.Len())
	}
	if _, ok := q.Get("notifications_x"); !ok {
		t.Error("notifications_x should survive")
	}
}

func TestQuery_Clear(t *testing.T) {
	q := cache.NewQuery()
	q.Set("a", []byte(`1`), time.Minute)
	q.Set("b", []byte(`2`), time.Minute)

	q.Clear()

	if q.Len() != 0 {
		t.Errorf("want empty after clear, got %d", q.Len())
	}
}

func TestQuery_ZeroTTLDeletes(t *testing.T) {
	q := cache.NewQuery()
	q.Set("k", []byte(`1`), time.Minute)
	q.Set("k", []byte(`2`), 0)

	if _, ok := q.Get("k"); ok {
		t.Fatal("zero TTL should remove the key")
	}
}
