// Package cache provides the two cache tiers of the CourierLink SDK.
//
//   - Expiring: per-entry TTL cache persisted through the durable store, so
//     cached reads survive process restarts. Expiry is lazy: an expired entry
//     is deleted on the next Get, never by a background sweeper.
//   - Query: a small in-memory memo of recent query results, cheap to consult
//     before touching the durable tier.
//
// Both tiers expose the same invalidation surface (RemoveByPrefix, Clear) so
// the coordinator can fan an invalidation out to both without caring which is
// which. Store failures are treated as cache misses — a broken cache must
// never take a read path down.
package cache

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davidpark/courierlink/internal/store"
	"github.com/davidpark/courierlink/internal/types"
)

// ─── Expiring (durable tier) ─────────────────────────────────────────────────

// ExpiringOption configures an Expiring cache.
type ExpiringOption func(*Expiring)

// WithClock replaces the time source. Used by tests to step through TTLs
// without sleeping.
func WithClock(now func() time.Time) ExpiringOption {
	return func(c *Expiring) { c.now = now }
}

// WithLogger attaches a logger for store-failure warnings.
func WithLogger(log *slog.Logger) ExpiringOption {
	return func(c *Expiring) { c.log = log }
}

// Expiring is the durable TTL cache tier. All methods are safe for concurrent
// use; concurrency control is delegated to the store.
type Expiring struct {
	st  store.Store
	now func() time.Time
	log *slog.Logger
}

// NewExpiring creates an Expiring cache backed by st.
func NewExpiring(st store.Store, opts ...ExpiringOption) *Expiring {
	c := &Expiring{
		st:  st,
		now: time.Now,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Set stores value under key with the given TTL, overwriting any existing
// entry. A non-positive ttl is a delete in disguise: the entry would be
// expired at birth, so the key is removed instead.
func (c *Expiring) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		_ = c.st.DeleteCache(key)
		return
	}
	now := c.now().UnixMilli()
	entry := &types.CacheEntry{
		Key:       key,
		Value:     json.RawMessage(value),
		StoredAt:  now,
		ExpiresAt: now + ttl.Milliseconds(),
	}
	if err := c.st.PutCache(entry); err != nil {
		c.log.Warn("cache set failed", "key", key, "err", err)
	}
}

// Get returns the value for key while it is still live. An expired entry is
// deleted and reported as a miss; a missing key and a store failure are also
// misses. Absence is a normal, silent outcome.
func (c *Expiring) Get(key string) ([]byte, bool) {
	entry, err := c.st.GetCache(key)
	if err != nil {
		return nil, false
	}
	if entry.Expired(c.now().UnixMilli()) {
		_ = c.st.DeleteCache(key)
		return nil, false
	}
	return entry.Value, true
}

// RemoveByPrefix deletes every entry whose key starts with prefix.
// Used for coarse-grained invalidation after mutations.
func (c *Expiring) RemoveByPrefix(prefix string) {
	if _, err := c.st.DeleteCachePrefix(prefix); err != nil {
		c.log.Warn("cache prefix invalidation failed", "prefix", prefix, "err", err)
	}
}

// Clear drops all entries.
func (c *Expiring) Clear() {
	if err := c.st.ClearCache(); err != nil {
		c.log.Warn("cache clear failed", "err", err)
	}
}

// ─── Query (in-memory tier) ──────────────────────────────────────────────────

type queryEntry struct {
	value     []byte
	expiresAt int64 // UTC ms
}

// Query is the in-memory query-result cache tier. It holds only whole query
// results keyed the same way as the durable tier, so a single prefix
// invalidation covers both. Safe for concurrent use.
type Query struct {
	mu      sync.Mutex
	entries map[string]queryEntry
	now     func() time.Time
}

// NewQuery creates an empty in-memory query cache.
func NewQuery(opts ...QueryOption) *Query {
	q := &Query{
		entries: make(map[string]queryEntry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// QueryOption configures a Query cache.
type QueryOption func(*Query)

// WithQueryClock replaces the time source, for tests.
func WithQueryClock(now func() time.Time) QueryOption {
	return func(q *Query) { q.now = now }
}

// Set stores value under key with the given TTL.
func (q *Query) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		q.mu.Lock()
		delete(q.entries, key)
		q.mu.Unlock()
		return
	}
	q.mu.Lock()
	q.entries[key] = queryEntry{
		value:     value,
		expiresAt: q.now().UnixMilli() + ttl.Milliseconds(),
	}
	q.mu.Unlock()
}

// Get returns the live value for key, expiring lazily like the durable tier.
func (q *Query) Get(key string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	if !ok {
		return nil, false
	}
	if q.now().UnixMilli() >= e.expiresAt {
		delete(q.entries, key)
		return nil, false
	}
	return e.value, true
}

// RemoveByPrefix deletes every entry whose key starts with prefix.
func (q *Query) RemoveByPrefix(prefix string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k := range q.entries {
		if strings.HasPrefix(k, prefix) {
			delete(q.entries, k)
		}
	}
}

// Clear drops all entries.
func (q *Query) Clear() {
	q.mu.Lock()
	q.entries = make(map[string]queryEntry)
	q.mu.Unlock()
}

// Len returns the number of entries currently held, live or not.
func (q *Query) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
