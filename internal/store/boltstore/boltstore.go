// Package boltstore is the bbolt-backed implementation of store.Store.
//
// bbolt is chosen because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID — the offline queue is always consistent even after a crash
//   - Single file (courierlink.db inside the data directory)
//   - Well-maintained (used by etcd in production)
//
// Layout: three buckets in one database file.
//
//	offline_actions   mutation ID → JSON PendingMutation
//	abandoned_actions mutation ID → JSON PendingMutation
//	cache             cache key   → JSON CacheEntry
//
// Records are stored as JSON rather than a packed binary form: mutation
// payloads are opaque JSON already, record counts are small (bounded by a
// user's pending writes and query combinations), and a readable on-disk
// format is worth more than the few bytes saved.
package boltstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/davidpark/courierlink/internal/store"
	"github.com/davidpark/courierlink/internal/types"
)

const dbFileName = "courierlink.db"

var (
	bucketActions   = []byte("offline_actions")
	bucketAbandoned = []byte("abandoned_actions")
	bucketCache     = []byte("cache")
)

// Store is the local, single-file implementation of store.Store.
// All methods are safe for concurrent use (bbolt serialises writers).
type Store struct {
	db *bbolt.DB
}

// Ensure Store satisfies the interface at compile time.
var _ store.Store = (*Store)(nil)

// Open creates (or reopens) the store backed by dir/courierlink.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("boltstore: create dir %s: %w", dir, err)
	}

	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(filepath.Join(dir, dbFileName), 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketActions, bucketAbandoned, bucketCache} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// ─── Pending actions ──────────────────────────────────────────────────────────

// PutAction upserts the pending mutation record for m.ID.
func (s *Store) PutAction(m *types.PendingMutation) error {
	return s.putMutation(bucketActions, m)
}

// GetAction retrieves the pending mutation with the given ID.
func (s *Store) GetAction(id string) (*types.PendingMutation, error) {
	return s.getMutation(bucketActions, id)
}

// DeleteAction removes the pending mutation record for id.
func (s *Store) DeleteAction(id string) error {
	return s.deleteKey(bucketActions, id)
}

// ListActions returns all pending mutations in FIFO (EnqueuedAt) order.
func (s *Store) ListActions() ([]*types.PendingMutation, error) {
	return s.listMutations(bucketActions)
}

// ClearActions drops every pending mutation record.
func (s *Store) ClearActions() error {
	return s.clearBucket(bucketActions)
}

// ─── Abandoned actions ────────────────────────────────────────────────────────

// PutAbandoned upserts an abandoned mutation record.
func (s *Store) PutAbandoned(m *types.PendingMutation) error {
	return s.putMutation(bucketAbandoned, m)
}

// GetAbandoned retrieves the abandoned mutation with the given ID.
func (s *Store) GetAbandoned(id string) (*types.PendingMutation, error) {
	return s.getMutation(bucketAbandoned, id)
}

// DeleteAbandoned removes an abandoned mutation record.
func (s *Store) DeleteAbandoned(id string) error {
	return s.deleteKey(bucketAbandoned, id)
}

// ListAbandoned returns all abandoned mutations in EnqueuedAt order.
func (s *Store) ListAbandoned() ([]*types.PendingMutation, error) {
	return s.listMutations(bucketAbandoned)
}

// ─── Cache ────────────────────────────────────────────────────────────────────

// PutCache upserts the cache entry for e.Key.
func (s *Store) PutCache(e *types.CacheEntry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("boltstore: marshal cache entry %s: %w", e.Key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCache).Put([]byte(e.Key), val)
	})
}

// GetCache retrieves the cache entry for key.
func (s *Store) GetCache(key string) (*types.CacheEntry, error) {
	var entry *types.CacheEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketCache).Get([]byte(key))
		if val == nil {
			return store.ErrNotFound
		}
		var e types.CacheEntry
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("boltstore: decode cache entry %s: %w", key, err)
		}
		entry = &e
		return nil
	})
	return entry, err
}

// DeleteCache removes the entry for key.
func (s *Store) DeleteCache(key string) error {
	return s.deleteKey(bucketCache, key)
}

// DeleteCachePrefix removes every entry whose key starts with prefix.
// bbolt keys are byte-sorted, so the prefix range is a single cursor seek.
func (s *Store) DeleteCachePrefix(prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("boltstore: empty invalidation prefix")
	}
	p := []byte(prefix)
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCache).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("boltstore: delete cache prefix %q: %w", prefix, err)
	}
	return removed, nil
}

// ClearCache drops every cache entry.
func (s *Store) ClearCache() error {
	return s.clearBucket(bucketCache)
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

func (s *Store) putMutation(bucket []byte, m *types.PendingMutation) error {
	if m.ID == "" {
		return fmt.Errorf("boltstore: mutation has empty ID")
	}
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("boltstore: marshal mutation %s: %w", m.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(m.ID), val)
	})
}

func (s *Store) getMutation(bucket []byte, id string) (*types.PendingMutation, error) {
	var m *types.PendingMutation
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucket).Get([]byte(id))
		if val == nil {
			return store.ErrNotFound
		}
		var rec types.PendingMutation
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("boltstore: decode mutation %s: %w", id, err)
		}
		m = &rec
		return nil
	})
	return m, err
}

// listMutations scans a bucket and sorts by (EnqueuedAt, ID). The bucket's
// natural key order groups by mutation type first, which is not FIFO, so the
// sort is done in memory — record counts here are tiny.
func (s *Store) listMutations(bucket []byte) ([]*types.PendingMutation, error) {
	var out []*types.PendingMutation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var m types.PendingMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("boltstore: decode mutation %s: %w", k, err)
			}
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt != out[j].EnqueuedAt {
			return out[i].EnqueuedAt < out[j].EnqueuedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) deleteKey(bucket []byte, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *Store) clearBucket(bucket []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucket)
		return err
	})
}
