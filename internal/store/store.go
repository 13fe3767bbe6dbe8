// Package store defines the durable-store abstraction behind the outbox and
// the expiring cache.
//
// Design principle: the outbox and cache layers must ONLY touch local
// persistence through this interface. Never call the database directly from
// component code. This keeps the door open to swapping the bbolt file for a
// platform-native store (mobile keychain-adjacent storage, sqlite) without
// touching any queue or cache logic.
package store

import (
	"errors"

	"github.com/davidpark/courierlink/internal/types"
)

// ErrNotFound is returned when a mutation or cache record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the single abstraction through which pending mutations, abandoned
// mutations, and cache entries are persisted and retrieved.
//
// The three record families live in separate buckets; no operation crosses
// them. All methods must be safe for concurrent use.
type Store interface {
	// PutAction upserts a pending mutation record. Called before any network
	// attempt — durability precedes execution.
	PutAction(m *types.PendingMutation) error

	// GetAction retrieves the pending mutation with the given ID.
	// Returns ErrNotFound if it does not exist.
	GetAction(id string) (*types.PendingMutation, error)

	// DeleteAction removes the pending mutation record. Deleting a missing
	// record is not an error.
	DeleteAction(id string) error

	// ListActions returns every pending mutation ordered by EnqueuedAt
	// ascending (ties broken by ID). Used to rebuild the in-memory queue on
	// startup and by introspection.
	ListActions() ([]*types.PendingMutation, error)

	// ClearActions drops every pending mutation record.
	ClearActions() error

	// PutAbandoned upserts a record in the abandoned store.
	PutAbandoned(m *types.PendingMutation) error

	// GetAbandoned retrieves an abandoned mutation by ID.
	// Returns ErrNotFound if it does not exist.
	GetAbandoned(id string) (*types.PendingMutation, error)

	// DeleteAbandoned removes an abandoned record. Missing is not an error.
	DeleteAbandoned(id string) error

	// ListAbandoned returns every abandoned mutation ordered by EnqueuedAt
	// ascending (ties broken by ID).
	ListAbandoned() ([]*types.PendingMutation, error)

	// PutCache upserts a cache entry keyed by entry.Key.
	PutCache(e *types.CacheEntry) error

	// GetCache retrieves the cache entry for key.
	// Returns ErrNotFound if the key has never been cached or was invalidated.
	GetCache(key string) (*types.CacheEntry, error)

	// DeleteCache removes the entry for key. Missing is not an error.
	DeleteCache(key string) error

	// DeleteCachePrefix removes every entry whose key starts with prefix and
	// returns how many were removed.
	DeleteCachePrefix(prefix string) (int, error)

	// ClearCache drops every cache entry.
	ClearCache() error

	// Close flushes all pending writes and releases file handles.
	Close() error
}
