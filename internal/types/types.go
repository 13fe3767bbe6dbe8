// Package types contains the core domain types shared across all CourierLink
// internal packages. It deliberately has zero imports of other CourierLink
// packages so that the store layer, the outbox, and the realtime channel can
// all import from it without creating import cycles.
package types

import "encoding/json"

// MutationType identifies which backend write operation a queued mutation
// performs. The set is open-ended: adding a new mutation kind means adding a
// constant here and a dispatch arm in the API client — nothing else.
type MutationType string

const (
	MutationCreateOrder          MutationType = "create_order"
	MutationUpdateOrder          MutationType = "update_order"
	MutationCreateDelivery       MutationType = "create_delivery"
	MutationUpdateDeliveryStatus MutationType = "update_delivery_status"
	MutationSendNotification     MutationType = "send_notification"
)

// Status is the lifecycle state of a mutation inside the outbox.
type Status uint8

const (
	// StatusPending means the mutation is persisted and waiting for a flush pass.
	StatusPending Status = iota
	// StatusInFlight means a flush pass is currently replaying the mutation
	// against the backend.
	StatusInFlight
	// StatusConfirmed means the backend accepted the mutation. The durable
	// record has been deleted; the status only appears on in-memory copies
	// handed to callbacks.
	StatusConfirmed
	// StatusAbandoned means the mutation exhausted its attempts and was moved
	// to the abandoned store. It is never replayed automatically.
	StatusAbandoned
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusConfirmed:
		return "confirmed"
	case StatusAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// PendingMutation is the canonical unit of deferred work in the outbox.
//
// Design rules:
//   - The persisted format is final. Only optional fields may be added. Never
//     rename or remove a field — records written by older builds must always
//     be readable after an app update.
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - IDs are "{type}_{timestamp}_{random suffix}" strings: queue-order unique
//     without a central sequence (see ident.MutationID).
type PendingMutation struct {
	// ID uniquely identifies this mutation across restarts.
	ID string `json:"id"`

	// Type selects the backend operation the mutation maps to.
	Type MutationType `json:"type"`

	// Payload is the opaque JSON body specific to Type. The outbox never
	// inspects it; the API client forwards it verbatim.
	Payload json.RawMessage `json:"payload"`

	// EnqueuedAt is the UTC millisecond the mutation was created.
	// Flush replays mutations in EnqueuedAt order (FIFO).
	EnqueuedAt int64 `json:"enqueued_at"`

	// Attempt is the number of failed replay attempts so far. Starts at 0 and
	// is incremented each time a flush pass fails to deliver the mutation.
	Attempt int `json:"attempt"`

	// MaxAttempts is the replay budget fixed at enqueue time. Once
	// Attempt >= MaxAttempts the mutation is moved to the abandoned store.
	MaxAttempts int `json:"max_attempts"`

	// IdempotencyKey is a client-generated UUID sent with every replay so the
	// backend can deduplicate a mutation that was delivered but whose response
	// was lost.
	IdempotencyKey string `json:"idempotency_key"`

	// Status is the current lifecycle state. Persisted records are always
	// StatusPending; the other states exist on in-memory copies only.
	Status Status `json:"status"`

	// LastError holds the message of the most recent replay failure, for
	// surfacing abandoned mutations to the UI.
	LastError string `json:"last_error,omitempty"`
}

// Clone returns a shallow copy of the mutation.
func (m *PendingMutation) Clone() *PendingMutation {
	c := *m
	return &c
}

// CacheEntry is a single record in the durable expiring cache.
type CacheEntry struct {
	// Key is an opaque composite, e.g. "orders_" + a serialized filter.
	// Invalidation operates on key prefixes.
	Key string `json:"key"`

	// Value is the cached response body, stored verbatim.
	Value json.RawMessage `json:"value"`

	// StoredAt and ExpiresAt are UTC milliseconds.
	StoredAt  int64 `json:"stored_at"`
	ExpiresAt int64 `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *CacheEntry) Expired(nowMs int64) bool {
	return nowMs >= e.ExpiresAt
}

// ChannelStatus is the connection state of the realtime event channel.
type ChannelStatus uint8

const (
	ChannelDisconnected ChannelStatus = iota
	ChannelConnecting
	ChannelConnected
)

// String returns a human-readable representation of the channel status.
func (s ChannelStatus) String() string {
	switch s {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventCategory is a logical grouping of inbound realtime events. Several
// wire-level event names intentionally coalesce into one category so that
// consumers reason about kinds of change, not protocol details. The mapping
// from wire names to categories is the static table in the realtime package.
type EventCategory string

const (
	// CategoryOrderChanged fires for order creation, status change, and
	// completion events alike.
	CategoryOrderChanged EventCategory = "order_changed"
	// CategoryDeliveryStatus fires for both delivery status wire events.
	CategoryDeliveryStatus EventCategory = "delivery_status"
	// CategoryLocation fires for driver location pings.
	CategoryLocation EventCategory = "location"
	// CategoryNotification fires when a notification is pushed to this client.
	CategoryNotification EventCategory = "notification"
	// CategoryChat fires for in-delivery chat messages.
	CategoryChat EventCategory = "chat"
	// CategoryPresence fires when a driver's connection comes up or goes away.
	CategoryPresence EventCategory = "presence"
)
