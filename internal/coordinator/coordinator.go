// Package coordinator keeps the cache tiers honest: whenever data changes —
// a mutation confirmed by the backend or a realtime event from another
// device — it invalidates every cache key family that could now be stale.
//
// Invalidation is deliberately coarse. Keys are grouped by resource prefix
// (see api.CacheKey), and a change wipes whole prefixes across BOTH tiers
// rather than tracking which exact query results a record appears in. Serving
// a brief extra fetch is cheaper than serving stale data.
package coordinator

import (
	"log/slog"

	"github.com/davidpark/courierlink/internal/types"
)

// Cache key prefixes. They line up with the read endpoints in the api package.
const (
	PrefixOrders        = "orders"
	PrefixDeliveries    = "deliveries"
	PrefixDashboard     = "dashboard_stats"
	PrefixNotifications = "notifications"
)

// mutationPrefixes maps a confirmed mutation type to the key families it
// invalidates. Delivery changes also touch orders: the order detail view
// embeds its delivery state.
var mutationPrefixes = map[types.MutationType][]string{
	types.MutationCreateOrder:          {PrefixOrders, PrefixDashboard},
	types.MutationUpdateOrder:          {PrefixOrders, PrefixDashboard},
	types.MutationCreateDelivery:       {PrefixDeliveries, PrefixOrders, PrefixDashboard},
	types.MutationUpdateDeliveryStatus: {PrefixDeliveries, PrefixOrders, PrefixDashboard},
	types.MutationSendNotification:     {PrefixNotifications},
}

// categoryPrefixes maps an incoming event category to the key families it
// invalidates. Location, chat, and presence events are ephemeral: they render
// live and are never cached, so they invalidate nothing.
var categoryPrefixes = map[types.EventCategory][]string{
	types.CategoryOrderChanged:   {PrefixOrders, PrefixDashboard},
	types.CategoryDeliveryStatus: {PrefixDeliveries, PrefixOrders, PrefixDashboard},
	types.CategoryNotification:   {PrefixNotifications},
}

// Invalidator is the slice of the cache surface the coordinator needs.
// Both cache tiers satisfy it.
type Invalidator interface {
	RemoveByPrefix(prefix string)
	Clear()
}

// Coordinator fans invalidations out to the durable and in-memory tiers.
type Coordinator struct {
	tiers []Invalidator
	log   *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger attaches a logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New creates a Coordinator over the given cache tiers.
func New(tiers []Invalidator, opts ...Option) *Coordinator {
	c := &Coordinator{
		tiers: tiers,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnMutationFlushed invalidates the key families affected by a confirmed
// mutation. Wired to the outbox's OnFlushed callback.
func (c *Coordinator) OnMutationFlushed(m *types.PendingMutation) {
	prefixes, ok := mutationPrefixes[m.Type]
	if !ok {
		c.log.Debug("no invalidation rule for mutation", "type", m.Type)
		return
	}
	c.log.Debug("invalidating after mutation", "type", m.Type, "prefixes", prefixes)
	c.InvalidatePrefixes(prefixes...)
}

// OnEvent invalidates the key families affected by a realtime event category.
// Wired into the facade's event dispatch.
func (c *Coordinator) OnEvent(category types.EventCategory) {
	prefixes, ok := categoryPrefixes[category]
	if !ok {
		return
	}
	c.log.Debug("invalidating after event", "category", category, "prefixes", prefixes)
	c.InvalidatePrefixes(prefixes...)
}

// InvalidatePrefixes removes the given key families from every tier.
func (c *Coordinator) InvalidatePrefixes(prefixes ...string) {
	for _, tier := range c.tiers {
		for _, p := range prefixes {
			tier.RemoveByPrefix(p)
		}
	}
}

// ClearAll empties every tier. Used on logout, where cached data belongs to
// the departing user.
func (c *Coordinator) ClearAll() {
	for _, tier := range c.tiers {
		tier.Clear()
	}
}
