// Package courier is the public SDK surface of the CourierLink client.
//
// A Client bundles the resilience machinery an app embeds:
//
//   - reads go through two cache tiers (in-memory, then durable) before the
//     network, so screens render instantly and work offline;
//   - writes go through the durable outbox and replay automatically once
//     connectivity returns;
//   - the realtime channel pushes events from other devices and keeps the
//     caches invalidated behind the scenes.
//
// # Quick start
//
//	cfg := config.Default()
//	c, err := courier.New(cfg)
//	...
//	defer c.Close()
//
//	_ = c.Login(ctx, "driver@example.com", "pw")
//	_ = c.Connect(ctx)
//
//	orders, err := c.Orders(ctx, map[string]string{"status": "active"})
//	_, err = c.CreateOrder(ctx, orderJSON) // queued if offline
package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/davidpark/courierlink/internal/api"
	"github.com/davidpark/courierlink/internal/cache"
	"github.com/davidpark/courierlink/internal/config"
	"github.com/davidpark/courierlink/internal/coordinator"
	"github.com/davidpark/courierlink/internal/ident"
	"github.com/davidpark/courierlink/internal/metrics"
	"github.com/davidpark/courierlink/internal/outbox"
	"github.com/davidpark/courierlink/internal/realtime"
	"github.com/davidpark/courierlink/internal/session"
	"github.com/davidpark/courierlink/internal/store/boltstore"
	"github.com/davidpark/courierlink/internal/types"
)

// EventHandler re-exports the realtime handler signature so SDK users don't
// import internal packages.
type EventHandler = realtime.EventHandler

// cache tier names used in metrics
const (
	tierMemory  = "memory"
	tierDurable = "durable"
)

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*Client)

// WithLogger attaches a logger passed down to every component.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithOnAbandoned registers a callback fired when a queued write exhausts its
// retries. Apps surface this to the user; without a callback the failure is
// only visible through AbandonedActions.
func WithOnAbandoned(fn func(m *types.PendingMutation)) Option {
	return func(c *Client) { c.onAbandoned = fn }
}

// ─── Client ──────────────────────────────────────────────────────────────────

// Client is the composed CourierLink SDK client. Safe for concurrent use.
type Client struct {
	cfg *config.Config
	log *slog.Logger

	device  *ident.Device
	st      *boltstore.Store
	sess    *session.Session
	api     *api.Client
	durable *cache.Expiring
	memory  *cache.Query
	coord   *coordinator.Coordinator
	queue   *outbox.Queue
	channel *realtime.Channel
	reg     *metrics.Registry

	onAbandoned func(m *types.PendingMutation)
}

// New wires up a Client from cfg. The data directory is created on first use;
// everything in it (device identity, outbox, durable cache, session token)
// survives restarts.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("courier: %w", err)
	}

	c := &Client{
		cfg: cfg,
		log: slog.Default(),
		reg: &metrics.Registry{},
	}
	for _, o := range opts {
		o(c)
	}

	device, err := ident.New(cfg.Device.DataDir, cfg.Device.ID)
	if err != nil {
		return nil, fmt.Errorf("courier: device identity: %w", err)
	}
	c.device = device

	st, err := boltstore.Open(cfg.Device.DataDir)
	if err != nil {
		return nil, fmt.Errorf("courier: open store: %w", err)
	}
	c.st = st

	tokenFile := cfg.Session.TokenFile
	if tokenFile == "" {
		tokenFile = filepath.Join(cfg.Device.DataDir, "token")
	}
	sess, err := session.New(tokenFile)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("courier: session: %w", err)
	}
	c.sess = sess

	c.api = api.New(cfg.Backend.BaseURL, sess,
		api.WithTimeout(time.Duration(cfg.Backend.TimeoutMs)*time.Millisecond),
		api.WithDeviceID(device.ID().String()),
	)

	c.durable = cache.NewExpiring(st, cache.WithLogger(c.log))
	c.memory = cache.NewQuery()
	c.coord = coordinator.New(
		[]coordinator.Invalidator{c.durable, c.memory},
		coordinator.WithLogger(c.log),
	)

	queue, err := outbox.New(st, c.api,
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithLogger(c.log),
		outbox.WithOnFlushed(func(m *types.PendingMutation) {
			c.reg.MutationFlushed(string(m.Type))
			c.coord.OnMutationFlushed(m)
		}),
		outbox.WithOnRetried(func(m *types.PendingMutation) {
			c.reg.MutationRetried(string(m.Type))
		}),
		outbox.WithOnAbandoned(func(m *types.PendingMutation) {
			c.reg.MutationAbandoned(string(m.Type))
			if c.onAbandoned != nil {
				c.onAbandoned(m)
			}
		}),
	)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("courier: outbox: %w", err)
	}
	c.queue = queue

	c.channel = realtime.New(cfg.Backend.RealtimeURL, sess,
		realtime.WithLogger(c.log),
		realtime.WithBaseDelay(time.Duration(cfg.Realtime.BaseDelayMs)*time.Millisecond),
		realtime.WithMaxReconnectAttempts(cfg.Realtime.MaxReconnectAttempts),
		realtime.WithHandshakeTimeout(time.Duration(cfg.Realtime.HandshakeTimeoutMs)*time.Millisecond),
		realtime.WithLocationRate(rate.Limit(cfg.Realtime.PingRate), cfg.Realtime.PingBurst),
		realtime.WithOnStatusChange(func(st types.ChannelStatus) {
			// The channel is the connectivity oracle: a live socket means the
			// backend is reachable, so the outbox can flush.
			c.queue.SetOnline(st == types.ChannelConnected)
		}),
		realtime.WithReconnectObserver(func(int, time.Duration) {
			c.reg.ReconnectScheduled()
		}),
	)

	// Cache invalidation must not depend on the app registering handlers:
	// data-bearing categories start with a bookkeeping-only handler that
	// SetEventHandlers later wraps around user handlers.
	c.channel.SetEventHandlers(map[types.EventCategory]realtime.EventHandler{
		types.CategoryOrderChanged:   c.bookkeepingHandler(types.CategoryOrderChanged, nil),
		types.CategoryDeliveryStatus: c.bookkeepingHandler(types.CategoryDeliveryStatus, nil),
		types.CategoryNotification:   c.bookkeepingHandler(types.CategoryNotification, nil),
	})

	return c, nil
}

// bookkeepingHandler wraps a user handler with metrics and cache
// invalidation. user may be nil.
func (c *Client) bookkeepingHandler(category types.EventCategory, user realtime.EventHandler) realtime.EventHandler {
	return func(event string, data json.RawMessage) {
		c.reg.EventReceived(string(category))
		c.coord.OnEvent(category)
		if user != nil {
			user(event, data)
		}
	}
}

// Close shuts the client down: the realtime channel, in-progress outbox
// flushes, and finally the store.
func (c *Client) Close() error {
	_ = c.channel.Close()
	_ = c.queue.Close()
	return c.st.Close()
}

// DeviceID returns this installation's stable identifier.
func (c *Client) DeviceID() string { return c.device.ID().String() }

// Metrics exposes the metrics registry, for mounting its Handler.
func (c *Client) Metrics() *metrics.Registry { return c.reg }

// ─── Auth ────────────────────────────────────────────────────────────────────

// Login exchanges credentials for a session token and installs it. Subsequent
// API calls and realtime dials carry the token automatically.
func (c *Client) Login(ctx context.Context, email, password string) error {
	res, err := c.api.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if err := c.sess.SetToken(res.Token); err != nil {
		return err
	}
	c.log.Info("logged in")
	return nil
}

// Logout invalidates the session and wipes every cache: the cached documents
// belong to the departing user. Pending outbox writes are kept — they were
// the user's intent and will be replayed on the next login.
func (c *Client) Logout(ctx context.Context) error {
	c.channel.Disconnect()
	err := c.api.Logout(ctx)
	if cerr := c.sess.Clear(); cerr != nil && err == nil {
		err = cerr
	}
	c.coord.ClearAll()
	c.log.Info("logged out")
	return err
}

// LoggedIn reports whether a session token is installed.
func (c *Client) LoggedIn() bool { return c.sess.Active() }

// ─── Reads (cache-or-fetch) ──────────────────────────────────────────────────

// Orders returns the order list for filter, serving from cache when possible.
func (c *Client) Orders(ctx context.Context, filter map[string]string) (json.RawMessage, error) {
	return c.cachedFetch(ctx, coordinator.PrefixOrders, filter, func(ctx context.Context) (json.RawMessage, error) {
		return c.api.Orders(ctx, filter)
	})
}

// Deliveries returns the delivery list for filter, serving from cache when
// possible.
func (c *Client) Deliveries(ctx context.Context, filter map[string]string) (json.RawMessage, error) {
	return c.cachedFetch(ctx, coordinator.PrefixDeliveries, filter, func(ctx context.Context) (json.RawMessage, error) {
		return c.api.Deliveries(ctx, filter)
	})
}

// DashboardStats returns the aggregate dashboard counters.
func (c *Client) DashboardStats(ctx context.Context) (json.RawMessage, error) {
	return c.cachedFetch(ctx, coordinator.PrefixDashboard, nil, func(ctx context.Context) (json.RawMessage, error) {
		return c.api.DashboardStats(ctx)
	})
}

// Notifications returns the notification feed for filter.
func (c *Client) Notifications(ctx context.Context, filter map[string]string) (json.RawMessage, error) {
	return c.cachedFetch(ctx, coordinator.PrefixNotifications, filter, func(ctx context.Context) (json.RawMessage, error) {
		return c.api.Notifications(ctx, filter)
	})
}

// cachedFetch is the read path shared by every query: memory tier, then
// durable tier, then the network, repopulating the tiers on the way out.
func (c *Client) cachedFetch(
	ctx context.Context,
	prefix string,
	filter map[string]string,
	fetch func(ctx context.Context) (json.RawMessage, error),
) (json.RawMessage, error) {
	key := api.CacheKey(prefix, filter)

	if raw, ok := c.memory.Get(key); ok {
		c.reg.CacheHit(tierMemory)
		return raw, nil
	}
	c.reg.CacheMiss(tierMemory)

	if raw, ok := c.durable.Get(key); ok {
		c.reg.CacheHit(tierDurable)
		c.memory.Set(key, raw, c.cfg.QueryTTL())
		return raw, nil
	}
	c.reg.CacheMiss(tierDurable)

	raw, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.durable.Set(key, raw, c.cfg.DefaultTTL())
	c.memory.Set(key, raw, c.cfg.QueryTTL())
	return raw, nil
}

// ─── Writes (outbox) ─────────────────────────────────────────────────────────

// CreateOrder queues an order creation. Online, it dispatches right away;
// offline, it replays when the connection returns.
func (c *Client) CreateOrder(ctx context.Context, payload json.RawMessage) (*types.PendingMutation, error) {
	return c.enqueue(ctx, types.MutationCreateOrder, payload)
}

// UpdateOrder queues an order update. payload must carry the order's "id".
func (c *Client) UpdateOrder(ctx context.Context, payload json.RawMessage) (*types.PendingMutation, error) {
	return c.enqueue(ctx, types.MutationUpdateOrder, payload)
}

// CreateDelivery queues a delivery creation.
func (c *Client) CreateDelivery(ctx context.Context, payload json.RawMessage) (*types.PendingMutation, error) {
	return c.enqueue(ctx, types.MutationCreateDelivery, payload)
}

// UpdateDeliveryStatus queues a delivery status change. payload must carry
// the delivery's "id".
func (c *Client) UpdateDeliveryStatus(ctx context.Context, payload json.RawMessage) (*types.PendingMutation, error) {
	return c.enqueue(ctx, types.MutationUpdateDeliveryStatus, payload)
}

// SendNotification queues an outbound notification.
func (c *Client) SendNotification(ctx context.Context, payload json.RawMessage) (*types.PendingMutation, error) {
	return c.enqueue(ctx, types.MutationSendNotification, payload)
}

func (c *Client) enqueue(ctx context.Context, typ types.MutationType, payload json.RawMessage) (*types.PendingMutation, error) {
	m, err := c.queue.Enqueue(ctx, typ, payload)
	if err != nil {
		return nil, err
	}
	c.reg.MutationEnqueued(string(typ))
	return m, nil
}

// ─── Outbox surface ──────────────────────────────────────────────────────────

// PendingActions returns the queued writes in replay order.
func (c *Client) PendingActions() []*types.PendingMutation { return c.queue.Pending() }

// PendingCount returns the number of queued writes.
func (c *Client) PendingCount() int { return c.queue.PendingCount() }

// ForceSync flushes the outbox now, blocking until the pass completes.
func (c *Client) ForceSync(ctx context.Context) error { return c.queue.ForceSync(ctx) }

// SetOnline overrides the connectivity signal, for hosts with their own
// network monitoring. The realtime channel updates it too on connect and
// disconnect.
func (c *Client) SetOnline(online bool) { c.queue.SetOnline(online) }

// NotifyForeground tells the SDK the app came back to the foreground; queued
// writes are flushed opportunistically.
func (c *Client) NotifyForeground() { c.queue.NotifyForeground() }

// ClearPendingActions discards every queued write.
func (c *Client) ClearPendingActions() error { return c.queue.ClearPending() }

// AbandonedActions returns writes that exhausted their retries.
func (c *Client) AbandonedActions() ([]*types.PendingMutation, error) { return c.queue.Abandoned() }

// ReplayAbandoned re-queues an abandoned write with a fresh retry budget.
func (c *Client) ReplayAbandoned(ctx context.Context, id string) error {
	return c.queue.ReplayAbandoned(ctx, id)
}

// DiscardAbandoned permanently drops an abandoned write.
func (c *Client) DiscardAbandoned(id string) error { return c.queue.DiscardAbandoned(id) }

// ─── Realtime surface ────────────────────────────────────────────────────────

// Connect opens the realtime channel. A handshake failure is returned but
// reconnects continue in the background.
func (c *Client) Connect(ctx context.Context) error { return c.channel.Connect(ctx) }

// Disconnect closes the realtime channel and stops reconnecting.
func (c *Client) Disconnect() { c.channel.Disconnect() }

// IsConnected reports whether the realtime channel is live.
func (c *Client) IsConnected() bool { return c.channel.IsConnected() }

// ChannelStatus returns the realtime channel state.
func (c *Client) ChannelStatus() types.ChannelStatus { return c.channel.Status() }

// SetEventHandlers registers per-category handlers. Data-bearing categories
// keep their cache-invalidation bookkeeping in front of the user handler.
func (c *Client) SetEventHandlers(handlers map[types.EventCategory]EventHandler) {
	wrapped := make(map[types.EventCategory]realtime.EventHandler, len(handlers))
	for category, h := range handlers {
		wrapped[category] = c.bookkeepingHandler(category, h)
	}
	c.channel.SetEventHandlers(wrapped)
}

// JoinOrderRoom scopes the channel to one order's events.
func (c *Client) JoinOrderRoom(orderID string) error {
	return c.channel.JoinRoom("order_" + orderID)
}

// LeaveOrderRoom undoes JoinOrderRoom.
func (c *Client) LeaveOrderRoom(orderID string) error {
	return c.channel.LeaveRoom("order_" + orderID)
}

// JoinRoom subscribes to an arbitrary server-side room.
func (c *Client) JoinRoom(room string) error { return c.channel.JoinRoom(room) }

// LeaveRoom unsubscribes from a room.
func (c *Client) LeaveRoom(room string) error { return c.channel.LeaveRoom(room) }

// EmitLocation pushes a driver position update, rate-limited.
func (c *Client) EmitLocation(lat, lng float64) error { return c.channel.EmitLocation(lat, lng) }

// EmitChat pushes a chat message frame.
func (c *Client) EmitChat(data any) error { return c.channel.Emit("chat_message", data) }

// EmitStatusChange pushes an advisory delivery status frame. The durable
// write still belongs in UpdateDeliveryStatus; this only feeds live viewers.
func (c *Client) EmitStatusChange(data any) error {
	return c.channel.Emit("delivery_status_changed", data)
}
