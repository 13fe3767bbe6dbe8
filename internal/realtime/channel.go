// Package realtime maintains the authenticated WebSocket channel to the
// CourierLink backend.
//
// The channel survives network trouble on its own: a dropped connection
// triggers exponential-backoff reconnects (baseDelay · 2^(attempt−1), five
// attempts by default), and room subscriptions are replayed after every
// successful reconnect so the server resumes scoped delivery without client
// involvement.
//
// Wire frames are JSON in both directions:
//
//	{"event":"order_status_changed","data":{...}}   server → client
//	{"event":"join_room","data":{"room":"order_7"}} client → server
//
// Incoming event names are folded into coarse categories (see aliases.go);
// handlers subscribe per category, not per wire name.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/davidpark/courierlink/internal/session"
	"github.com/davidpark/courierlink/internal/types"
)

// DefaultBaseDelay is the first reconnect delay; each further attempt doubles it.
const DefaultBaseDelay = time.Second

// DefaultMaxReconnectAttempts is how many reconnects are tried before the
// channel gives up and stays disconnected.
const DefaultMaxReconnectAttempts = 5

// BackoffDelay returns the wait before reconnect attempt n (1-based):
// base·2^(n−1). With the defaults that is 1s, 2s, 4s, 8s, 16s.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// EventHandler receives every event of one category. event is the raw wire
// name, so a handler can still tell order_created from order_completed.
type EventHandler func(event string, data json.RawMessage)

// frame is the JSON envelope used in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures a Channel.
type Option func(*Channel)

// WithLogger attaches a logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithBaseDelay sets the first reconnect delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithMaxReconnectAttempts sets the reconnect budget per outage.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Channel) {
		if n >= 0 {
			c.maxAttempts = n
		}
	}
}

// WithHandshakeTimeout bounds the WebSocket upgrade.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Channel) { c.dialer.HandshakeTimeout = d }
}

// WithLocationRate sets the token-bucket rate applied to EmitLocation.
// Default is 1 update/second with a burst of 3.
func WithLocationRate(r rate.Limit, burst int) Option {
	return func(c *Channel) { c.locLimiter = rate.NewLimiter(r, burst) }
}

// WithOnStatusChange registers a callback fired on every status transition.
// Used to flip the outbox between online and offline.
func WithOnStatusChange(fn func(types.ChannelStatus)) Option {
	return func(c *Channel) { c.onStatus = fn }
}

// WithReconnectObserver registers a callback fired when a reconnect attempt
// is scheduled, before its delay elapses. Used by tests and metrics.
func WithReconnectObserver(fn func(attempt int, delay time.Duration)) Option {
	return func(c *Channel) { c.onReconnect = fn }
}

// WithSleepFunc replaces the delay primitive. Tests use this to step through
// the backoff schedule without real waiting.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Channel) { c.sleep = fn }
}

// ─── Channel ─────────────────────────────────────────────────────────────────

// Channel is the reconnecting realtime connection. Safe for concurrent use.
type Channel struct {
	url         string
	tokens      session.TokenSource
	dialer      *websocket.Dialer
	log         *slog.Logger
	baseDelay   time.Duration
	maxAttempts int
	locLimiter  *rate.Limiter

	onStatus    func(types.ChannelStatus)
	onReconnect func(attempt int, delay time.Duration)
	sleep       func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	conn         *websocket.Conn
	status       types.ChannelStatus
	handlers     map[types.EventCategory]EventHandler
	rooms        map[string]bool
	attempt      int
	manual       bool // Disconnect was called; suppress auto-reconnect
	reconnecting bool

	writeMu sync.Mutex // serialises frame writes on the current conn
	wg      sync.WaitGroup
}

// New creates a Channel for the realtime endpoint at wsURL. The token source
// is consulted at every dial, so reconnects pick up refreshed credentials.
func New(wsURL string, tokens session.TokenSource, opts ...Option) *Channel {
	c := &Channel{
		url:         wsURL,
		tokens:      tokens,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:         slog.Default(),
		baseDelay:   DefaultBaseDelay,
		maxAttempts: DefaultMaxReconnectAttempts,
		locLimiter:  rate.NewLimiter(1, 3),
		status:      types.ChannelDisconnected,
		handlers:    make(map[types.EventCategory]EventHandler),
		rooms:       make(map[string]bool),
		sleep:       sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ─── Connect / Disconnect ────────────────────────────────────────────────────

// Connect dials the backend. On handshake failure the error is returned AND
// the reconnect schedule starts in the background — a cold start on a dead
// network still converges to a connection once the network returns, within
// the attempt budget.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.manual = false
	c.attempt = 0
	c.mu.Unlock()
	c.setStatus(types.ChannelConnecting)

	if err := c.dial(ctx); err != nil {
		c.scheduleReconnect(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// Disconnect closes the connection and stops any reconnect schedule. The
// room set is kept: a later Connect re-joins everything.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.attempt = 0
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.setStatus(types.ChannelDisconnected)
}

// Close disconnects and waits for background goroutines to finish.
func (c *Channel) Close() error {
	c.Disconnect()
	c.wg.Wait()
	return nil
}

// dial performs one handshake. On success it installs the connection, resets
// the attempt counter, replays room subscriptions, and starts the read loop.
func (c *Channel) dial(ctx context.Context) error {
	header := http.Header{}
	if tok := c.tokens.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime: handshake rejected (%d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("realtime: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	c.setStatus(types.ChannelConnected)
	c.log.Info("realtime connected", "url", c.url)

	// Re-scope the new connection before any events flow.
	for _, room := range rooms {
		if err := c.writeFrame(conn, "join_room", roomPayload{Room: room}); err != nil {
			c.log.Warn("room re-join failed", "room", room, "err", err)
		}
	}

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// ─── Reconnect schedule ──────────────────────────────────────────────────────

// scheduleReconnect starts the backoff loop unless one is already running or
// the user asked to stay disconnected.
func (c *Channel) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.reconnecting || c.manual {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.reconnectLoop(ctx)
}

func (c *Channel) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.manual {
			c.mu.Unlock()
			return
		}
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if attempt > c.maxAttempts {
			c.log.Error("realtime reconnect budget exhausted", "attempts", c.maxAttempts)
			c.setStatus(types.ChannelDisconnected)
			return
		}

		delay := BackoffDelay(c.baseDelay, attempt)
		c.setStatus(types.ChannelConnecting)
		if c.onReconnect != nil {
			c.onReconnect(attempt, delay)
		}
		c.log.Info("realtime reconnect scheduled", "attempt", attempt, "delay", delay)

		if err := c.sleep(ctx, delay); err != nil {
			c.setStatus(types.ChannelDisconnected)
			return
		}

		c.mu.Lock()
		manual := c.manual
		c.mu.Unlock()
		if manual {
			return
		}

		err := c.dial(ctx)
		if err == nil {
			return
		}
		c.log.Warn("realtime reconnect failed", "attempt", attempt, "err", err)
	}
}

// ─── Read loop & dispatch ────────────────────────────────────────────────────

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.dispatch(raw)
	}

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	manual := c.manual
	c.mu.Unlock()

	// A stale loop (connection already replaced) must not trigger reconnects.
	if !current || manual {
		return
	}

	c.log.Warn("realtime connection lost")
	c.setStatus(types.ChannelConnecting)
	c.scheduleReconnect(context.Background())
}

func (c *Channel) dispatch(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.log.Warn("realtime frame not decodable", "err", err)
		return
	}

	category, ok := Category(f.Event)
	if !ok {
		c.log.Debug("realtime event without category", "event", f.Event)
		return
	}

	c.mu.Lock()
	handler := c.handlers[category]
	c.mu.Unlock()
	if handler == nil {
		return
	}
	handler(f.Event, f.Data)
}

// SetEventHandlers merges handlers into the registration table: categories in
// the argument replace existing registrations, others are untouched. Screens
// can therefore layer their handlers without clobbering each other.
func (c *Channel) SetEventHandlers(handlers map[types.EventCategory]EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cat, h := range handlers {
		if h == nil {
			delete(c.handlers, cat)
			continue
		}
		c.handlers[cat] = h
	}
}

// ─── Outgoing ────────────────────────────────────────────────────────────────

// Emit sends an event frame. While disconnected the frame is silently
// dropped: realtime emissions are advisory, and anything that must not be
// lost belongs in the outbox instead.
func (c *Channel) Emit(event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.log.Debug("emit dropped, channel disconnected", "event", event)
		return nil
	}
	return c.writeFrame(conn, event, data)
}

// locationPayload is the driver position update frame body.
type locationPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// EmitLocation sends a driver position update, rate-limited so a chatty GPS
// cannot flood the channel. Over-rate updates are dropped, not queued — only
// the freshest position matters.
func (c *Channel) EmitLocation(lat, lng float64) error {
	if !c.locLimiter.Allow() {
		c.log.Debug("location update dropped by rate limit")
		return nil
	}
	return c.Emit("driver_location", locationPayload{Lat: lat, Lng: lng})
}

type roomPayload struct {
	Room string `json:"room"`
}

// JoinRoom subscribes to a server-side room. The membership is tracked
// locally regardless of connection state and replayed after reconnects.
func (c *Channel) JoinRoom(room string) error {
	c.mu.Lock()
	c.rooms[room] = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.writeFrame(conn, "join_room", roomPayload{Room: room})
}

// LeaveRoom unsubscribes from a room.
func (c *Channel) LeaveRoom(room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.writeFrame(conn, "leave_room", roomPayload{Room: room})
}

// Rooms returns the tracked room memberships.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Channel) writeFrame(conn *websocket.Conn, event string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("realtime: marshal %s payload: %w", event, err)
		}
		raw = b
	}
	out, err := json.Marshal(frame{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("realtime: marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		return fmt.Errorf("realtime: write %s: %w", event, err)
	}
	return nil
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Status returns the current channel state.
func (c *Channel) Status() types.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether a live connection exists right now.
func (c *Channel) IsConnected() bool {
	return c.Status() == types.ChannelConnected
}

func (c *Channel) setStatus(s types.ChannelStatus) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if changed && c.onStatus != nil {
		c.onStatus(s)
	}
}
