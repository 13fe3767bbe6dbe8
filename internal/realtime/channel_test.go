package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/davidpark/courierlink/internal/realtime"
	"github.com/davidpark/courierlink/internal/session"
	"github.com/davidpark/courierlink/internal/types"
)

// ─── test server ─────────────────────────────────────────────────────────────

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wsServer is a minimal realtime backend: it records received frames, hands
// out connections for the test to drive, and can reject handshakes.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	reject   atomic.Bool

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []wireFrame
	auth   []string // Authorization header per accepted connection
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.reject.Load() {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f wireFrame
			if jsonErr := json.Unmarshal(raw, &f); jsonErr == nil {
				s.mu.Lock()
				s.frames = append(s.frames, f)
				s.mu.Unlock()
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *wsServer) conn(i int) *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

func (s *wsServer) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *wsServer) frame(i int) wireFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

// send pushes a frame to the i-th accepted connection.
func (s *wsServer) send(i int, event, data string) {
	s.t.Helper()
	raw, _ := json.Marshal(wireFrame{Event: event, Data: json.RawMessage(data)})
	if err := s.conn(i).WriteMessage(websocket.TextMessage, raw); err != nil {
		s.t.Fatalf("server send: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// instantSleep makes the backoff schedule run without real delays.
func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newChannel(t *testing.T, s *wsServer, opts ...realtime.Option) *realtime.Channel {
	t.Helper()
	base := []realtime.Option{
		realtime.WithSleepFunc(instantSleep),
	}
	c := realtime.New(s.url(), session.Static("jwt-test"), append(base, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ─── Backoff ─────────────────────────────────────────────────────────────────

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		if got := realtime.BackoffDelay(time.Second, i+1); got != w {
			t.Errorf("attempt %d: want %s got %s", i+1, w, got)
		}
	}
}

// ─── Aliases ─────────────────────────────────────────────────────────────────

func TestCategoryAliases(t *testing.T) {
	cases := []struct {
		event string
		want  types.EventCategory
	}{
		{"order_created", types.CategoryOrderChanged},
		{"order_status_changed", types.CategoryOrderChanged},
		{"order_completed", types.CategoryOrderChanged},
		{"delivery_status_changed", types.CategoryDeliveryStatus},
		{"delivery_status_updated", types.CategoryDeliveryStatus},
		{"driver_location", types.CategoryLocation},
		{"notification", types.CategoryNotification},
		{"notification_created", types.CategoryNotification},
		{"chat_message", types.CategoryChat},
		{"driver_online", types.CategoryPresence},
		{"driver_offline", types.CategoryPresence},
	}
	for _, tc := range cases {
		got, ok := realtime.Category(tc.event)
		if !ok || got != tc.want {
			t.Errorf("Category(%s) = %s/%v, want %s", tc.event, got, ok, tc.want)
		}
	}
	if _, ok := realtime.Category("made_up_event"); ok {
		t.Error("unknown event should not resolve")
	}
}

// ─── Connect & dispatch ──────────────────────────────────────────────────────

func TestConnect_DeliversEventsByCategory(t *testing.T) {
	s := newWSServer(t)

	type received struct {
		event string
		data  string
	}
	orderCh := make(chan received, 4)
	deliveryCh := make(chan received, 4)

	c := newChannel(t, s)
	c.SetEventHandlers(map[types.EventCategory]realtime.EventHandler{
		types.CategoryOrderChanged: func(event string, data json.RawMessage) {
			orderCh <- received{event, string(data)}
		},
		types.CategoryDeliveryStatus: func(event string, data json.RawMessage) {
			deliveryCh <- received{event, string(data)}
		},
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("channel should report connected")
	}

	// Both wire aliases of a category reach the same handler; events with no
	// registered handler or no category are dropped without fuss.
	s.send(0, "order_created", `{"id":"o1"}`)
	s.send(0, "order_completed", `{"id":"o2"}`)
	s.send(0, "delivery_status_updated", `{"id":"d1"}`)
	s.send(0, "chat_message", `{"text":"hi"}`)
	s.send(0, "made_up_event", `{}`)

	first := <-orderCh
	if first.event != "order_created" || first.data != `{"id":"o1"}` {
		t.Errorf("first order event: %+v", first)
	}
	second := <-orderCh
	if second.event != "order_completed" {
		t.Errorf("second order event: %+v", second)
	}
	del := <-deliveryCh
	if del.event != "delivery_status_updated" {
		t.Errorf("delivery event: %+v", del)
	}
}

func TestConnect_SendsBearerToken(t *testing.T) {
	s := newWSServer(t)
	c := newChannel(t, s)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.mu.Lock()
	auth := s.auth[0]
	s.mu.Unlock()
	if auth != "Bearer jwt-test" {
		t.Errorf("Authorization: %q", auth)
	}
}

// ─── Reconnect ───────────────────────────────────────────────────────────────

func TestConnect_HandshakeFailureSchedulesReconnect(t *testing.T) {
	s := newWSServer(t)
	s.reject.Store(true)

	var mu sync.Mutex
	var attempts []int
	var delays []time.Duration

	c := newChannel(t, s,
		realtime.WithBaseDelay(time.Second),
		realtime.WithMaxReconnectAttempts(3),
		realtime.WithReconnectObserver(func(attempt int, delay time.Duration) {
			mu.Lock()
			attempts = append(attempts, attempt)
			delays = append(delays, delay)
			mu.Unlock()
		}),
	)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect against rejecting server should error")
	}

	// The budget burns down in the background, then the channel gives up.
	waitFor(t, "reconnect budget exhaustion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3 && c.Status() == types.ChannelDisconnected
	})

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if attempts[i] != i+1 || delays[i] != want {
			t.Errorf("schedule[%d]: attempt=%d delay=%s, want attempt=%d delay=%s",
				i, attempts[i], delays[i], i+1, want)
		}
	}
}

func TestReconnect_ReplaysRooms(t *testing.T) {
	s := newWSServer(t)
	c := newChannel(t, s)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.JoinRoom("order_7"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	waitFor(t, "join frame", func() bool { return s.frameCount() == 1 })

	// Server drops the connection; the channel reconnects and re-joins.
	_ = s.conn(0).Close()

	waitFor(t, "second connection", func() bool { return s.connCount() == 2 })
	waitFor(t, "replayed join frame", func() bool { return s.frameCount() == 2 })

	replay := s.frame(1)
	if replay.Event != "join_room" || string(replay.Data) != `{"room":"order_7"}` {
		t.Errorf("replayed frame: %+v", replay)
	}
	waitFor(t, "connected status", c.IsConnected)
}

func TestDisconnect_SuppressesReconnect(t *testing.T) {
	s := newWSServer(t)
	c := newChannel(t, s)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()

	if c.Status() != types.ChannelDisconnected {
		t.Fatalf("status after Disconnect: %s", c.Status())
	}

	// No reconnect may fire: the connection count stays at one.
	time.Sleep(50 * time.Millisecond)
	if s.connCount() != 1 {
		t.Errorf("explicit disconnect must not reconnect, got %d connections", s.connCount())
	}
}

func TestStatusCallback(t *testing.T) {
	s := newWSServer(t)

	var mu sync.Mutex
	var transitions []types.ChannelStatus
	c := newChannel(t, s, realtime.WithOnStatusChange(func(st types.ChannelStatus) {
		mu.Lock()
		transitions = append(transitions, st)
		mu.Unlock()
	}))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []types.ChannelStatus{
		types.ChannelConnecting,
		types.ChannelConnected,
		types.ChannelDisconnected,
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions: %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: want %s got %s", i, want[i], transitions[i])
		}
	}
}

// ─── Outgoing ────────────────────────────────────────────────────────────────

func TestEmit_DroppedWhenDisconnected(t *testing.T) {
	s := newWSServer(t)
	c := newChannel(t, s)

	// Never connected: Emit must be a silent no-op, not an error.
	if err := c.Emit("chat_message", map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("Emit while disconnected: %v", err)
	}
	if s.frameCount() != 0 {
		t.Errorf("frame leaked to server: %d", s.frameCount())
	}
}

func TestEmit_WhenConnected(t *testing.T) {
	s := newWSServer(t)
	c := newChannel(t, s)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Emit("chat_message", map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, "chat frame", func() bool { return s.frameCount() == 1 })
	f := s.frame(0)
	if f.Event != "chat_message" || string(f.Data) != `{"text":"hello"}` {
		t.Errorf("frame: %+v", f)
	}
}

func TestEmitLocation_RateLimited(t *testing.T) {
	s := newWSServer(t)
	// Bucket refills once an hour: only the burst of 2 gets through.
	c := newChannel(t, s, realtime.WithLocationRate(rate.Every(time.Hour), 2))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := c.EmitLocation(37.77, -122.41); err != nil {
			t.Fatalf("EmitLocation: %v", err)
		}
	}

	waitFor(t, "location frames", func() bool { return s.frameCount() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := s.frameCount(); got != 2 {
		t.Errorf("rate limit leaked: %d frames", got)
	}
	if f := s.frame(0); f.Event != "driver_location" {
		t.Errorf("frame event: %s", f.Event)
	}
}

func TestJoinLeaveRoom_Frames(t *testing.T) {
	s := newWSServer(t)
	c := newChannel(t, s)

	// Joined while offline: tracked, no frame yet.
	if err := c.JoinRoom("zone_north"); err != nil {
		t.Fatalf("JoinRoom offline: %v", err)
	}
	if s.frameCount() != 0 {
		t.Fatal("offline join must not write")
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// The pre-connect membership is announced during the handshake.
	waitFor(t, "initial join", func() bool { return s.frameCount() == 1 })
	if f := s.frame(0); f.Event != "join_room" || string(f.Data) != `{"room":"zone_north"}` {
		t.Errorf("join frame: %+v", f)
	}

	if err := c.LeaveRoom("zone_north"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	waitFor(t, "leave frame", func() bool { return s.frameCount() == 2 })
	if f := s.frame(1); f.Event != "leave_room" {
		t.Errorf("leave frame: %+v", f)
	}
	if len(c.Rooms()) != 0 {
		t.Errorf("room still tracked after leave: %v", c.Rooms())
	}
}
