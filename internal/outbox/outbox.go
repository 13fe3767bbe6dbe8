// Package outbox implements the durable offline mutation queue.
//
// Writes performed while the device is offline are captured as pending
// mutations, persisted before any network attempt, and replayed in FIFO order
// once connectivity returns. The queue survives process restarts: New rebuilds
// its in-memory state from the store.
//
// Architecture:
//   - "pending" is an in-memory FIFO slice mirroring the store's action
//     bucket; the store is the source of truth, the slice is the replay order.
//   - Flush takes a snapshot of the pending list, so mutations enqueued while
//     a flush is running wait for the next pass.
//   - A mutation that fails with retry budget left re-joins the tail, so FIFO
//     order holds within a flush pass but not across passes.
//   - Exhausted mutations move to the abandoned store, where they can be
//     inspected, replayed, or discarded.
//
// All public methods are safe for concurrent use.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidpark/courierlink/internal/ident"
	"github.com/davidpark/courierlink/internal/store"
	"github.com/davidpark/courierlink/internal/types"
)

// ErrUnknownMutation is returned by a Dispatcher when it has no route for the
// mutation's type. The queue abandons such mutations immediately — retrying a
// type nobody can dispatch would burn the whole retry budget for nothing.
var ErrUnknownMutation = errors.New("outbox: unknown mutation type")

// DefaultMaxAttempts is the per-mutation dispatch budget when the caller does
// not override it.
const DefaultMaxAttempts = 3

// Dispatcher executes one pending mutation against the backend.
//
// A nil return confirms the mutation; ErrUnknownMutation abandons it
// immediately; any other error counts one attempt against its budget.
type Dispatcher interface {
	Dispatch(ctx context.Context, m *types.PendingMutation) error
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, m *types.PendingMutation) error

// Dispatch implements Dispatcher.
func (f DispatchFunc) Dispatch(ctx context.Context, m *types.PendingMutation) error {
	return f(ctx, m)
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets the dispatch budget applied to newly enqueued
// mutations. Values below 1 keep the default.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n >= 1 {
			q.maxAttempts = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithOnFlushed registers a callback fired after a mutation is confirmed and
// removed from the queue. Used to invalidate caches for the flushed type.
func WithOnFlushed(fn func(m *types.PendingMutation)) Option {
	return func(q *Queue) { q.onFlushed = fn }
}

// WithOnAbandoned registers a callback fired when a mutation moves to the
// abandoned store. Used to surface the failure to the user.
func WithOnAbandoned(fn func(m *types.PendingMutation)) Option {
	return func(q *Queue) { q.onAbandoned = fn }
}

// WithOnRetried registers a callback fired when a dispatch fails with retry
// budget left. Used for metrics.
func WithOnRetried(fn func(m *types.PendingMutation)) Option {
	return func(q *Queue) { q.onRetried = fn }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// EnqueueOption adjusts a single mutation at capture time.
type EnqueueOption func(*types.PendingMutation)

// WithAttemptBudget overrides the queue-level retry budget for one mutation.
// Values below 1 keep the queue default.
func WithAttemptBudget(n int) EnqueueOption {
	return func(m *types.PendingMutation) {
		if n >= 1 {
			m.MaxAttempts = n
		}
	}
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// Queue is the durable offline mutation queue.
type Queue struct {
	st          store.Store
	disp        Dispatcher
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time

	onFlushed   func(m *types.PendingMutation)
	onAbandoned func(m *types.PendingMutation)
	onRetried   func(m *types.PendingMutation)

	mu       sync.Mutex
	pending  []*types.PendingMutation // FIFO replay order
	online   bool
	flushing bool

	flushWG sync.WaitGroup // tracks background flushes for Close
}

// New creates a Queue and rebuilds its pending list from the store, so
// mutations captured before a crash or restart are replayed on the next flush.
// The queue starts offline; call SetOnline when connectivity is known.
func New(st store.Store, disp Dispatcher, opts ...Option) (*Queue, error) {
	q := &Queue{
		st:          st,
		disp:        disp,
		maxAttempts: DefaultMaxAttempts,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(q)
	}

	recovered, err := st.ListActions()
	if err != nil {
		return nil, fmt.Errorf("outbox: load pending actions: %w", err)
	}
	// A crash mid-flush can leave records marked in-flight; nobody is
	// dispatching them anymore, so they go back to pending.
	for _, m := range recovered {
		m.Status = types.StatusPending
	}
	q.pending = recovered

	if len(recovered) > 0 {
		q.log.Info("outbox recovered pending mutations", "count", len(recovered))
	}
	return q, nil
}

// ─── Enqueue ─────────────────────────────────────────────────────────────────

// Enqueue captures a mutation for eventual dispatch. The record is persisted
// BEFORE anything else happens — durability precedes execution — then appended
// to the in-memory FIFO. If the queue is online, a background flush starts.
//
// The returned mutation is a copy safe for the caller to inspect.
func (q *Queue) Enqueue(ctx context.Context, typ types.MutationType, payload json.RawMessage, opts ...EnqueueOption) (*types.PendingMutation, error) {
	now := q.now()
	m := &types.PendingMutation{
		ID:             ident.MutationID(typ, now),
		Type:           typ,
		Payload:        payload,
		EnqueuedAt:     now.UnixMilli(),
		MaxAttempts:    q.maxAttempts,
		IdempotencyKey: uuid.NewString(),
		Status:         types.StatusPending,
	}
	for _, o := range opts {
		o(m)
	}

	if err := q.st.PutAction(m); err != nil {
		return nil, fmt.Errorf("outbox: persist mutation %s: %w", m.ID, err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, m)
	online := q.online
	q.mu.Unlock()

	q.log.Debug("mutation enqueued", "id", m.ID, "type", m.Type, "online", online)

	if online {
		q.flushAsync(ctx)
	}
	return m.Clone(), nil
}

// ─── Flush ───────────────────────────────────────────────────────────────────

// Flush dispatches the current pending snapshot in FIFO order. Mutations
// enqueued after the snapshot is taken wait for the next pass. Only one flush
// runs at a time; a concurrent call returns immediately with no error.
//
// An explicit Flush call dispatches regardless of the connectivity flag; the
// online gate applies to the automatic triggers (SetOnline, NotifyForeground,
// post-enqueue) only.
//
// Each mutation fails or succeeds independently: one failure does not stop
// the pass.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing || len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	snapshot := make([]*types.PendingMutation, len(q.pending))
	copy(snapshot, q.pending)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	q.log.Debug("flushing outbox", "count", len(snapshot))

	for _, m := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.dispatchOne(ctx, m)
	}
	return nil
}

// dispatchOne runs a single mutation through one attempt and settles its fate.
// Field writes happen under q.mu because Pending() may be cloning concurrently.
func (q *Queue) dispatchOne(ctx context.Context, m *types.PendingMutation) {
	q.mu.Lock()
	m.Status = types.StatusInFlight
	m.Attempt++
	q.mu.Unlock()

	err := q.disp.Dispatch(ctx, m)

	switch {
	case err == nil:
		q.mu.Lock()
		m.Status = types.StatusConfirmed
		q.mu.Unlock()
		if derr := q.st.DeleteAction(m.ID); derr != nil {
			q.log.Warn("confirmed mutation not removed from store", "id", m.ID, "err", derr)
		}
		q.removeFromPending(m.ID)
		q.log.Debug("mutation confirmed", "id", m.ID, "type", m.Type, "attempt", m.Attempt)
		if q.onFlushed != nil {
			q.onFlushed(m)
		}

	case errors.Is(err, ErrUnknownMutation):
		q.log.Error("mutation has no dispatch route, abandoning", "id", m.ID, "type", m.Type)
		q.abandon(m, err)

	case m.Attempt >= m.MaxAttempts:
		q.log.Warn("mutation exhausted retries, abandoning",
			"id", m.ID, "type", m.Type, "attempts", m.Attempt, "err", err)
		q.abandon(m, err)

	default:
		// Failed with budget left: back to pending, persisted with the new
		// attempt count, re-joining the tail for the next pass.
		q.mu.Lock()
		m.Status = types.StatusPending
		m.LastError = err.Error()
		q.mu.Unlock()
		if perr := q.st.PutAction(m); perr != nil {
			q.log.Warn("retry state not persisted", "id", m.ID, "err", perr)
		}
		q.moveToTail(m.ID)
		q.log.Debug("mutation dispatch failed, will retry",
			"id", m.ID, "type", m.Type, "attempt", m.Attempt, "max", m.MaxAttempts, "err", err)
		if q.onRetried != nil {
			q.onRetried(m)
		}
	}
}

// abandon moves m out of the pending queue into the abandoned store.
func (q *Queue) abandon(m *types.PendingMutation, cause error) {
	q.mu.Lock()
	m.Status = types.StatusAbandoned
	m.LastError = cause.Error()
	q.mu.Unlock()

	if err := q.st.PutAbandoned(m); err != nil {
		q.log.Error("abandoned mutation not persisted", "id", m.ID, "err", err)
	}
	if err := q.st.DeleteAction(m.ID); err != nil {
		q.log.Warn("abandoned mutation still in action store", "id", m.ID, "err", err)
	}
	q.removeFromPending(m.ID)

	if q.onAbandoned != nil {
		q.onAbandoned(m)
	}
}

// ─── Connectivity & triggers ─────────────────────────────────────────────────

// SetOnline records the connectivity state. An offline→online transition
// triggers a background flush of anything captured while disconnected.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	wasOnline := q.online
	q.online = online
	q.mu.Unlock()

	if online && !wasOnline {
		q.log.Info("back online, flushing outbox")
		q.flushAsync(context.Background())
	}
}

// Online reports the last connectivity state set.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// NotifyForeground signals that the app returned to the foreground; if the
// queue believes it is online it opportunistically flushes.
func (q *Queue) NotifyForeground() {
	q.mu.Lock()
	online := q.online
	q.mu.Unlock()
	if online {
		q.flushAsync(context.Background())
	}
}

// ForceSync marks the queue online and flushes synchronously. Used by
// pull-to-refresh style gestures where the user expects to wait.
func (q *Queue) ForceSync(ctx context.Context) error {
	q.mu.Lock()
	q.online = true
	q.mu.Unlock()
	return q.Flush(ctx)
}

func (q *Queue) flushAsync(ctx context.Context) {
	q.flushWG.Add(1)
	go func() {
		defer q.flushWG.Done()
		if err := q.Flush(ctx); err != nil {
			q.log.Warn("background flush aborted", "err", err)
		}
	}()
}

// ─── Introspection ───────────────────────────────────────────────────────────

// PendingCount returns the number of mutations waiting for dispatch.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the pending mutations in replay order.
func (q *Queue) Pending() []*types.PendingMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.PendingMutation, len(q.pending))
	for i, m := range q.pending {
		out[i] = m.Clone()
	}
	return out
}

// ClearPending drops every pending mutation, memory and store. The mutations
// are gone for good; callers own the confirmation UX.
func (q *Queue) ClearPending() error {
	if err := q.st.ClearActions(); err != nil {
		return fmt.Errorf("outbox: clear actions: %w", err)
	}
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.mu.Unlock()
	q.log.Info("pending mutations cleared", "count", n)
	return nil
}

// ─── Abandoned surface ───────────────────────────────────────────────────────

// Abandoned returns the mutations that exhausted their retry budget, oldest
// first.
func (q *Queue) Abandoned() ([]*types.PendingMutation, error) {
	return q.st.ListAbandoned()
}

// ReplayAbandoned moves an abandoned mutation back into the pending queue
// with a fresh retry budget. Returns store.ErrNotFound if id is not in the
// abandoned store.
func (q *Queue) ReplayAbandoned(ctx context.Context, id string) error {
	m, err := q.st.GetAbandoned(id)
	if err != nil {
		return fmt.Errorf("outbox: replay %s: %w", id, err)
	}

	m.Status = types.StatusPending
	m.Attempt = 0
	m.LastError = ""

	if err := q.st.PutAction(m); err != nil {
		return fmt.Errorf("outbox: replay %s: persist: %w", id, err)
	}
	if err := q.st.DeleteAbandoned(id); err != nil {
		return fmt.Errorf("outbox: replay %s: remove abandoned: %w", id, err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, m)
	online := q.online
	q.mu.Unlock()

	q.log.Info("abandoned mutation replayed", "id", id, "type", m.Type)
	if online {
		q.flushAsync(ctx)
	}
	return nil
}

// DiscardAbandoned permanently removes an abandoned mutation.
func (q *Queue) DiscardAbandoned(id string) error {
	if _, err := q.st.GetAbandoned(id); err != nil {
		return fmt.Errorf("outbox: discard %s: %w", id, err)
	}
	return q.st.DeleteAbandoned(id)
}

// ─── Close ───────────────────────────────────────────────────────────────────

// Close waits for in-progress background flushes to finish. It does not close
// the store, which the queue shares with the cache tiers.
func (q *Queue) Close() error {
	q.flushWG.Wait()
	return nil
}

// ─── Internal helpers ────────────────────────────────────────────────────────

// removeFromPending deletes the mutation with the given ID from the FIFO.
func (q *Queue) removeFromPending(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.pending {
		if m.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// moveToTail re-queues a failed mutation at the end of the FIFO so the next
// pass tries everything else first.
func (q *Queue) moveToTail(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.pending {
		if m.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.pending = append(q.pending, m)
			return
		}
	}
}
