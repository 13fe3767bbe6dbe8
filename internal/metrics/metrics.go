// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for the CourierLink agent. It deliberately avoids the
// prometheus/client_golang package so the agent binary stays small with no
// additional dependencies.
//
// # Counter naming convention
//
// Label-keyed counters use the label value directly as the map key:
//
//	Enqueued / Flushed / Retried / Abandoned  →  key = mutation type
//	EventsReceived                            →  key = event category
//	CacheHits / CacheMisses                   →  key = cache tier name
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all CourierLink agent metrics.
type Registry struct {
	// Outbox counters. key = mutation type
	Enqueued  labelCounter
	Flushed   labelCounter
	Retried   labelCounter
	Abandoned labelCounter

	// Realtime counters.
	EventsReceived labelCounter // key = event category
	Reconnects     atomic.Int64

	// Cache counters. key = tier name ("durable" | "memory")
	CacheHits   labelCounter
	CacheMisses labelCounter
}

// MutationEnqueued records one capture into the outbox.
func (r *Registry) MutationEnqueued(typ string) { r.Enqueued.Inc(typ) }

// MutationFlushed records one confirmed dispatch.
func (r *Registry) MutationFlushed(typ string) { r.Flushed.Inc(typ) }

// MutationRetried records one failed dispatch that stays queued.
func (r *Registry) MutationRetried(typ string) { r.Retried.Inc(typ) }

// MutationAbandoned records one mutation moved to the abandoned store.
func (r *Registry) MutationAbandoned(typ string) { r.Abandoned.Inc(typ) }

// EventReceived records one realtime event delivered to a handler.
func (r *Registry) EventReceived(category string) { r.EventsReceived.Inc(category) }

// ReconnectScheduled records one reconnect attempt.
func (r *Registry) ReconnectScheduled() { r.Reconnects.Add(1) }

// CacheHit records a read served from a cache tier.
func (r *Registry) CacheHit(tier string) { r.CacheHits.Inc(tier) }

// CacheMiss records a read the tier could not serve.
func (r *Registry) CacheMiss(tier string) { r.CacheMisses.Inc(tier) }

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── outbox counters ───────────────────────────────────────────────────
		writeFamily(&b, "courierlink_mutations_enqueued_total",
			"Total mutations captured by the outbox", "counter",
			typeLabels(&r.Enqueued))

		writeFamily(&b, "courierlink_mutations_flushed_total",
			"Total mutations confirmed by the backend", "counter",
			typeLabels(&r.Flushed))

		writeFamily(&b, "courierlink_mutations_retried_total",
			"Total failed dispatches that stayed queued", "counter",
			typeLabels(&r.Retried))

		writeFamily(&b, "courierlink_mutations_abandoned_total",
			"Total mutations moved to the abandoned store", "counter",
			typeLabels(&r.Abandoned))

		// ── realtime counters ─────────────────────────────────────────────────
		writeFamily(&b, "courierlink_events_received_total",
			"Total realtime events delivered to handlers", "counter",
			func(fn func(labels, val string)) {
				r.EventsReceived.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`category=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		if n := r.Reconnects.Load(); n > 0 {
			fmt.Fprintf(&b, "# HELP courierlink_reconnects_total Total realtime reconnect attempts\n")
			fmt.Fprintf(&b, "# TYPE courierlink_reconnects_total counter\n")
			fmt.Fprintf(&b, "courierlink_reconnects_total %d\n", n)
		}

		// ── cache counters ────────────────────────────────────────────────────
		writeFamily(&b, "courierlink_cache_hits_total",
			"Total reads served from a cache tier", "counter",
			tierLabels(&r.CacheHits))

		writeFamily(&b, "courierlink_cache_misses_total",
			"Total reads a cache tier could not serve", "counter",
			tierLabels(&r.CacheMisses))

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func typeLabels(lc *labelCounter) func(fn func(labels, val string)) {
	return func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`type=%q`, key), fmt.Sprintf("%d", val))
		})
	}
}

func tierLabels(lc *labelCounter) func(fn func(labels, val string)) {
	return func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`tier=%q`, key), fmt.Sprintf("%d", val))
		})
	}
}

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}
