// Command courierlink-agent runs the CourierLink client SDK as a standalone
// process: it holds the realtime connection, keeps the durable caches warm,
// and replays queued writes — the same machinery an embedded app uses, for
// kiosk and headless deployments.
//
// Usage:
//
//	courierlink-agent [--config path/to/config.yaml] [--rooms order_7,zone_north]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/davidpark/courierlink/internal/config"
	"github.com/davidpark/courierlink/internal/types"
	"github.com/davidpark/courierlink/pkg/courier"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "courierlink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	rooms := flag.String("rooms", "", "comma-separated rooms to join on connect")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Build the client ──────────────────────────────────────────────────
	c, err := courier.New(cfg,
		courier.WithLogger(logger),
		courier.WithOnAbandoned(func(m *types.PendingMutation) {
			slog.Error("queued write abandoned",
				"id", m.ID, "type", m.Type, "attempts", m.Attempt, "err", m.LastError)
		}),
	)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}

	slog.Info("courierlink agent starting",
		"device_id", c.DeviceID(),
		"backend", cfg.Backend.BaseURL,
		"pending_writes", c.PendingCount(),
	)

	// ── 4. Open the realtime channel ─────────────────────────────────────────
	// A failed first dial is not fatal: reconnects continue in the background
	// and the outbox flushes once the channel comes up.
	if err := c.Connect(context.Background()); err != nil {
		slog.Warn("initial connect failed, reconnecting in background", "err", err)
	}
	for _, room := range splitRooms(*rooms) {
		if err := c.JoinRoom(room); err != nil {
			slog.Warn("join room failed", "room", room, "err", err)
		}
	}

	// ── 5. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, c.Metrics().Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 6. Wait for SIGINT / SIGTERM ─────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutting down", "signal", sig)

	// Last chance to hand queued writes to the backend before exit.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ForceSync(flushCtx); err != nil {
		slog.Warn("final flush incomplete", "pending", c.PendingCount(), "err", err)
	}

	if err := c.Close(); err != nil {
		slog.Warn("client close error", "err", err)
	}
	slog.Info("courierlink agent stopped")
	return nil
}

func splitRooms(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
