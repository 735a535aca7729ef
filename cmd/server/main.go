// server is the ResQLink tracker daemon: it ingests the APRS-IS feed, keeps
// the registered-station state, and serves the HTTP API, WebSocket stream,
// and metrics endpoints.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"resqlink/tracker-server/internal/app"
	"resqlink/tracker-server/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger.Info("tracker server starting",
		"http_port", cfg.HTTPPort,
		"metrics_port", cfg.MetricsPort,
		"feed_addr", cfg.FeedAddr,
		"feed_filter", cfg.FeedFilter,
		"path_capacity", cfg.PathCapacity,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("tracker server terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("tracker server stopped cleanly")
}
