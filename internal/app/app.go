package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/grandcat/zeroconf"

	"resqlink/tracker-server/internal/api"
	"resqlink/tracker-server/internal/config"
	"resqlink/tracker-server/internal/dedupe"
	"resqlink/tracker-server/internal/feed"
	"resqlink/tracker-server/internal/gateway"
	"resqlink/tracker-server/internal/geocode"
	"resqlink/tracker-server/internal/observability"
	"resqlink/tracker-server/internal/registry"
	"resqlink/tracker-server/internal/store"
)

// App wires together the tracker services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *registry.Registry
	feed     *feed.Manager
	gateway  *gateway.Gateway
	mdns     *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	a.registry = registry.New(a.cfg.PathCapacity, a.store, a.logger)
	// Flushes pending write-behind persistence; runs before the store closes.
	defer func() {
		if cerr := a.registry.Close(); cerr != nil {
			a.logger.Error("close registry", "error", cerr)
		}
	}()

	persisted, err := a.store.ListStations(ctx)
	if err != nil {
		return fmt.Errorf("load persisted stations: %w", err)
	}
	a.registry.Load(persisted)
	observability.TrackedStations.Set(float64(a.registry.TrackedCount()))
	a.logger.Info("registry loaded", "stations", len(persisted), "tracked", a.registry.TrackedCount())

	hub := gateway.NewHub(a.logger)
	hub.SetSyncProvider(a.initialSync)

	transports := []gateway.Transport{hub}
	if a.cfg.MQTTBroker != "" {
		mqttTransport, err := gateway.NewMQTT(a.cfg.MQTTBroker, "resqlink-tracker-server", a.cfg.MQTTTopicPrefix)
		if err != nil {
			return fmt.Errorf("mqtt transport: %w", err)
		}
		transports = append(transports, mqttTransport)
		a.logger.Info("mqtt transport enabled", "broker", a.cfg.MQTTBroker, "prefix", a.cfg.MQTTTopicPrefix)
	}

	a.gateway = gateway.New(a.logger, transports...)
	a.gateway.Start()
	defer func() {
		if cerr := a.gateway.Close(); cerr != nil {
			a.logger.Error("close gateway", "error", cerr)
		}
	}()

	suppressor := dedupe.NewMemory(dedupe.DefaultTTL)
	if a.cfg.RedisAddr != "" {
		redisSup, err := dedupe.NewRedis(a.cfg.RedisAddr, dedupe.DefaultTTL)
		if err != nil {
			return fmt.Errorf("redis dedupe: %w", err)
		}
		suppressor = redisSup
		a.logger.Info("redis dedupe enabled", "addr", a.cfg.RedisAddr)
	}
	defer func() {
		if cerr := suppressor.Close(); cerr != nil {
			a.logger.Error("close dedupe", "error", cerr)
		}
	}()

	a.feed = feed.New(feed.Config{
		Addr:   a.cfg.FeedAddr,
		User:   a.cfg.FeedUser,
		Filter: a.cfg.FeedFilter,
	}, a.registry, a.gateway, suppressor, a.store, a.logger)

	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()

	feedErrCh := make(chan error, 1)
	go func() {
		feedErrCh <- a.feed.Run(feedCtx)
	}()

	geocoder := geocode.NewClient(a.cfg.GeocodeURL)
	handler := api.New(a.registry, a.gateway, geocoder, a.store, hub, func() string {
		return a.feed.State().String()
	}, a.logger)

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: handler.Routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler: observability.MetricsHandler(),
	}
	go func() {
		a.logger.Info("metrics server started", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", "error", err)
		}
	}()
	defer func() { _ = metricsServer.Close() }()

	if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
		a.logger.Warn("mDNS advertisement failed", "error", err)
	}
	defer a.stopMDNS()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			cancelFeed()
			if feedErrCh != nil {
				if err := <-feedErrCh; err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Error("feed shutdown", "error", err)
				}
			}
			a.logger.Info("feed manager stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				cancelFeed()
				if feedErrCh != nil {
					<-feedErrCh
				}
				return err
			}
		case err := <-feedErrCh:
			// The feed manager retries forever; it only returns on cancel.
			feedErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				_ = httpServer.Shutdown(context.Background())
				return err
			}
		}
	}
}

// initialSync builds the state-sync event sent to each new WebSocket viewer.
func (a *App) initialSync() (string, []byte, bool) {
	payload, err := json.Marshal(map[string]any{
		"stations":     a.registry.ListTracked(),
		"totalTracked": a.registry.TrackedCount(),
	})
	if err != nil {
		a.logger.Error("initial sync marshal failed", "error", err)
		return "", nil, false
	}
	return "sync", payload, true
}
