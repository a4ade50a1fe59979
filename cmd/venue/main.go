// Paper trading venue: a risk-free simulated exchange that books client
// orders against real-time top-of-book feeds from live spot and derivatives
// venues.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go           — matching core: owns the projection, watch set, and named locks
//	engine/intake.go           — ticker intake filters and per-exchange batch workers
//	engine/matcher.go          — per-tick liquidation and limit-order scans
//	engine/lifecycle.go        — createOrder / cancelOrder state machine
//	engine/settlement.go       — spot and derivatives balance/position transitions
//	engine/reconcile.go        — startup projection rebuild and locked-balance drift repair
//	marketdata/client.go       — aggregator REST client (symbols, latest prices)
//	marketdata/feed.go         — ticker pub/sub subscriber with auto-reconnect
//	push/hub.go                — per-user execution-report and balance push channel
//	store/store.go             — JSON file persistence for all durable collections
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"papervenue/internal/api"
	"papervenue/internal/config"
	"papervenue/internal/engine"
	"papervenue/internal/marketdata"
	"papervenue/internal/push"
	"papervenue/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("VENUE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	md := marketdata.NewClient(cfg.MarketData.BaseURL, logger)
	symbols := marketdata.NewSymbolCache(md, cfg.Engine.SymbolTTL)
	feed := marketdata.NewFeed(cfg.MarketData.WSURL, logger)
	hub := push.NewHub(logger)

	eng := engine.New(cfg.Engine, st, symbols, md, feed, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rebuild the projection and repair drift before any tick flows.
	if err := eng.Reconcile(ctx); err != nil {
		logger.Error("reconciliation failed", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("ticker feed stopped", "error", err)
		}
	}()

	eng.Start(ctx, feed.Ticks())

	apiServer := api.NewServer(cfg.Server, eng, md, hub, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("paper trading venue started", "port", cfg.Server.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	cancel()
	eng.Stop()
	feed.Close()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
