// Package api exposes the venue's client-facing HTTP surface: order
// commands, account queries, market-data passthrough, the per-user push
// websocket, Prometheus metrics, and a health probe.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"papervenue/internal/config"
	"papervenue/internal/engine"
	"papervenue/internal/marketdata"
	"papervenue/internal/push"
)

// Server runs the HTTP listener for the REST and push endpoints.
type Server struct {
	cfg    config.ServerConfig
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the routes over the engine, market-data client, and push hub.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, md *marketdata.Client, hub *push.Hub, logger *slog.Logger) *Server {
	h := NewHandlers(eng, md, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/order", h.HandleOrder)
	mux.HandleFunc("/order/byid", h.HandleOrderByID)
	mux.HandleFunc("/order/all/open", h.HandleOpenOrders)
	mux.HandleFunc("/order/", h.HandleOrderPath)
	mux.HandleFunc("/user/positions", h.HandlePositions)
	mux.HandleFunc("/user/leverage", h.HandleLeverage)
	mux.HandleFunc("/user/hedge", h.HandleHedge)
	mux.HandleFunc("/user/balance", h.HandleBalance)
	mux.HandleFunc("/exchange/", h.HandleExchange)
	mux.HandleFunc("/stream", h.HandleStream)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:    cfg,
		server: server,
		logger: logger.With("component", "api-server"),
	}
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
