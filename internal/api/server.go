// Package api exposes the operator surface: health, per-user portfolio
// snapshots, cache repair operations, and a WebSocket stream of order
// lifecycle events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradecore/internal/config"
)

// Server runs the operator HTTP/WebSocket endpoint.
type Server struct {
	cfg      config.APIConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the route table and the underlying http.Server.
func NewServer(cfg config.APIConfig, handlers *Handlers, hub *Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/portfolio", handlers.HandlePortfolio)
	mux.HandleFunc("/api/admin/rebuild-user-indices", handlers.HandleRebuildIndices)
	mux.HandleFunc("/api/admin/prune-stale-cache", handlers.HandlePruneStale)
	mux.HandleFunc("/api/admin/ensure-holding", handlers.HandleEnsureHolding)
	mux.HandleFunc("/api/admin/ensure-symbol-holders", handlers.HandleEnsureSymbolHolders)
	mux.HandleFunc("/ws", handlers.HandleStream)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api_server"),
	}
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("operator api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop closes stream clients and drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping operator api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hub.Shutdown(ctx)
	return s.server.Shutdown(ctx)
}
