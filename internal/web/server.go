// Package web exposes the gateway over HTTP: a JSON API for turns,
// variables, prompts, and secrets, plus a websocket feed of live
// output events.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/container"
	"github.com/weftlabs/weft/internal/gateway"
	"github.com/weftlabs/weft/internal/store"
)

type Server struct {
	store     *store.Store
	gw        *gateway.Gateway
	manager   *container.Manager // nil when container execution is disabled
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(s *store.Store, gw *gateway.Gateway, manager *container.Manager, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     s,
		gw:        gw,
		manager:   manager,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Hub returns the live event sink for the gateway to broadcast into.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	handler := s.withLogging(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
