// Package api exposes the HTTP and WebSocket surface: work submission,
// cancellation, approval decisions, key management, health, and event
// streaming.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/autopoiesis-io/autopoiesis/pkg/agent"
	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/events"
	"github.com/autopoiesis-io/autopoiesis/pkg/queue"
)

// readHeaderTimeout bounds header parsing so idle connections cannot pin
// server goroutines.
const readHeaderTimeout = 10 * time.Second

// Server wires the HTTP handlers to the dispatcher, the runtime registry,
// and the WebSocket hub.
type Server struct {
	cfg        *config.Config
	dispatcher *queue.Dispatcher
	registry   *agent.Registry
	hub        *events.Hub

	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the API server. hub may be nil, which disables the /ws
// endpoint.
func NewServer(cfg *config.Config, dispatcher *queue.Dispatcher, registry *agent.Registry, hub *events.Hub) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   registry,
		hub:        hub,
		logger:     slog.Default().With("component", "api"),
	}
}

// Handler assembles the gin engine with middleware and all routes. Exposed
// separately from Start so tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestID(), requestLogger(s.logger), recovery(s.logger), securityHeaders())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/work", s.submitWorkHandler)
		v1.POST("/work/wait", s.waitWorkHandler)
		v1.DELETE("/work/:id", s.cancelWorkHandler)

		v1.GET("/approvals", s.listApprovalsHandler)
		v1.POST("/approvals/:nonce/decisions", s.decideApprovalsHandler)

		v1.POST("/keys/unlock", s.unlockKeysHandler)
		v1.POST("/keys/rotate", s.rotateKeysHandler)

		v1.GET("/health", s.healthHandler)
	}
	router.GET("/ws", s.wsHandler)

	return router
}

// Start listens on the configured address and serves until Shutdown. It
// blocks; run it in a goroutine and treat http.ErrServerClosed as a clean
// exit.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.logger.Info("API server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// StartWithListener serves on a prepared listener. Tests use it to bind a
// random port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
