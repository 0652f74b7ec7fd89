// Package api serves the live research session and its history over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/deepscope-io/deepscope/pkg/history"
	"github.com/deepscope-io/deepscope/pkg/metrics"
	"github.com/deepscope-io/deepscope/pkg/session"
)

// Server is the HTTP front of one session machine.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	machine    *session.Machine
	store      history.Store
	logger     *slog.Logger
}

// NewServer wires routes for machine. store may be nil, in which case the
// history routes answer 503.
func NewServer(machine *session.Machine, store history.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:    echo.New(),
		machine: machine,
		store:   store,
		logger:  logger,
	}
	s.httpServer = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(securityHeaders(), requestLogger(s.logger))

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/research", s.startResearchHandler)
	v1.DELETE("/research", s.resetHandler)
	v1.POST("/chat", s.chatHandler)
	v1.POST("/feedback", s.feedbackHandler)

	v1.GET("/session", s.sessionHandler)
	v1.GET("/session/events", s.eventsHandler)
	v1.GET("/session/events/grouped", s.groupedEventsHandler)

	v1.GET("/history", s.listHistoryHandler)
	v1.GET("/history/:id", s.getHistoryHandler)
	v1.DELETE("/history/:id", s.deleteHistoryHandler)
	v1.GET("/history/:id/messages", s.historyMessagesHandler)
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
