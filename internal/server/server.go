package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/execgate/execgate/internal/allowlist"
	"github.com/execgate/execgate/internal/approval"
	"github.com/execgate/execgate/internal/rules"
)

type Server struct {
	echo   *echo.Echo
	config Config
	hub    *Hub
}

func New(cfg Config, svc *approval.Service, ruleManager *rules.Manager, store *allowlist.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		config: cfg,
		hub:    NewHub(svc),
	}

	s.setupMiddleware()
	s.setupRoutes(svc, ruleManager, store)

	return s
}

// Hub exposes the websocket hub so the service can broadcast through
// it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the routing tree so tests can serve it without
// binding a port.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Info().Int("port", s.config.Port).Msg("starting HTTP server")

	s.echo.Server.ReadTimeout = time.Duration(s.config.ReadTimeout) * time.Second
	s.echo.Server.WriteTimeout = time.Duration(s.config.WriteTimeout) * time.Second

	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	s.hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type"},
	}))
}

func (s *Server) setupRoutes(svc *approval.Service, ruleManager *rules.Manager, store *allowlist.Store) {
	approvalHandler := NewApprovalHandler(svc)
	gateHandler := NewGateHandler(ruleManager, store)
	wsHandler := NewWSHandler(s.hub)

	s.echo.GET("/health", s.handleHealth)

	s.echo.POST("/approvals/request", approvalHandler.Request)
	s.echo.GET("/approvals/pending", approvalHandler.GetPending)
	s.echo.GET("/approvals/:id", approvalHandler.Get)
	s.echo.GET("/approvals/:id/wait", approvalHandler.Wait)
	s.echo.POST("/approvals/:id/resolve", approvalHandler.Resolve)

	s.echo.POST("/gate/check", gateHandler.Check)

	s.echo.GET("/ws", wsHandler.HandleWebSocket)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
