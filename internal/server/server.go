package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tablecast/relay/internal/broadcast"
	"github.com/tablecast/relay/internal/config"
	"github.com/tablecast/relay/internal/dispatch"
	relayerrors "github.com/tablecast/relay/internal/errors"
	"github.com/tablecast/relay/internal/identity"
	"github.com/tablecast/relay/internal/rooms"
)

// roomRegistry is the slice of the rooms repository the handlers use.
type roomRegistry interface {
	List(ctx context.Context) ([]rooms.Room, error)
	Upsert(ctx context.Context, guildID, channelID, name string) (rooms.Room, error)
	Delete(ctx context.Context, id uuid.UUID) (string, error)
}

// guildCache keeps the router's guild filter in step with registry writes.
type guildCache interface {
	Add(guildID string)
	Remove(guildID string)
}

// Server wires the relay pipeline to its HTTP surface.
type Server struct {
	echo   *echo.Echo
	config *config.Config

	resolver    *identity.Resolver
	broadcaster *broadcast.Broadcaster
	queue       *dispatch.Queue
	repo        roomRegistry
	cache       guildCache

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(
	cfg *config.Config,
	resolver *identity.Resolver,
	broadcaster *broadcast.Broadcaster,
	queue *dispatch.Queue,
	repo roomRegistry,
	cache guildCache,
	healthChecks []HealthCheck,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(correlationMiddleware)
	e.Use(relayerrors.Middleware())
	e.Use(echoprometheus.NewMiddleware("tablecast_relay"))

	srv := &Server{
		echo:         e,
		config:       cfg,
		resolver:     resolver,
		broadcaster:  broadcaster,
		queue:        queue,
		repo:         repo,
		cache:        cache,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
