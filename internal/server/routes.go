package server

import (
	"github.com/labstack/echo-contrib/echoprometheus"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.registerHealthRoutes()
	s.echo.GET("/metrics", echoprometheus.NewHandler())

	// Subscriber stream (token-resolved, no CSRF — EventSource cannot send headers)
	s.echo.GET("/events", s.handleStream)

	// Command and room registry API
	api := s.echo.Group("/api")
	api.POST("/commands", s.handleEnqueueCommand, newRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst))
	api.GET("/rooms", s.handleListRooms)
	api.POST("/rooms", s.handleRegisterRoom)
	api.DELETE("/rooms/:id", s.handleDeleteRoom)
}
