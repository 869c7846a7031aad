package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/giftlock/internal/app"
	"github.com/congo-pay/giftlock/internal/giftapi"
	"github.com/congo-pay/giftlock/internal/routes"
)

// Server wraps the Fiber application around the wired components.
type Server struct {
	fiber *fiber.App
	addr  string
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(a *app.App, logger *slog.Logger) *Server {
	f := fiber.New(fiber.Config{
		AppName:      a.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		ErrorHandler: giftapi.ErrorHandler(logger),
	})
	routes.Setup(f, routes.Deps{App: a, Logger: logger})
	return &Server{fiber: f, addr: a.Cfg.Address()}
}

// App exposes the Fiber application, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.fiber }

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.fiber.Listen(s.addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.fiber.ShutdownWithContext(ctx)
}
