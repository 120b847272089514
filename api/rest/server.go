// Package rest hosts the manager's RPC endpoint: a fiber server that
// decodes inbound envelopes and routes them through the action
// dispatcher.
package rest

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/gpuenteallott/pod/internal/activity"
	"github.com/gpuenteallott/pod/internal/policy"
	"github.com/gpuenteallott/pod/internal/scheduler"
	"github.com/gpuenteallott/pod/internal/store"
	"github.com/gpuenteallott/pod/pkg/protocol"
)

// Config holds the server settings.
type Config struct {
	// Address is the listen address (e.g. ":8080").
	Address string

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout time.Duration
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the manager's HTTP front.
type Server struct {
	app        *fiber.App
	dispatcher *protocol.Dispatcher
	cfg        *Config
	log        *zap.Logger

	store      store.Store
	activities *activity.Manager
	scheduler  *scheduler.Scheduler
	policies   *policy.Engine
}

// NewServer wires the dispatcher over the scheduling core.
func NewServer(cfg *Config, st store.Store, am *activity.Manager, sch *scheduler.Scheduler, pe *policy.Engine, log *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		AppName:      "POD Manager",
	})

	s := &Server{
		app:        app,
		dispatcher: protocol.NewDispatcher(),
		cfg:        cfg,
		log:        log,
		store:      st,
		activities: am,
		scheduler:  sch,
		policies:   pe,
	}

	s.registerHandlers()
	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)
	s.app.Post("/rpc", s.handleRPC)
}

// healthCheck handles GET /health.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleRPC decodes the envelope and routes it. Every response is a
// JSON object; failures carry an "error" key and still return 200 so
// the error field stays the sole failure signal.
func (s *Server) handleRPC(c *fiber.Ctx) error {
	resp := s.Handle(c.Body())
	return c.JSON(resp)
}

// Handle routes one raw envelope through the dispatcher. It is also
// the in-process delivery target for the localhost transport shortcut.
func (s *Server) Handle(body []byte) any {
	return s.dispatcher.Dispatch(body)
}

// Listen blocks serving requests until Shutdown is called.
func (s *Server) Listen() error {
	s.log.Info("manager listening", zap.String("address", s.cfg.Address))
	return s.app.Listen(s.cfg.Address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
