package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"cryptocrash/internal/cache"
	"cryptocrash/internal/database"
	"cryptocrash/internal/game"
	"cryptocrash/internal/gateway"
	"cryptocrash/internal/metrics"
)

// Deps are the components the HTTP surface is built on. DB and Cache are
// optional.
type Deps struct {
	Engine   *game.Engine
	Gateway  *gateway.Gateway
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	DB       database.Service
	Cache    cache.Service

	// RateLimit is the number of HTTP requests allowed per client per
	// minute. Zero disables the limiter.
	RateLimit int
}

type FiberServer struct {
	*fiber.App

	ctx      context.Context
	engine   *game.Engine
	gateway  *gateway.Gateway
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	db       database.Service
	cache    cache.Service
}

// New builds the Fiber app. ctx bounds the lifetime of websocket sessions.
func New(ctx context.Context, d Deps) *FiberServer {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "cryptocrash",
			AppName:       "cryptocrash",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		ctx:      ctx,
		engine:   d.Engine,
		gateway:  d.Gateway,
		metrics:  d.Metrics,
		gatherer: d.Gatherer,
		db:       d.DB,
		cache:    d.Cache,
	}

	// Apply global middleware
	server.App.Use(recover.New())
	if d.RateLimit > 0 {
		server.App.Use(limiter.New(limiter.Config{
			Max:        d.RateLimit,
			Expiration: 1 * time.Minute,
			Next: func(c *fiber.Ctx) bool {
				return c.Path() == "/ws" || c.Path() == "/metrics"
			},
		}))
	}

	server.RegisterFiberRoutes()
	return server
}

// Shutdown stops accepting requests and closes the backing services.
func (s *FiberServer) Shutdown(timeout time.Duration) error {
	log.Info().Msg("shutting down http server")

	err := s.App.ShutdownWithTimeout(timeout)

	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return err
}
