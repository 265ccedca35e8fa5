// Package api provides the HTTP API for the mountrix daemon.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/api/handlers"
	"github.com/MacJediWizard/mountrix/internal/api/middleware"
	"github.com/MacJediWizard/mountrix/internal/journal"
	"github.com/MacJediWizard/mountrix/internal/livemount"
	"github.com/MacJediWizard/mountrix/internal/metrics"
	"github.com/MacJediWizard/mountrix/internal/shutdown"
	"github.com/MacJediWizard/mountrix/internal/templates"
)

// Config holds configuration for the API router.
type Config struct {
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
	// Version reported by the health endpoints.
	Version string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 1 << 20,
		Version:      "dev",
	}
}

// Deps are the services the router exposes.
type Deps struct {
	Orchestrator handlers.Orchestrator
	Table        handlers.TableStore
	Live         livemount.Lister
	Catalog      *templates.Catalog
	Journal      journal.Journal
	Metrics      *metrics.PrometheusMetrics
	// Shutdown, when set, drains mutating API requests on shutdown.
	Shutdown *shutdown.Manager
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Deps, logger zerolog.Logger) *Router {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	if cfg.MaxBodyBytes > 0 {
		r.Engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	}

	healthHandler := handlers.NewHealthHandler(deps.Table, deps.Live, cfg.Version, logger)
	if deps.Shutdown != nil {
		healthHandler.WithShutdown(deps.Shutdown)
	}
	healthHandler.RegisterPublicRoutes(r.Engine)

	if deps.Metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	apiV1 := r.Engine.Group("/api/v1")
	if deps.Shutdown != nil {
		apiV1.Use(middleware.Drain(deps.Shutdown))
	}

	handlers.NewEntriesHandler(deps.Orchestrator, deps.Table, deps.Catalog, logger).RegisterRoutes(apiV1)
	handlers.NewMountsHandler(deps.Orchestrator, logger).RegisterRoutes(apiV1)
	handlers.NewTemplatesHandler(deps.Catalog, logger).RegisterRoutes(apiV1)
	handlers.NewBackupsHandler(deps.Orchestrator, deps.Table, logger).RegisterRoutes(apiV1)

	if deps.Journal != nil {
		handlers.NewOperationsHandler(deps.Journal, logger).RegisterRoutes(apiV1)
	}

	r.logger.Info().Msg("API router initialized")
	return r
}
