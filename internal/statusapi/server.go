// Package statusapi exposes the daemon's observable state over a small
// local HTTP surface: probe endpoints, Prometheus metrics, the current
// sync snapshot and on-demand drift checks.
package statusapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/backlog-sync/internal/controller"
	"github.com/p-blackswan/backlog-sync/internal/health"
	"github.com/p-blackswan/backlog-sync/internal/metrics"
	"github.com/p-blackswan/backlog-sync/internal/models"
)

// StateSource provides the published sync snapshot. Implemented by
// *controller.Controller.
type StateSource interface {
	Snapshot() controller.Snapshot
}

// DriftChecker runs on-demand drift checks. Implemented by
// *drift.Reconciler.
type DriftChecker interface {
	Check(ctx context.Context, projectID string) (*models.HealthReport, error)
}

// FeatureSource reads a project's feature collection. Implemented by
// *api.Client.
type FeatureSource interface {
	ListFeatures(ctx context.Context, projectID string) ([]models.Feature, error)
}

// CacheReader reads last-known collections. Implemented by *cache.Cache.
type CacheReader interface {
	Load(projectID string) ([]models.Feature, bool)
}

// Problem is the error body returned by the status API.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Server is the status API Fiber application.
type Server struct {
	app    *fiber.App
	addr   string
	logger zerolog.Logger
}

// NewServer creates and configures the status API.
func NewServer(
	addr string,
	state StateSource,
	cached CacheReader,
	features FeatureSource,
	drift DriftChecker,
	checker *health.Checker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	log := logger.With().Str("component", "statusapi").Logger()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(log),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{app: app, addr: addr, logger: log}

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		// Skip noisy probe logging
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		log.Info().
			Str("method", c.Method()).
			Str("path", path).
			Msg("status api request")
		return c.Next()
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/readyz", func(c *fiber.Ctx) error {
		results := checker.RunAll(c.Context())
		for _, st := range results {
			if st == health.StatusDown {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "not_ready",
					"checks": results,
				})
			}
		}
		return c.JSON(fiber.Map{"status": "ready", "checks": results})
	})

	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	v1 := app.Group("/v1")

	v1.Get("/state", func(c *fiber.Ctx) error {
		return c.JSON(state.Snapshot())
	})

	// Cache-first: the daemon's last-known view, falling back to a live
	// fetch only when the project has never been cached.
	v1.Get("/features/:project", func(c *fiber.Ctx) error {
		projectID := c.Params("project")
		if list, ok := cached.Load(projectID); ok {
			return c.JSON(fiber.Map{"project": projectID, "source": "cache", "features": list})
		}
		list, err := features.ListFeatures(c.Context(), projectID)
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(Problem{
				Type:   "upstream_error",
				Title:  "Feature fetch failed",
				Status: fiber.StatusBadGateway,
				Detail: err.Error(),
			})
		}
		return c.JSON(fiber.Map{"project": projectID, "source": "server", "features": list})
	})

	v1.Get("/drift/:project", func(c *fiber.Ctx) error {
		projectID := c.Params("project")
		report, err := drift.Check(c.Context(), projectID)
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(Problem{
				Type:   "upstream_error",
				Title:  "Drift check failed",
				Status: fiber.StatusBadGateway,
				Detail: err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"project":    projectID,
			"checked_at": time.Now().UTC(),
			"report":     report,
		})
	})

	return s
}

// Start blocks serving the API until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("status api starting")
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("status api shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}
		return c.Status(code).JSON(Problem{
			Type:   "internal_error",
			Title:  "Internal Server Error",
			Status: code,
			Detail: detail,
		})
	}
}
