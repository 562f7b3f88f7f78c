package http

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"saiten/internal/config"
	"saiten/internal/coordinator"
	"saiten/internal/journal"
	"saiten/internal/metrics"
	"saiten/internal/recovery"
	"saiten/internal/session"
	"saiten/internal/watch"
)

// Deps carries the constructed subsystems handlers pull out of request
// context. Journal and DB may be nil on reduced roles.
type Deps struct {
	Store       session.Store
	Coordinator *coordinator.Coordinator
	Recovery    *recovery.Service
	Watcher     *watch.Watcher
	Journal     *journal.Journal
	DB          *sql.DB
	Redis       *redis.Client
}

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	app := fiber.New()

	// Inject config and subsystems into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("store", deps.Store)
		c.Locals("coordinator", deps.Coordinator)
		c.Locals("recovery", deps.Recovery)
		c.Locals("watcher", deps.Watcher)
		c.Locals("journal", deps.Journal)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		if logger != nil {
			c.Locals("logger", logger)
		}

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		// Route pattern, not the raw path: session ids would blow up
		// the metric label space.
		path := c.Route().Path

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}

		return err
	})

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check DB and Redis connectivity.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "disabled"
		if deps.DB != nil {
			if err := deps.DB.PingContext(ctx); err != nil {
				dbStatus = "error"
			} else {
				dbStatus = "ok"
			}
		}

		redisStatus := "disabled"
		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		if dbStatus == "error" || redisStatus == "error" {
			status = "error"
		}

		return c.JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"redis":  redisStatus,
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	authMw := authMiddleware(cfg)
	var rateMw fiber.Handler
	if deps.Redis != nil {
		rateMw = rateLimitMiddleware(cfg, deps.Redis)
	} else {
		rateMw = func(c *fiber.Ctx) error { return c.Next() }
	}

	v1 := app.Group("/v1", authMw, rateMw)
	registerV1Routes(v1)

	return &Server{
		app:    app,
		config: cfg,
		logger: logger,
	}
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func registerV1Routes(group fiber.Router) {
	group.Post("/sessions/:sid/grading", submitGradingHandler)
	group.Get("/sessions/:sid/grading", gradingStatusHandler)
	group.Delete("/sessions/:sid/grading", cancelGradingHandler)
	group.Post("/sessions/:sid/grading/reset", resetGradingHandler)
	group.Get("/sessions/:sid/wizard", wizardGetHandler)
	group.Put("/sessions/:sid/wizard", wizardPutHandler)
	group.Delete("/sessions/:sid/wizard", wizardDeleteHandler)
	group.Get("/sessions/:sid/indicator", indicatorHandler)
	group.Get("/sessions/:sid/events", eventsHandler)
	group.Get("/sessions/:sid/runs", runsListHandler)
	group.Get("/sessions/:sid/runs/:id", runDetailHandler)
}
