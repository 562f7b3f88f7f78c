package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"

	"saiten/internal/bootstrap"
	"saiten/internal/config"
	"saiten/internal/coordinator"
	"saiten/internal/gradeapi"
	server "saiten/internal/http"
	"saiten/internal/jobs"
	"saiten/internal/journal"
	"saiten/internal/migrate"
	"saiten/internal/observability"
	"saiten/internal/recovery"
	"saiten/internal/session"
	"saiten/internal/watch"
)

func main() {
	// Best-effort .env for local development; real deployments set env vars.
	_ = godotenv.Load()

	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the journal
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	// Basic pool settings; adjust as needed
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse redis url failed: %v", err)
	}
	rdb := redis.NewClient(redisOpts)

	rootCtx := context.Background()

	if err := bootstrap.Run(rootCtx, cfg, db, rdb, logger); err != nil {
		log.Fatalf("preflight failed: %v", err)
	}

	var tracer *observability.Tracer
	if cfg.Tracing.Enabled {
		tracer = observability.NewTracer(otel.GetTracerProvider(), "saiten")
	} else {
		tracer = observability.NewNoopTracer()
	}

	store := session.NewRedisStore(rdb,
		cfg.Session.KeyPrefix,
		time.Duration(cfg.Session.FreshnessWindowMinutes)*time.Minute,
		logger)

	engine := gradeapi.NewClient(cfg, logger)
	jl := journal.New(db, logger, tracer)

	coord := coordinator.New(rootCtx, engine, store, logger, coordinator.Options{
		PollInterval: time.Duration(cfg.Poller.IntervalMs) * time.Millisecond,
		MaxRuntime:   time.Duration(cfg.Poller.MaxRuntimeMinutes) * time.Minute,
		Recorder:     jl,
		Tracer:       tracer,
	})
	recov := recovery.New(engine, store, coord, logger, tracer)

	newServer := func() *server.Server {
		watcher := watch.New(rootCtx, store, engine, logger, watch.Options{
			RecheckInterval: time.Duration(cfg.Watcher.RecheckIntervalMs) * time.Millisecond,
			Grace:           time.Duration(cfg.Watcher.GraceMs) * time.Millisecond,
			IdleTTL:         time.Duration(cfg.Watcher.IdleTTLMinutes) * time.Minute,
			PollInterval:    time.Duration(cfg.Poller.IntervalMs) * time.Millisecond,
			MaxRuntime:      time.Duration(cfg.Poller.MaxRuntimeMinutes) * time.Minute,
		})
		return server.NewServer(cfg, server.Deps{
			Store:       store,
			Coordinator: coord,
			Recovery:    recov,
			Watcher:     watcher,
			Journal:     jl,
			DB:          db,
			Redis:       rdb,
		}, logger)
	}

	startRetention := func() {
		sched := jobs.NewScheduler(cfg, jl, logger, cron.New())
		if err := sched.Schedule(rootCtx); err != nil {
			log.Fatalf("retention schedule failed: %v", err)
		}
		sched.Start()
	}

	switch *role {
	case "api":
		// API-only: no retention cron, so replicas never race on deletes.
		s := newServer()
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "worker":
		// Worker-only: journal retention, no HTTP.
		startRetention()
		select {}
	case "all":
		// Default: run both in one process.
		startRetention()
		s := newServer()
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}
}
