// Package main is the entrypoint for the job control plane server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/jobcontrol/internal/api"
	"github.com/kiranshivaraju/jobcontrol/internal/api/handler"
	mw "github.com/kiranshivaraju/jobcontrol/internal/api/middleware"
	"github.com/kiranshivaraju/jobcontrol/internal/api/response"
	"github.com/kiranshivaraju/jobcontrol/internal/cache"
	"github.com/kiranshivaraju/jobcontrol/internal/config"
	"github.com/kiranshivaraju/jobcontrol/internal/dispatch"
	"github.com/kiranshivaraju/jobcontrol/internal/events"
	"github.com/kiranshivaraju/jobcontrol/internal/jobs"
	"github.com/kiranshivaraju/jobcontrol/internal/scheduler"
	"github.com/kiranshivaraju/jobcontrol/internal/services"
	"github.com/kiranshivaraju/jobcontrol/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "external_services", cfg.Jobs.ExternalServices)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Redis: one client shared by the cache, rate limiter and queues
	redisClient, err := cache.NewClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	redisCache := cache.NewRedisCacheFromClient(redisClient)
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Domain services
	pgStore := store.NewPostgresStore(pool)
	eventWriter := events.NewWriter(pgStore, events.WithBufferSize(cfg.Events.BufferSize))
	registry := services.NewRegistry(pgStore, redisCache, cfg.Registry.CacheTTL, slog.Default())
	transport := dispatch.NewRedisTransport(redisClient)

	jobService := jobs.NewService(pgStore, registry, eventWriter, cfg.Jobs,
		jobs.WithTransport(transport),
		jobs.WithRunResumer(dispatch.NewRunNotifier(transport, cfg.Jobs.RunResumeQueue)),
	)

	// 6. Periodic tasks
	sched := scheduler.New(slog.Default())
	if err := sched.Register("self-heal-jobs", cfg.Jobs.SelfHealInterval, func(ctx context.Context) error {
		_, err := jobService.SelfHealJobs(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.Register("flush-events", cfg.Events.FlushInterval, eventWriter.Flush); err != nil {
		return err
	}
	sched.Start()

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Machine:   mw.NewMachine(pgStore, eventWriter),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:   healthHandler(pgStore, redisCache),
		RegisterService: handler.NewRegisterServiceHandler(registry),
		CreateJob:       handler.NewCreateJobHandler(jobService),
		GetJob:          handler.NewGetJobHandler(jobService),
		PollJobs:        handler.NewPollJobsHandler(jobService),
		AcknowledgeJob:  handler.NewAcknowledgeJobHandler(jobService),
		PersistResult:   handler.NewPersistResultHandler(jobService),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("server shutdown: %w", err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := eventWriter.Close(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("flush events: %w", err))
	}
	if serveErr != nil {
		return serveErr
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
