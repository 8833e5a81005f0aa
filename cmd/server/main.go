// Package main is the entrypoint for the job queue server: HTTP API plus the
// execution engine in one process.
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/jobqueue/internal/api"
	"github.com/kiranshivaraju/jobqueue/internal/api/handler"
	mw "github.com/kiranshivaraju/jobqueue/internal/api/middleware"
	"github.com/kiranshivaraju/jobqueue/internal/api/response"
	"github.com/kiranshivaraju/jobqueue/internal/cache"
	"github.com/kiranshivaraju/jobqueue/internal/config"
	"github.com/kiranshivaraju/jobqueue/internal/engine"
	"github.com/kiranshivaraju/jobqueue/internal/events"
	"github.com/kiranshivaraju/jobqueue/internal/jobs"
	"github.com/kiranshivaraju/jobqueue/internal/metrics"
	"github.com/kiranshivaraju/jobqueue/internal/registry"
	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store_driver", cfg.Store.Driver,
		"worker_id", cfg.Worker.ID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the job store (migrations run for postgres)
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	slog.Info("job store ready", "driver", cfg.Store.Driver)

	var (
		publishers  []events.Publisher
		notifiers   []jobs.Notifier
		engineOpts  []engine.Option
		svcOpts     []jobs.Option
		statusCache cache.Cache
		rateLimit   *mw.RateLimit
	)

	// 3. Optional Redis: status cache, rate limiting, cross-process wake-ups
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")

		statusCache = redisCache
		rateLimit = mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute)
		publishers = append(publishers, redisCache)
		notifiers = append(notifiers, redisCache)
		engineOpts = append(engineOpts, engine.WithWakeSource(redisCache))
		svcOpts = append(svcOpts, jobs.WithStatusCache(redisCache))
	}

	// 4. Optional NATS: lifecycle events for other services
	if cfg.NATS.URL != "" {
		natsPub, err := events.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsPub.Close()
		slog.Info("nats connected")

		publishers = append(publishers, natsPub)
	}

	// 5. Handlers, retry policy, metrics
	reg := registry.New()
	if err := registerBuiltins(reg); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}
	slog.Info("handlers registered", "job_types", reg.Types())

	policy := retry.NewPolicy(cfg.Worker.BackoffBase, cfg.Worker.BackoffMax, cfg.Worker.BackoffJitter)
	m := metrics.New(prometheus.DefaultRegisterer)

	var publisher events.Publisher = events.Nop{}
	if len(publishers) > 0 {
		publisher = events.Fanout(publishers)
	}

	// 6. Engine
	eng := engine.New(st, reg, policy, engine.Config{
		WorkerID:          cfg.Worker.ID,
		PoolSize:          cfg.Worker.PoolSize,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		PollInterval:      cfg.Worker.PollInterval,
		ReaperInterval:    cfg.Worker.ReaperInterval,
		ShutdownGrace:     cfg.Worker.ShutdownGrace,
	}, slog.Default(), append(engineOpts,
		engine.WithPublisher(publisher),
		engine.WithMetrics(m),
	)...)

	// 7. Submission service and router
	svc := jobs.NewService(st, cfg.Worker.DefaultMaxAttempts, slog.Default(), append(svcOpts,
		jobs.WithPublisher(publisher),
		jobs.WithNotifiers(append([]jobs.Notifier{eng}, notifiers...)...),
		jobs.WithMetrics(m),
	)...)

	router := api.NewRouter(api.Dependencies{
		RateLimit:  rateLimit,
		CORSOrigin: cfg.Server.CORSOrigin,

		HealthHandler:  healthHandler(st, statusCache),
		MetricsHandler: promhttp.Handler(),

		SubmitJobHandler: handler.NewSubmitJobHandler(svc),
		GetJobHandler:    handler.NewGetJobHandler(svc),
		JobStatusHandler: handler.NewJobStatusHandler(svc),
		ListJobsHandler:  handler.NewListJobsHandler(svc),
		JobStatsHandler:  handler.NewJobStatsHandler(svc),
	})

	// 8. Run HTTP server and engine until a signal arrives
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks store and cache connectivity. A nil cache is reported
// as disabled and does not degrade the service.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c == nil {
			checks["cache"] = "disabled"
		} else if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] == "degraded" || checks["cache"] == "degraded"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
