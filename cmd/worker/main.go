package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/hibiken/asynq"

	"github.com/barops/cmv/internal/app"
	"github.com/barops/cmv/internal/cmv"
	jobmetrics "github.com/barops/cmv/internal/jobs"
	"github.com/barops/cmv/internal/observability"
	"github.com/barops/cmv/internal/platform/cache"
	"github.com/barops/cmv/internal/platform/db"
	"github.com/barops/cmv/internal/platform/lock"
	"github.com/barops/cmv/internal/shared"
	"github.com/barops/cmv/internal/txstore"
	"github.com/barops/cmv/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	manager := cmv.NewManager(
		cmv.NewRepository(pool),
		txstore.NewPGStore(pool),
		shared.NewAuditLogger(pool),
		lock.NewRedisLocker(redisClient, 100*time.Millisecond, 20),
		logger,
		cfg.CMV(),
	)
	recomputeJob := cmv.NewRecomputeJob(manager, logger, jobMetrics)
	currentWeekJob := cmv.NewCurrentWeekJob(manager, logger, jobMetrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, jobMetrics)

	currentTask, err := jobs.NewRecomputeCurrentTask(jobs.RecomputeCurrentPayload{
		BarIDs:          cfg.CMVCronBars,
		IncludePrevious: cfg.CMVCronIncludePrevious,
	})
	if err != nil {
		logger.Error("build current week task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(jobs.IdempotencyCleanupPayload{
		RetentionHours: int(cfg.IdempotencyRetention / time.Hour),
	})
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	handlers := append(recomputeJob.Handlers(),
		jobs.TaskHandler{Type: jobs.TaskCMVRecomputeCurrent, Handler: currentWeekJob.Handle},
		jobs.TaskHandler{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
	)

	cron := []jobs.CronRegistration{
		{Spec: cfg.CMVCronSpec, Task: currentTask, Options: []asynq.Option{asynq.Unique(time.Hour)}},
		{Spec: "30 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
	}
	if !app.CurrentRuntime().CronEnabled {
		logger.Info("cron disabled, consuming queues only")
		cron = nil
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    cfg.Location(),
		Handlers:    handlers,
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
