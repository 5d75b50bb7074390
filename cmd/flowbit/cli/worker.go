package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowbit/flowbit/internal/analytics"
	"github.com/flowbit/flowbit/internal/ingest"
	jobmetrics "github.com/flowbit/flowbit/internal/jobs"
	"github.com/flowbit/flowbit/internal/observability"
	"github.com/flowbit/flowbit/internal/platform/cache"
	"github.com/flowbit/flowbit/internal/platform/db"
	"github.com/flowbit/flowbit/jobs"
)

type workerOptions struct {
	Concurrency int
	WarmupCron  string
	MetricsAddr string
}

func newWorkerCommand(e *env) *cobra.Command {
	var opts workerOptions
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued ingestion and cache warmup tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.worker(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 2, "tasks processed at once")
	cmd.Flags().StringVar(&opts.WarmupCron, "warmup-cron", "0 * * * *", "cron spec for periodic cache warmup, empty to disable")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics on this address")
	return cmd
}

func (e *env) worker(ctx context.Context, opts workerOptions) error {
	cfg, logger := e.cfg, e.logger

	pool, err := db.New(ctx, cfg.DatabaseURL, db.PoolSize(cfg.IngestWorkers))
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	defer pool.Close()
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	defer e.closeRedis(redisClient)

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	redisOpts, err := jobs.RedisOpt(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	client, err := jobs.NewClient(redisOpts)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	analyticsCache := analytics.NewCache(redisClient, cfg.CacheTTL)
	analyticsService := analytics.NewService(analytics.NewRepository(pool), analyticsCache).WithObserver(metrics).WithLogger(logger)
	ingestService := ingest.NewService(ingest.NewRepository(pool), logger, ingest.Config{
		BatchSize:     cfg.IngestBatchSize,
		ProgressEvery: cfg.IngestProgressEvery,
		Workers:       cfg.IngestWorkers,
	}).WithObserver(jobMetrics)

	ingestJob := &jobs.IngestRunJob{
		Ingest:      ingestService,
		Cache:       analyticsCache,
		Locker:      cache.NewLocker(redisClient, cfg.IngestLockTTL),
		DefaultFile: cfg.IngestFile,
		Logger:      logger,
		Metrics:     jobMetrics,
		AfterRun: func(ctx context.Context) error {
			_, err := client.EnqueueAnalyticsWarmup(ctx)
			return err
		},
	}
	warmupJob := &jobs.AnalyticsWarmupJob{Analytics: analyticsService, Logger: logger, Metrics: jobMetrics}

	workerCfg := jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: opts.Concurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskIngestRun, Handler: ingestJob.Handle},
			{Type: jobs.TaskAnalyticsWarmup, Handler: warmupJob.Handle},
		},
	}
	if opts.WarmupCron != "" {
		task, err := jobs.NewAnalyticsWarmupTask()
		if err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		workerCfg.Cron = append(workerCfg.Cron, jobs.CronRegistration{
			Spec:    opts.WarmupCron,
			Task:    task,
			Options: []asynq.Option{asynq.MaxRetry(1), asynq.Queue(jobs.QueueDefault)},
		})
	}
	worker, err := jobs.NewWorker(workerCfg)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker started", slog.Int("concurrency", opts.Concurrency), slog.String("warmup_cron", opts.WarmupCron))
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: cfg.AppReadTimeout}
		g.Go(func() error {
			return runServer(ctx, server, logger)
		})
	}
	return g.Wait()
}
