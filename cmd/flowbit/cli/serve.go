package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/flowbit/flowbit/internal/analytics"
	analytichttp "github.com/flowbit/flowbit/internal/analytics/http"
	"github.com/flowbit/flowbit/internal/app"
	jobmetrics "github.com/flowbit/flowbit/internal/jobs"
	"github.com/flowbit/flowbit/internal/observability"
	"github.com/flowbit/flowbit/internal/platform/db"
	"github.com/flowbit/flowbit/internal/query"
	queryhttp "github.com/flowbit/flowbit/internal/query/http"
	"github.com/flowbit/flowbit/jobs"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(e *env) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analytics and chat API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				e.cfg.AppAddr = addr
			}
			return e.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $APP_ADDR)")
	return cmd
}

func (e *env) serve(ctx context.Context) error {
	cfg, logger := e.cfg, e.logger

	pool, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	jobmetrics.NewMetrics(metrics.Registerer())

	redisClient := e.connectRedis(ctx)
	defer e.closeRedis(redisClient)
	var analyticsCache *analytics.Cache
	if redisClient != nil {
		analyticsCache = analytics.NewCache(redisClient, cfg.CacheTTL)
		if err := analyticsCache.ListenForInvalidation(ctx, func(version int64) {
			logger.Info("analytics cache invalidated", slog.Int64("version", version))
		}); err != nil {
			logger.Warn("subscribe cache invalidation", slog.Any("error", err))
		}
	}

	analyticsService := analytics.NewService(analytics.NewRepository(pool), analyticsCache).WithObserver(metrics).WithLogger(logger)
	analyticsHandler := analytichttp.NewHandler(logger, analyticsService).WithExportLimit(cfg.ExportRateLimit)

	var generator query.Generator
	if g := query.NewHTTPGenerator(cfg.VannaBaseURL, cfg.VannaAPIKey, cfg.VannaTimeout); g != nil {
		generator = g
	} else {
		logger.Warn("VANNA_API_BASE_URL not set, chat endpoints disabled")
	}
	executor := query.NewExecutor(pool, cfg.QueryMaxRows, cfg.QueryMaxText).WithObserver(metrics)
	queryService := query.NewService(generator, executor, query.PGSampleSource{DB: pool}, logger)
	queryHandler := queryhttp.NewHandler(logger, queryService)

	var jobHandler *jobs.Handler
	if redisClient != nil {
		redisOpts, err := jobs.RedisOpt(cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		DB:               pool,
		AnalyticsHandler: analyticsHandler,
		QueryHandler:     queryHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})
	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}
	return runServer(ctx, server, logger)
}

// runServer serves until ctx is cancelled, then shuts down gracefully.
func runServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down", slog.String("addr", server.Addr))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
