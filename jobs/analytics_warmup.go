package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/flowbit/flowbit/internal/analytics"
	jobmetrics "github.com/flowbit/flowbit/internal/jobs"
)

// Warmer is the subset of the analytics service the warmup touches.
type Warmer interface {
	Stats(ctx context.Context) (analytics.Stats, error)
	InvoiceTrends(ctx context.Context, r analytics.DateRange) ([]analytics.TrendPoint, error)
	TopVendors(ctx context.Context, limit int) ([]analytics.VendorSpend, error)
	CategorySpend(ctx context.Context) ([]analytics.CategorySpend, error)
	CashOutflow(ctx context.Context, r analytics.DateRange) ([]analytics.OutflowPoint, error)
}

// AnalyticsWarmupJob pre-populates the dashboard cache with its default views.
type AnalyticsWarmupJob struct {
	Analytics Warmer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Timeout   time.Duration
}

// Handle processes TaskAnalyticsWarmup tasks.
func (j *AnalyticsWarmupJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Analytics == nil {
		return errors.New("analytics warmup: handler not configured")
	}
	tracker := j.metrics().Track(TaskAnalyticsWarmup)
	logger := j.logger()
	started := time.Now()

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"stats", func(ctx context.Context) error {
			_, err := j.Analytics.Stats(ctx)
			return err
		}},
		{"trends", func(ctx context.Context) error {
			_, err := j.Analytics.InvoiceTrends(ctx, analytics.DateRange{})
			return err
		}},
		{"top_vendors", func(ctx context.Context) error {
			_, err := j.Analytics.TopVendors(ctx, 10)
			return err
		}},
		{"categories", func(ctx context.Context) error {
			_, err := j.Analytics.CategorySpend(ctx)
			return err
		}},
		{"outflow", func(ctx context.Context) error {
			_, err := j.Analytics.CashOutflow(ctx, analytics.DateRange{})
			return err
		}},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			logger.Error("warm view", slog.String("view", step.name), slog.Any("error", err))
			return tracker.End(err)
		}
	}

	logger.Info("completed analytics warmup", slog.Int("views", len(steps)), slog.Duration("duration", time.Since(started)))
	return tracker.End(nil)
}

func (j *AnalyticsWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAnalyticsWarmup))
	}
	return slog.Default().With(slog.String("job", TaskAnalyticsWarmup))
}

func (j *AnalyticsWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
