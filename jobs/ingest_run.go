package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/flowbit/flowbit/internal/ingest"
	jobmetrics "github.com/flowbit/flowbit/internal/jobs"
)

// IngestLockKey guards the clear-and-reload cycle across processes.
const IngestLockKey = "flowbit:ingest:lock"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Ingester runs one ingestion pass over decoded records.
type Ingester interface {
	Run(ctx context.Context, records []json.RawMessage) (ingest.Summary, error)
}

// CacheBumper invalidates cached dashboard payloads.
type CacheBumper interface {
	Bump(ctx context.Context) error
}

// Locker runs fn while holding a named lock.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// IngestRunJob reloads the store from an extraction export.
type IngestRunJob struct {
	Ingest      Ingester
	Cache       CacheBumper
	Locker      Locker
	DefaultFile string
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	// AfterRun is called once the cache has been bumped, e.g. to schedule a warmup.
	AfterRun func(ctx context.Context) error

	load func(path string) ([]json.RawMessage, error)
}

// Handle processes TaskIngestRun tasks.
func (j *IngestRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ingest == nil {
		return errors.New("ingest run: handler not configured")
	}
	var payload IngestRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("ingest run: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	file := strings.TrimSpace(payload.File)
	if file == "" {
		file = j.DefaultFile
	}
	if file == "" {
		return fmt.Errorf("ingest run: no input file: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskIngestRun)
	logger := j.logger().With(slog.String("file", file))

	records, err := j.loader()(file)
	if err != nil {
		logger.Error("read ingest input", slog.Any("error", err))
		return tracker.End(fmt.Errorf("ingest run: %v: %w", err, asynq.SkipRetry))
	}

	var summary ingest.Summary
	err = j.withLock(ctx, func(ctx context.Context) error {
		var runErr error
		summary, runErr = j.Ingest.Run(ctx, records)
		return runErr
	})
	if err != nil {
		logger.Error("ingest run failed", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("ingest run finished",
		slog.Int("processed", summary.Processed),
		slog.Int("failed", summary.Failed),
		slog.Int("failed_batches", summary.FailedBatches))

	if j.Cache != nil {
		if err := j.Cache.Bump(ctx); err != nil {
			logger.Warn("bump analytics cache", slog.Any("error", err))
		}
	}
	if j.AfterRun != nil {
		if err := j.AfterRun(ctx); err != nil {
			logger.Warn("after ingest hook", slog.Any("error", err))
		}
	}
	return tracker.End(nil)
}

func (j *IngestRunJob) withLock(ctx context.Context, fn func(context.Context) error) error {
	if j.Locker == nil {
		return fn(ctx)
	}
	return j.Locker.WithLock(ctx, IngestLockKey, fn)
}

func (j *IngestRunJob) loader() func(string) ([]json.RawMessage, error) {
	if j.load != nil {
		return j.load
	}
	return ingest.LoadFile
}

func (j *IngestRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIngestRun))
	}
	return slog.Default().With(slog.String("job", TaskIngestRun))
}

func (j *IngestRunJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
