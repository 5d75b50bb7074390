package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowbit/flowbit/internal/analytics"
	"github.com/flowbit/flowbit/internal/ingest"
	"github.com/flowbit/flowbit/internal/platform/cache"
	"github.com/flowbit/flowbit/internal/platform/db"
	"github.com/flowbit/flowbit/jobs"
)

type seedOptions struct {
	File      string
	BatchSize int
	Workers   int
	Migrate   bool
}

// seedDeps are the collaborators of one seed run. Cache and Locker are
// optional.
type seedDeps struct {
	Ingest jobs.Ingester
	Cache  jobs.CacheBumper
	Locker jobs.Locker
	Logger *slog.Logger
	Out    io.Writer
}

func newSeedCommand(e *env) *cobra.Command {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Clear the store and reload it from an extraction export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.seed(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.File, "file", "", "extraction export to load (default $INGEST_FILE)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "records per transaction (default $INGEST_BATCH_SIZE)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "batches processed in parallel (default $INGEST_WORKERS)")
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply the schema before loading")
	return cmd
}

func (e *env) resolveSeed(opts seedOptions) (seedOptions, error) {
	opts.File = strings.TrimSpace(opts.File)
	if opts.File == "" {
		opts.File = e.cfg.IngestFile
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = e.cfg.IngestBatchSize
	}
	if opts.Workers == 0 {
		opts.Workers = e.cfg.IngestWorkers
	}
	if opts.BatchSize < 0 || opts.Workers < 0 {
		return opts, errors.New("seed: --batch-size and --workers must be positive")
	}
	return opts, nil
}

func (e *env) seed(ctx context.Context, opts seedOptions) error {
	opts, err := e.resolveSeed(opts)
	if err != nil {
		return err
	}
	// The input is read before any connection so a bad path has no side effects.
	records, err := ingest.LoadFile(opts.File)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	e.logger.Info("loaded extraction export", slog.String("file", opts.File), slog.Int("records", len(records)))

	pool, err := db.New(ctx, e.cfg.DatabaseURL, db.PoolSize(opts.Workers))
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	defer pool.Close()
	if opts.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	service := ingest.NewService(ingest.NewRepository(pool), e.logger, ingest.Config{
		BatchSize:     opts.BatchSize,
		ProgressEvery: e.cfg.IngestProgressEvery,
		Workers:       opts.Workers,
	})
	deps := seedDeps{Ingest: service, Logger: e.logger, Out: e.out}
	if client := e.connectRedis(ctx); client != nil {
		defer e.closeRedis(client)
		deps.Cache = analytics.NewCache(client, e.cfg.CacheTTL)
		deps.Locker = cache.NewLocker(client, e.cfg.IngestLockTTL)
	}
	return runSeed(ctx, records, deps)
}

// runSeed ingests records under the ingest lock, prints the summary and
// invalidates cached analytics. A failed bump is logged, not returned.
func runSeed(ctx context.Context, records []json.RawMessage, deps seedDeps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var summary ingest.Summary
	run := func(ctx context.Context) error {
		var err error
		summary, err = deps.Ingest.Run(ctx, records)
		return err
	}
	var err error
	if deps.Locker != nil {
		err = deps.Locker.WithLock(ctx, jobs.IngestLockKey, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if deps.Out != nil {
		summary.Print(deps.Out)
	}
	if deps.Cache != nil {
		if err := deps.Cache.Bump(ctx); err != nil {
			logger.Warn("bump analytics cache", slog.Any("error", err))
		}
	}
	return nil
}
