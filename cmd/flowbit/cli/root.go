// Package cli implements the flowbit command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/flowbit/flowbit/internal/app"
	"github.com/flowbit/flowbit/internal/platform/cache"
)

// env carries state resolved once before any subcommand runs.
type env struct {
	cfg    *app.Config
	logger *slog.Logger
	out    io.Writer
}

// redis connects to the configured Redis. Commands that can run without it
// receive a nil client and a logged warning.
func (e *env) connectRedis(ctx context.Context) *redis.Client {
	client, err := cache.New(ctx, e.cfg.RedisAddr)
	if err != nil {
		e.logger.Warn("redis unavailable, continuing without cache", slog.String("addr", e.cfg.RedisAddr), slog.Any("error", err))
		return nil
	}
	return client
}

func (e *env) closeRedis(client *redis.Client) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		e.logger.Warn("redis close", slog.Any("error", err))
	}
}

// NewRootCommand builds the flowbit command tree.
func NewRootCommand() *cobra.Command {
	var envFile string
	e := &env{}

	root := &cobra.Command{
		Use:           "flowbit",
		Short:         "Invoice extraction ingestion and analytics",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.init(envFile, cmd.OutOrStdout())
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading configuration")

	root.AddCommand(
		newSeedCommand(e),
		newMigrateCommand(e),
		newServeCommand(e),
		newWorkerCommand(e),
		newEnqueueCommand(e),
		newQueueCommand(e),
	)
	return root
}

func (e *env) init(envFile string, out io.Writer) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	e.cfg = cfg
	e.logger = app.NewLogger(cfg)
	e.out = out
	return nil
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCommand()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
