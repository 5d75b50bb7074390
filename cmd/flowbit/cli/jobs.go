package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/flowbit/flowbit/jobs"
)

// Enqueuer submits background tasks.
type Enqueuer interface {
	EnqueueIngestRun(ctx context.Context, payload jobs.IngestRunPayload) (*asynq.TaskInfo, error)
	EnqueueAnalyticsWarmup(ctx context.Context) (*asynq.TaskInfo, error)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// QueueInspector reports queue state.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

func newEnqueueCommand(e *env) *cobra.Command {
	var file string
	var warmup bool
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Schedule an ingestion run (or a cache warmup) on the worker queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			redisOpts, err := jobs.RedisOpt(e.cfg.RedisAddr)
			if err != nil {
				return err
			}
			client, err := jobs.NewClient(redisOpts)
			if err != nil {
				return err
			}
			defer client.Close()
			return enqueue(cmd.Context(), client, e, file, warmup)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "extraction export the worker loads (default $INGEST_FILE on the worker)")
	cmd.Flags().BoolVar(&warmup, "warmup", false, "enqueue an analytics cache warmup instead")
	return cmd
}

func enqueue(ctx context.Context, client Enqueuer, e *env, file string, warmup bool) error {
	if warmup {
		info, err := client.EnqueueAnalyticsWarmup(ctx)
		if err != nil {
			return fmt.Errorf("enqueue warmup: %w", err)
		}
		if info == nil {
			_, err = fmt.Fprintln(e.out, "warmup already queued")
			return err
		}
		_, err = fmt.Fprintf(e.out, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return err
	}
	info, err := client.EnqueueIngestRun(ctx, jobs.IngestRunPayload{File: strings.TrimSpace(file)})
	if err != nil {
		return fmt.Errorf("enqueue ingest: %w", err)
	}
	_, err = fmt.Fprintf(e.out, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return err
}

func newQueueCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show the worker queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			redisOpts, err := jobs.RedisOpt(e.cfg.RedisAddr)
			if err != nil {
				return err
			}
			inspector := asynq.NewInspector(redisOpts)
			defer inspector.Close()
			stats, err := inspectQueue(inspector)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(e.out, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
			return err
		},
	}
}

// inspectQueue reports the metrics of the default queue.
func inspectQueue(inspector QueueInspector) (QueueStats, error) {
	if inspector == nil {
		return QueueStats{}, errors.New("queue: inspector not configured")
	}
	info, err := inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue: %w", err)
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}
