package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskIngestRun reloads the store from an extraction export.
	TaskIngestRun = "ingest:run"
	// TaskAnalyticsWarmup refills the dashboard cache after a reload.
	TaskAnalyticsWarmup = "analytics:warmup"
)

// IngestRunPayload names the export to ingest. An empty File falls back to
// the worker's configured file.
type IngestRunPayload struct {
	File string `json:"file"`
}

// AnalyticsWarmupPayload carries no fields; the dashboard has a single scope.
type AnalyticsWarmupPayload struct{}

// NewIngestRunTask constructs an Asynq task.
func NewIngestRunTask(payload IngestRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIngestRun, data), nil
}

// NewAnalyticsWarmupTask constructs an Asynq task.
func NewAnalyticsWarmupTask() (*asynq.Task, error) {
	data, err := json.Marshal(AnalyticsWarmupPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAnalyticsWarmup, data), nil
}
