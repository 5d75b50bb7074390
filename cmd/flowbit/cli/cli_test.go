package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbit/flowbit/internal/app"
	"github.com/flowbit/flowbit/internal/ingest"
	"github.com/flowbit/flowbit/jobs"
)

func testEnv(out io.Writer) *env {
	return &env{
		cfg: &app.Config{
			DatabaseURL:     "postgres://127.0.0.1:1/none",
			IngestFile:      "data/export.json",
			IngestBatchSize: 100,
			IngestWorkers:   1,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		out:    out,
	}
}

type stubIngester struct {
	summary ingest.Summary
	err     error
	got     int
}

func (s *stubIngester) Run(ctx context.Context, records []json.RawMessage) (ingest.Summary, error) {
	s.got = len(records)
	return s.summary, s.err
}

type stubBumper struct {
	bumps int
	err   error
}

func (b *stubBumper) Bump(ctx context.Context) error {
	b.bumps++
	return b.err
}

type stubLocker struct {
	key string
	err error
}

func (l *stubLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	l.key = key
	if l.err != nil {
		return l.err
	}
	return fn(ctx)
}

func TestResolveSeedFallsBackToConfig(t *testing.T) {
	e := testEnv(io.Discard)

	opts, err := e.resolveSeed(seedOptions{File: "  "})
	require.NoError(t, err)
	assert.Equal(t, seedOptions{File: "data/export.json", BatchSize: 100, Workers: 1}, opts)

	opts, err = e.resolveSeed(seedOptions{File: "x.json", BatchSize: 25, Workers: 4})
	require.NoError(t, err)
	assert.Equal(t, seedOptions{File: "x.json", BatchSize: 25, Workers: 4}, opts)

	_, err = e.resolveSeed(seedOptions{Workers: -1})
	require.Error(t, err)
}

func TestSeedFailsBeforeConnectingWhenFileMissing(t *testing.T) {
	e := testEnv(io.Discard)
	err := e.seed(context.Background(), seedOptions{File: filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed:")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunSeedPrintsSummaryAndBumpsCache(t *testing.T) {
	var out bytes.Buffer
	ing := &stubIngester{summary: ingest.Summary{Processed: 2, Vendors: 1, Invoices: 2}}
	bumper := &stubBumper{}
	locker := &stubLocker{}

	records := []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)}
	require.NoError(t, runSeed(context.Background(), records, seedDeps{Ingest: ing, Cache: bumper, Locker: locker, Out: &out}))

	assert.Equal(t, 2, ing.got)
	assert.Equal(t, jobs.IngestLockKey, locker.key)
	assert.Equal(t, 1, bumper.bumps)
	assert.Contains(t, out.String(), "Seed Summary:")
	assert.Contains(t, out.String(), "Processed: 2 documents")
}

func TestRunSeedFailures(t *testing.T) {
	var out bytes.Buffer
	bumper := &stubBumper{}
	err := runSeed(context.Background(), nil, seedDeps{
		Ingest: &stubIngester{},
		Cache:  bumper,
		Locker: &stubLocker{err: errors.New("cache: ingest already running")},
		Out:    &out,
	})
	require.ErrorContains(t, err, "ingest already running")
	assert.Empty(t, out.String())
	assert.Zero(t, bumper.bumps)

	err = runSeed(context.Background(), nil, seedDeps{
		Ingest: &stubIngester{err: errors.New("ingest: clear tables: boom")},
		Out:    &out,
	})
	require.ErrorContains(t, err, "clear tables")
}

func TestRunSeedIgnoresBumpFailure(t *testing.T) {
	err := runSeed(context.Background(), nil, seedDeps{
		Ingest: &stubIngester{},
		Cache:  &stubBumper{err: errors.New("redis down")},
	})
	require.NoError(t, err)
}

type stubEnqueuer struct {
	payload jobs.IngestRunPayload
	warmup  *asynq.TaskInfo
}

func (s *stubEnqueuer) EnqueueIngestRun(ctx context.Context, payload jobs.IngestRunPayload) (*asynq.TaskInfo, error) {
	s.payload = payload
	return &asynq.TaskInfo{ID: "t1", Type: jobs.TaskIngestRun, Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) EnqueueAnalyticsWarmup(ctx context.Context) (*asynq.TaskInfo, error) {
	return s.warmup, nil
}

func TestEnqueue(t *testing.T) {
	var out bytes.Buffer
	client := &stubEnqueuer{}
	require.NoError(t, enqueue(context.Background(), client, testEnv(&out), " exports/april.json ", false))
	assert.Equal(t, "exports/april.json", client.payload.File)
	assert.Equal(t, "enqueued ingest:run id=t1 queue=default\n", out.String())

	out.Reset()
	require.NoError(t, enqueue(context.Background(), client, testEnv(&out), "", true))
	assert.Equal(t, "warmup already queued\n", out.String())
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestInspectQueue(t *testing.T) {
	stats, err := inspectQueue(stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 3, Retry: 1}})
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Queue: "default", Pending: 3, Retry: 1}, stats)

	_, err = inspectQueue(stubInspector{err: errors.New("dial tcp: refused")})
	require.ErrorContains(t, err, "queue:")
}

func TestMigratePrintUsesRootCommand(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env"), "migrate", "--print"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "CREATE TABLE IF NOT EXISTS invoices")
}

func TestEnvFileIsLoaded(t *testing.T) {
	if _, ok := os.LookupEnv("INGEST_WORKERS"); ok {
		t.Skip("INGEST_WORKERS set in the environment")
	}
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("INGEST_WORKERS=0\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("INGEST_WORKERS") })

	root := NewRootCommand()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"--env-file", path, "migrate", "--print"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "load config")
}
