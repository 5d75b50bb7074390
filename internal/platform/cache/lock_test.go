package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestNewPingsServer(t *testing.T) {
	_, mr := newTestClient(t)

	client, err := New(context.Background(), mr.Addr())
	require.NoError(t, err)
	_ = client.Close()

	mr.Close()
	_, err = New(context.Background(), mr.Addr())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping")
}

func TestWithLockExcludesSecondHolder(t *testing.T) {
	client, mr := newTestClient(t)
	locker := NewLocker(client, time.Minute)
	ctx := context.Background()

	err := locker.WithLock(ctx, "flowbit:ingest", func(ctx context.Context) error {
		assert.True(t, mr.Exists("flowbit:ingest"))
		inner := locker.WithLock(ctx, "flowbit:ingest", func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		require.ErrorIs(t, inner, ErrLocked)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("flowbit:ingest"), "lock released after run")
}

func TestWithLockReleasesOnError(t *testing.T) {
	client, mr := newTestClient(t)
	locker := NewLocker(client, time.Minute)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), "k", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("k"))
}

func TestNilLockerRunsUnguarded(t *testing.T) {
	var locker *Locker
	ran := false
	require.NoError(t, locker.WithLock(context.Background(), "k", func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}
