package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "analytics:version"
	bumpChannel     = "ingest.completed"
)

// ErrCacheUnavailable marks Redis failures. FetchJSON still fills dest from
// the loader when it returns this error.
var ErrCacheUnavailable = errors.New("analytics: cache unavailable")

// Cache wraps Redis based caching with versioning controls. Every key embeds
// the current version, so bumping the version after an ingestion run makes
// all previously cached dashboard payloads unreachable at once.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		// SetNX keeps a concurrent Bump from being overwritten.
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, cacheVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// BuildKey composes the cache key with the current version.
func (c *Cache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(append([]string{"analytics"}, parts...), ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: version: %v", ErrCacheUnavailable, err)
	}
	return fmt.Sprintf("%s:v%d", joined, ver), nil
}

// FetchJSON loads a cached value into dest or populates it using the loader.
// The returned flag reports a cache hit. Entries that no longer decode are
// reloaded and overwritten.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) (bool, error) {
	if loader == nil {
		return false, errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		_, err := load(ctx, loader, dest)
		return false, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil && json.Unmarshal(payload, dest) == nil {
		return true, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		if _, lerr := load(ctx, loader, dest); lerr != nil {
			return false, lerr
		}
		return false, fmt.Errorf("%w: get %s: %v", ErrCacheUnavailable, key, err)
	}
	raw, err := load(ctx, loader, dest)
	if err != nil {
		return false, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return false, fmt.Errorf("%w: set %s: %v", ErrCacheUnavailable, key, err)
	}
	return false, nil
}

func load(ctx context.Context, loader func(context.Context) (any, error), dest any) ([]byte, error) {
	value, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return raw, json.Unmarshal(raw, dest)
}

// Bump invalidates the cache by incrementing the global version and publishing an event.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation subscribes to version bump notifications published by
// other instances and calls onBump with the announced version.
func (c *Cache) ListenForInvalidation(ctx context.Context, onBump func(version int64)) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, bumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				if onBump != nil {
					onBump(ver)
				}
			}
		}
	}()
	return nil
}

func keyRange(name string, r DateRange) []string {
	return []string{name, r.From.Format("2006-01-02"), r.To.Format("2006-01-02")}
}

func keyInvoices(f InvoiceFilter) []string {
	return []string{"invoices", strings.ToLower(f.Query), f.Status, f.Sort, strconv.Itoa(f.Page), strconv.Itoa(f.Limit)}
}
