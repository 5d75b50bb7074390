package perf

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/flowbit/flowbit/internal/analytics"
	analytichttp "github.com/flowbit/flowbit/internal/analytics/http"
)

const queryCost = 20 * time.Millisecond

// slowRepo answers Stats after a fixed delay; other queries are not used.
type slowRepo struct {
	analytics.Repository
}

func (slowRepo) Stats(ctx context.Context) (analytics.Stats, error) {
	select {
	case <-time.After(queryCost):
	case <-ctx.Done():
		return analytics.Stats{}, ctx.Err()
	}
	return analytics.Stats{
		TotalSpend:        decimal.RequireFromString("125000.40"),
		InvoicesProcessed: 840,
		DocumentsUploaded: 812,
		AvgInvoiceValue:   decimal.RequireFromString("148.81"),
	}, nil
}

func TestStatsLatencyCachedVersusCold(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	service := analytics.NewService(slowRepo{}, analytics.NewCache(client, time.Minute))
	router := chi.NewRouter()
	router.Route("/api", analytichttp.NewHandler(nil, service).MountRoutes)

	request := func() time.Duration {
		start := time.Now()
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
		}
		return time.Since(start)
	}

	var cold, cached []time.Duration
	for i := 0; i < 10; i++ {
		if err := service.Bump(context.Background()); err != nil {
			t.Fatalf("bump: %v", err)
		}
		cold = append(cold, request())
		cached = append(cached, request())
	}

	coldP95, cachedP95 := percentile95(cold), percentile95(cached)
	if coldP95 < queryCost {
		t.Fatalf("cold requests should pay the query cost: p95=%s", coldP95)
	}
	if cachedP95 >= coldP95 {
		t.Fatalf("cache brings no latency gain: cached p95=%s cold p95=%s", cachedP95, coldP95)
	}
	if cachedP95 > 250*time.Millisecond {
		t.Fatalf("cached latency regression: p95=%s", cachedP95)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
