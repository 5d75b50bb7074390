package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// CacheObserver records cache lookups. observability.Metrics satisfies it.
type CacheObserver interface {
	ObserveCache(hit bool)
}

// Service coordinates analytics query execution with the cache layer.
type Service struct {
	repo     Repository
	cache    *Cache
	observer CacheObserver
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires a Repository with a Cache helper. A nil cache disables
// caching.
func NewService(repo Repository, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache, logger: slog.Default(), now: time.Now}
}

// WithLogger sets where cache degradation is reported.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithObserver attaches cache hit/miss reporting.
func (s *Service) WithObserver(o CacheObserver) *Service {
	s.observer = o
	return s
}

// WithClock overrides the clock used for default date ranges.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Bump invalidates every cached dashboard payload.
func (s *Service) Bump(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

// trendsEpoch is the default lower bound of trend and outflow ranges.
var trendsEpoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// ResolveRange fills in the default bounds and rejects inverted ranges.
func (s *Service) ResolveRange(r DateRange) (DateRange, error) {
	if r.From.IsZero() {
		r.From = trendsEpoch
	}
	if r.To.IsZero() {
		r.To = s.now().UTC()
	}
	r.From = truncateDay(r.From)
	r.To = truncateDay(r.To)
	if r.To.Before(r.From) {
		return r, fmt.Errorf("%w: from %s is after to %s", ErrInvalidFilter, r.From.Format("2006-01-02"), r.To.Format("2006-01-02"))
	}
	return r, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Stats returns the all-time headline figures.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := s.cached(ctx, []string{"stats"}, &out, func(ctx context.Context) (any, error) {
		return s.repo.Stats(ctx)
	})
	return out, err
}

// InvoiceTrends returns monthly invoice counts and spend.
func (s *Service) InvoiceTrends(ctx context.Context, r DateRange) ([]TrendPoint, error) {
	r, err := s.ResolveRange(r)
	if err != nil {
		return nil, err
	}
	out := []TrendPoint{}
	err = s.cached(ctx, keyRange("trends", r), &out, func(ctx context.Context) (any, error) {
		return s.repo.InvoiceTrends(ctx, r)
	})
	return out, err
}

// TopVendors ranks vendors by spend.
func (s *Service) TopVendors(ctx context.Context, limit int) ([]VendorSpend, error) {
	if limit <= 0 {
		limit = 10
	}
	out := []VendorSpend{}
	err := s.cached(ctx, []string{"vendors", "top", strconv.Itoa(limit)}, &out, func(ctx context.Context) (any, error) {
		return s.repo.TopVendors(ctx, limit)
	})
	return out, err
}

// CategorySpend aggregates spend per vendor category.
func (s *Service) CategorySpend(ctx context.Context) ([]CategorySpend, error) {
	out := []CategorySpend{}
	err := s.cached(ctx, []string{"categories"}, &out, func(ctx context.Context) (any, error) {
		return s.repo.CategorySpend(ctx)
	})
	return out, err
}

// CashOutflow returns unpaid amounts per due date.
func (s *Service) CashOutflow(ctx context.Context, r DateRange) ([]OutflowPoint, error) {
	r, err := s.ResolveRange(r)
	if err != nil {
		return nil, err
	}
	out := []OutflowPoint{}
	err = s.cached(ctx, keyRange("outflow", r), &out, func(ctx context.Context) (any, error) {
		return s.repo.CashOutflow(ctx, r)
	})
	return out, err
}

// ListInvoices returns one page of the invoice table.
func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter) (InvoicePage, error) {
	f, err := f.Normalize()
	if err != nil {
		return InvoicePage{}, err
	}
	out := InvoicePage{Items: []InvoiceRow{}}
	err = s.cached(ctx, keyInvoices(f), &out, func(ctx context.Context) (any, error) {
		return s.repo.ListInvoices(ctx, f)
	})
	return out, err
}

// ExportInvoices returns every invoice matching the filter, up to the export
// cap. Exports bypass the cache.
func (s *Service) ExportInvoices(ctx context.Context, f InvoiceFilter) ([]InvoiceRow, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	f.Page = 1
	f.Limit = maxExportRows
	page, err := s.repo.ListInvoices(ctx, f)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// TableCounts reports row counts of the ingested tables. It is never cached
// so the summary reflects a run in progress.
func (s *Service) TableCounts(ctx context.Context) (TableCounts, error) {
	return s.repo.TableCounts(ctx)
}

func (s *Service) cached(ctx context.Context, parts []string, dest any, loader func(context.Context) (any, error)) error {
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		// Without a version the key cannot be trusted; serve straight from the database.
		s.logger.Warn("analytics cache degraded", slog.Any("error", err))
		_, err := load(ctx, loader, dest)
		s.observe(false)
		return err
	}
	// Concurrent misses on the same key share one database round trip.
	shared := func(ctx context.Context) (any, error) {
		val, err, _ := singleflightLoad(ctx, key, loader)
		return val, err
	}
	hit, err := s.cache.FetchJSON(ctx, key, dest, shared)
	if errors.Is(err, ErrCacheUnavailable) {
		s.logger.Warn("analytics cache degraded", slog.String("key", key), slog.Any("error", err))
		err = nil
	}
	if err != nil {
		return err
	}
	s.observe(hit)
	return nil
}

func (s *Service) observe(hit bool) {
	if s.observer != nil {
		s.observer.ObserveCache(hit)
	}
}
