package analytichttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowbit/flowbit/internal/analytics"
	"github.com/flowbit/flowbit/internal/analytics/export"
	"github.com/flowbit/flowbit/internal/platform/httpx"
)

const requestTimeout = 10 * time.Second

// AnalyticsService defines the dashboard data contract used by the handler.
type AnalyticsService interface {
	Stats(ctx context.Context) (analytics.Stats, error)
	InvoiceTrends(ctx context.Context, r analytics.DateRange) ([]analytics.TrendPoint, error)
	TopVendors(ctx context.Context, limit int) ([]analytics.VendorSpend, error)
	CategorySpend(ctx context.Context) ([]analytics.CategorySpend, error)
	CashOutflow(ctx context.Context, r analytics.DateRange) ([]analytics.OutflowPoint, error)
	ListInvoices(ctx context.Context, f analytics.InvoiceFilter) (analytics.InvoicePage, error)
	ExportInvoices(ctx context.Context, f analytics.InvoiceFilter) ([]analytics.InvoiceRow, error)
	TableCounts(ctx context.Context) (analytics.TableCounts, error)
}

// Handler serves the dashboard JSON API.
type Handler struct {
	logger           *slog.Logger
	service          AnalyticsService
	bufPool          sync.Pool
	now              func() time.Time
	exportsPerMinute int
}

// NewHandler constructs the analytics HTTP handler.
func NewHandler(logger *slog.Logger, service AnalyticsService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger, service: service, now: time.Now}
	h.bufPool.New = func() interface{} { return new(bytes.Buffer) }
	return h
}

// WithExportLimit sets how many exports of each format a client IP may
// request per minute.
func (h *Handler) WithExportLimit(perMinute int) *Handler {
	h.exportsPerMinute = perMinute
	return h
}

// WithNow overrides the handler clock for testing.
func (h *Handler) WithNow(fn func() time.Time) {
	if fn != nil {
		h.now = fn
	}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := h.service.Stats(ctx)
	if err != nil {
		h.respondError(w, "load stats", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toStatsDTO(stats))
}

func (h *Handler) handleTrends(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		h.respondError(w, "parse range", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	points, err := h.service.InvoiceTrends(ctx, rng)
	if err != nil {
		h.respondError(w, "load trends", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTrendDTOs(points))
}

func (h *Handler) handleTopVendors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	vendors, err := h.service.TopVendors(ctx, 10)
	if err != nil {
		h.respondError(w, "load top vendors", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toVendorDTOs(vendors))
}

func (h *Handler) handleCategorySpend(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	categories, err := h.service.CategorySpend(ctx)
	if err != nil {
		h.respondError(w, "load category spend", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCategoryDTOs(categories))
}

func (h *Handler) handleCashOutflow(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		h.respondError(w, "parse range", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	points, err := h.service.CashOutflow(ctx, rng)
	if err != nil {
		h.respondError(w, "load cash outflow", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOutflowDTOs(points))
}

func (h *Handler) handleInvoices(w http.ResponseWriter, r *http.Request) {
	filter, err := parseInvoiceFilter(r)
	if err != nil {
		h.respondError(w, "parse invoice filter", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	page, err := h.service.ListInvoices(ctx, filter)
	if err != nil {
		h.respondError(w, "list invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoicePageDTO{TotalCount: page.TotalCount, Items: toInvoiceDTOs(page.Items)})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	counts, err := h.service.TableCounts(ctx)
	if err != nil {
		h.respondError(w, "load summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, counts)
}

func (h *Handler) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	h.export(w, r, "xlsx", export.XLSXContentType, export.WriteInvoicesXLSX)
}

func (h *Handler) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	h.export(w, r, "csv", "text/csv; charset=utf-8", export.WriteInvoicesCSV)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request, ext, contentType string, write func(w io.Writer, rows []analytics.InvoiceRow) error) {
	filter, err := parseInvoiceFilter(r)
	if err != nil {
		h.respondError(w, "parse invoice filter", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rows, err := h.service.ExportInvoices(ctx, filter)
	if err != nil {
		h.respondError(w, "export invoices", err)
		return
	}

	buf := h.bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		buf.Reset()
		h.bufPool.Put(buf)
	}()
	if err := write(buf, rows); err != nil {
		h.respondError(w, "write "+ext, err)
		return
	}

	filename := fmt.Sprintf("invoices-%s.%s", h.now().UTC().Format("20060102"), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Error("stream export", slog.String("format", ext), slog.Any("error", err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, analytics.ErrInvalidFilter) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		httpx.Problem(w, http.StatusGatewayTimeout, "Timeout", "analytics query timed out")
		return
	}
	h.logger.Error("analytics request failed", slog.String("op", op), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func parseRange(r *http.Request) (analytics.DateRange, error) {
	var rng analytics.DateRange
	q := r.URL.Query()
	var err error
	if rng.From, err = parseDay(q.Get("from")); err != nil {
		return rng, fmt.Errorf("%w: from: %v", analytics.ErrInvalidFilter, err)
	}
	if rng.To, err = parseDay(q.Get("to")); err != nil {
		return rng, fmt.Errorf("%w: to: %v", analytics.ErrInvalidFilter, err)
	}
	return rng, nil
}

func parseDay(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if len(raw) > len("2006-01-02") {
		// Accept full ISO timestamps from date pickers.
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Parse("2006-01-02", raw)
}

func parseInvoiceFilter(r *http.Request) (analytics.InvoiceFilter, error) {
	q := r.URL.Query()
	filter := analytics.InvoiceFilter{
		Query:  strings.TrimSpace(q.Get("q")),
		Status: strings.TrimSpace(q.Get("status")),
		Sort:   strings.TrimSpace(q.Get("sort")),
	}
	var err error
	if filter.Page, err = optionalInt(q.Get("page")); err != nil {
		return filter, fmt.Errorf("%w: page: %v", analytics.ErrInvalidFilter, err)
	}
	if filter.Limit, err = optionalInt(q.Get("limit")); err != nil {
		return filter, fmt.Errorf("%w: limit: %v", analytics.ErrInvalidFilter, err)
	}
	return filter, nil
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
