package analytichttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/flowbit/flowbit/internal/platform/httpx"
)

const defaultExportsPerMinute = 10

// MountRoutes registers the dashboard endpoints. Exports are limited per
// client IP and per format.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	perMinute := h.exportsPerMinute
	if perMinute <= 0 {
		perMinute = defaultExportsPerMinute
	}
	exportLimiter := httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.StatusProblem(w, http.StatusTooManyRequests, "export limit reached, try again in a minute")
		}),
	)

	r.Get("/stats", h.handleStats)
	r.Get("/invoice-trends", h.handleTrends)
	r.Get("/vendors/top10", h.handleTopVendors)
	r.Get("/category-spend", h.handleCategorySpend)
	r.Get("/cash-outflow", h.handleCashOutflow)
	r.Get("/invoices", h.handleInvoices)
	r.Get("/summary", h.handleSummary)
	r.With(exportLimiter).Get("/invoices/export.xlsx", h.handleExportXLSX)
	r.With(exportLimiter).Get("/invoices/export.csv", h.handleExportCSV)
}
