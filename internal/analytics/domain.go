package analytics

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidFilter marks a request whose filter cannot be applied.
var ErrInvalidFilter = errors.New("analytics: invalid filter")

// Stats is the headline card set of the dashboard.
type Stats struct {
	TotalSpend        decimal.Decimal `json:"totalSpend"`
	InvoicesProcessed int64           `json:"invoicesProcessed"`
	DocumentsUploaded int64           `json:"documentsUploaded"`
	AvgInvoiceValue   decimal.Decimal `json:"avgInvoiceValue"`
}

// DateRange bounds a trend query. Both ends are inclusive calendar days.
type DateRange struct {
	From time.Time
	To   time.Time
}

// TrendPoint is one month of invoice activity.
type TrendPoint struct {
	Month        string          `json:"month"`
	InvoiceCount int64           `json:"invoice_count"`
	TotalSpend   decimal.Decimal `json:"total_spend"`
}

// VendorSpend ranks a vendor by the invoices it issued.
type VendorSpend struct {
	VendorID string          `json:"vendor_id"`
	Name     string          `json:"name"`
	Spend    decimal.Decimal `json:"spend"`
}

// CategorySpend aggregates spend by vendor category.
type CategorySpend struct {
	Category string          `json:"category"`
	Spend    decimal.Decimal `json:"spend"`
}

// OutflowPoint is the unpaid amount falling due on one day.
type OutflowPoint struct {
	Date    string          `json:"date"`
	Outflow decimal.Decimal `json:"outflow"`
}

// Invoice sort orders accepted by ListInvoices.
const (
	SortDateDesc   = "date_desc"
	SortDateAsc    = "date_asc"
	SortAmountDesc = "amount_desc"
	SortAmountAsc  = "amount_asc"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
	maxExportRows   = 10000
)

// InvoiceFilter scopes the invoice table and its exports.
type InvoiceFilter struct {
	Query  string
	Status string
	Sort   string
	Page   int
	Limit  int
}

// Normalize applies defaults and validates the sort order.
func (f InvoiceFilter) Normalize() (InvoiceFilter, error) {
	switch f.Sort {
	case "":
		f.Sort = SortDateDesc
	case SortDateDesc, SortDateAsc, SortAmountDesc, SortAmountAsc:
	default:
		return f, errors.Join(ErrInvalidFilter, errors.New("unknown sort "+f.Sort))
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	return f, nil
}

// Offset is the number of rows skipped for the current page.
func (f InvoiceFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// InvoiceRow is one line of the invoice table.
type InvoiceRow struct {
	InvoiceNumber string          `json:"invoice_number"`
	VendorName    *string         `json:"vendor_name"`
	CustomerName  *string         `json:"customer_name"`
	Date          time.Time       `json:"date"`
	DueDate       *time.Time      `json:"due_date"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
}

// InvoicePage is a page of invoices plus the unpaged total.
type InvoicePage struct {
	TotalCount int64        `json:"total_count"`
	Items      []InvoiceRow `json:"items"`
}

// TableCounts reports the row count of each ingested table.
type TableCounts struct {
	Vendors   int64 `json:"vendors"`
	Customers int64 `json:"customers"`
	Invoices  int64 `json:"invoices"`
	LineItems int64 `json:"line_items"`
	Payments  int64 `json:"payments"`
	Documents int64 `json:"documents"`
}
