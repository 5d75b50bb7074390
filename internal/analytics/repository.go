package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository exposes the dashboard queries over the ingested tables.
type Repository interface {
	Stats(ctx context.Context) (Stats, error)
	InvoiceTrends(ctx context.Context, r DateRange) ([]TrendPoint, error)
	TopVendors(ctx context.Context, limit int) ([]VendorSpend, error)
	CategorySpend(ctx context.Context) ([]CategorySpend, error)
	CashOutflow(ctx context.Context, r DateRange) ([]OutflowPoint, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) (InvoicePage, error)
	TableCounts(ctx context.Context) (TableCounts, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) Stats(ctx context.Context) (Stats, error) {
	const query = `
		SELECT
			COALESCE(SUM(total_amount), 0),
			COUNT(*),
			COALESCE(AVG(total_amount), 0),
			(SELECT COUNT(*) FROM documents)
		FROM invoices
	`
	var s Stats
	if err := r.pool.QueryRow(ctx, query).Scan(&s.TotalSpend, &s.InvoicesProcessed, &s.AvgInvoiceValue, &s.DocumentsUploaded); err != nil {
		return Stats{}, fmt.Errorf("analytics: stats: %w", err)
	}
	s.AvgInvoiceValue = s.AvgInvoiceValue.Round(2)
	return s, nil
}

func (r *pgRepository) InvoiceTrends(ctx context.Context, dr DateRange) ([]TrendPoint, error) {
	const query = `
		SELECT to_char(date_trunc('month', date), 'YYYY-MM') AS month,
		       COUNT(*),
		       COALESCE(SUM(total_amount), 0)
		FROM invoices
		WHERE date BETWEEN $1 AND $2
		GROUP BY 1
		ORDER BY 1
	`
	rows, err := r.pool.Query(ctx, query, dr.From, dr.To)
	if err != nil {
		return nil, fmt.Errorf("analytics: invoice trends: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TrendPoint, error) {
		var p TrendPoint
		err := row.Scan(&p.Month, &p.InvoiceCount, &p.TotalSpend)
		return p, err
	})
}

func (r *pgRepository) TopVendors(ctx context.Context, limit int) ([]VendorSpend, error) {
	const query = `
		SELECT v.vendor_id, v.name, COALESCE(SUM(i.total_amount), 0) AS spend
		FROM vendors v
		LEFT JOIN invoices i ON i.vendor_id = v.id
		GROUP BY v.id, v.vendor_id, v.name
		ORDER BY spend DESC, v.name
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("analytics: top vendors: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (VendorSpend, error) {
		var v VendorSpend
		err := row.Scan(&v.VendorID, &v.Name, &v.Spend)
		return v, err
	})
}

func (r *pgRepository) CategorySpend(ctx context.Context) ([]CategorySpend, error) {
	const query = `
		SELECT v.category, COALESCE(SUM(i.total_amount), 0) AS spend
		FROM vendors v
		LEFT JOIN invoices i ON i.vendor_id = v.id
		WHERE v.category IS NOT NULL
		GROUP BY v.category
		ORDER BY spend DESC, v.category
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("analytics: category spend: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (CategorySpend, error) {
		var c CategorySpend
		err := row.Scan(&c.Category, &c.Spend)
		return c, err
	})
}

func (r *pgRepository) CashOutflow(ctx context.Context, dr DateRange) ([]OutflowPoint, error) {
	const query = `
		SELECT due_date, COALESCE(SUM(total_amount), 0)
		FROM invoices
		WHERE due_date BETWEEN $1 AND $2
		  AND status <> 'paid'
		GROUP BY due_date
		ORDER BY due_date
	`
	rows, err := r.pool.Query(ctx, query, dr.From, dr.To)
	if err != nil {
		return nil, fmt.Errorf("analytics: cash outflow: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutflowPoint, error) {
		var (
			due time.Time
			p   OutflowPoint
		)
		if err := row.Scan(&due, &p.Outflow); err != nil {
			return p, err
		}
		p.Date = due.Format("2006-01-02")
		return p, nil
	})
}

func (r *pgRepository) ListInvoices(ctx context.Context, f InvoiceFilter) (InvoicePage, error) {
	where, args := invoiceWhere(f)

	var page InvoicePage
	countQuery := `SELECT COUNT(*) FROM invoices i LEFT JOIN vendors v ON v.id = i.vendor_id` + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&page.TotalCount); err != nil {
		return InvoicePage{}, fmt.Errorf("analytics: count invoices: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT i.invoice_number, v.name, c.name, i.date, i.due_date, i.total_amount, i.currency, i.status
		FROM invoices i
		LEFT JOIN vendors v ON v.id = i.vendor_id
		LEFT JOIN customers c ON c.id = i.customer_id
		%s
		ORDER BY %s
		LIMIT $%d OFFSET $%d
	`, where, invoiceOrder(f.Sort), len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, f.Limit, f.Offset())...)
	if err != nil {
		return InvoicePage{}, fmt.Errorf("analytics: list invoices: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanInvoiceRow)
	if err != nil {
		return InvoicePage{}, fmt.Errorf("analytics: scan invoices: %w", err)
	}
	page.Items = items
	return page, nil
}

func (r *pgRepository) TableCounts(ctx context.Context) (TableCounts, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM vendors),
			(SELECT COUNT(*) FROM customers),
			(SELECT COUNT(*) FROM invoices),
			(SELECT COUNT(*) FROM line_items),
			(SELECT COUNT(*) FROM payments),
			(SELECT COUNT(*) FROM documents)
	`
	var c TableCounts
	err := r.pool.QueryRow(ctx, query).Scan(&c.Vendors, &c.Customers, &c.Invoices, &c.LineItems, &c.Payments, &c.Documents)
	if err != nil {
		return TableCounts{}, fmt.Errorf("analytics: table counts: %w", err)
	}
	return c, nil
}

func scanInvoiceRow(row pgx.CollectableRow) (InvoiceRow, error) {
	var inv InvoiceRow
	err := row.Scan(&inv.InvoiceNumber, &inv.VendorName, &inv.CustomerName, &inv.Date, &inv.DueDate, &inv.TotalAmount, &inv.Currency, &inv.Status)
	return inv, err
}

// invoiceWhere builds the shared filter clause; placeholders start at $1.
func invoiceWhere(f InvoiceFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		conds = append(conds, fmt.Sprintf("(i.invoice_number ILIKE $%d OR v.name ILIKE $%d)", len(args), len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("i.status = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func invoiceOrder(sort string) string {
	switch sort {
	case SortDateAsc:
		return "i.date ASC, i.invoice_number"
	case SortAmountDesc:
		return "i.total_amount DESC, i.date DESC"
	case SortAmountAsc:
		return "i.total_amount ASC, i.date DESC"
	default:
		return "i.date DESC, i.invoice_number"
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}
