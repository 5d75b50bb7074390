package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/flowbit/flowbit/internal/platform/db"
)

const schemaOutline = `Database Schema:
- vendors: id (UUID), vendor_id (TEXT), name (TEXT), category (TEXT), meta (JSONB)
- customers: id (UUID), customer_id (TEXT), name (TEXT), meta (JSONB)
- invoices: id (UUID), invoice_number (TEXT), vendor_id (UUID FK vendors.id), customer_id (UUID FK customers.id), date (DATE), due_date (DATE), status (TEXT), currency (TEXT), subtotal (NUMERIC), tax (NUMERIC), total_amount (NUMERIC)
- line_items: id (UUID), invoice_id (UUID FK invoices.id), description (TEXT), quantity (NUMERIC), unit_price (NUMERIC), total (NUMERIC), category (TEXT)
- payments: id (UUID), invoice_id (UUID FK invoices.id), amount (NUMERIC), method (TEXT), date (DATE), status (TEXT)
- documents: id (UUID), invoice_id (UUID FK invoices.id), file_name (TEXT), url (TEXT), uploaded_at (TIMESTAMPTZ)`

// Samples are example rows that anchor the generator to real values.
type Samples struct {
	VendorName    string
	VendorID      string
	CustomerName  string
	CustomerID    string
	InvoiceNumber string
	InvoiceTotal  decimal.Decimal
	InvoiceDate   string
	HasVendor     bool
	HasCustomer   bool
	HasInvoice    bool
}

// SampleSource loads Samples.
type SampleSource interface {
	Samples(ctx context.Context) (Samples, error)
}

// SchemaContext renders the table outline plus whatever samples exist.
func SchemaContext(s Samples) string {
	var b strings.Builder
	b.WriteString(schemaOutline)
	b.WriteString("\n\nSample data:")
	if s.HasVendor {
		fmt.Fprintf(&b, "\nVendor: %s (%s)", s.VendorName, s.VendorID)
	}
	if s.HasCustomer {
		name := s.CustomerName
		if name == "" {
			name = "N/A"
		}
		fmt.Fprintf(&b, "\nCustomer: %s (%s)", name, s.CustomerID)
	}
	if s.HasInvoice {
		fmt.Fprintf(&b, "\nInvoice: %s, Amount: %s, Date: %s", s.InvoiceNumber, s.InvoiceTotal.StringFixed(2), s.InvoiceDate)
	}
	return strings.TrimSpace(b.String())
}

// PGSampleSource reads one row of each party and invoice table.
type PGSampleSource struct {
	DB db.Beginner
}

// Samples implements SampleSource.
func (p PGSampleSource) Samples(ctx context.Context) (Samples, error) {
	var s Samples
	err := db.WithReadOnlyTx(ctx, p.DB, func(tx pgx.Tx) error {
		var err error
		s.HasVendor, err = sampleRow(tx.QueryRow(ctx,
			`SELECT name, vendor_id FROM vendors ORDER BY created_at, vendor_id LIMIT 1`), &s.VendorName, &s.VendorID)
		if err != nil {
			return err
		}
		s.HasCustomer, err = sampleRow(tx.QueryRow(ctx,
			`SELECT name, customer_id FROM customers ORDER BY created_at, customer_id LIMIT 1`), &s.CustomerName, &s.CustomerID)
		if err != nil {
			return err
		}
		s.HasInvoice, err = sampleRow(tx.QueryRow(ctx,
			`SELECT invoice_number, total_amount, to_char(date, 'YYYY-MM-DD') FROM invoices ORDER BY date, invoice_number LIMIT 1`),
			&s.InvoiceNumber, &s.InvoiceTotal, &s.InvoiceDate)
		return err
	})
	if err != nil {
		return Samples{}, fmt.Errorf("query: load samples: %w", err)
	}
	return s, nil
}

func sampleRow(row pgx.Row, dest ...any) (bool, error) {
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
