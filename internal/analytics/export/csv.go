package export

import (
	"encoding/csv"
	"io"

	"github.com/flowbit/flowbit/internal/analytics"
)

var invoiceHeader = []string{"Invoice Number", "Vendor", "Customer", "Date", "Due Date", "Total Amount", "Currency", "Status"}

// WriteInvoicesCSV serialises invoice rows to CSV.
func WriteInvoicesCSV(w io.Writer, rows []analytics.InvoiceRow) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(invoiceHeader); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{
			row.InvoiceNumber,
			deref(row.VendorName),
			deref(row.CustomerName),
			formatDate(&row.Date),
			formatDate(row.DueDate),
			row.TotalAmount.StringFixed(2),
			row.Currency,
			row.Status,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteTrendsCSV emits the monthly invoice trend as CSV.
func WriteTrendsCSV(w io.Writer, points []analytics.TrendPoint) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()
	if err := writer.Write([]string{"Month", "Invoice Count", "Total Spend"}); err != nil {
		return err
	}
	for _, point := range points {
		if err := writer.Write([]string{
			point.Month,
			formatInt(point.InvoiceCount),
			point.TotalSpend.StringFixed(2),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
