package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/flowbit/flowbit/internal/analytics"
)

// XLSXContentType is the media type of workbooks written by WriteInvoicesXLSX.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const invoiceSheet = "Invoices"

// WriteInvoicesXLSX renders invoice rows as a single-sheet workbook.
func WriteInvoicesXLSX(w io.Writer, rows []analytics.InvoiceRow) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", invoiceSheet); err != nil {
		return err
	}
	header := make([]interface{}, len(invoiceHeader))
	for i, h := range invoiceHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(invoiceSheet, "A1", &header); err != nil {
		return err
	}
	if err := styleHeader(f, len(invoiceHeader)); err != nil {
		return err
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		amount, _ := row.TotalAmount.Round(2).Float64()
		values := []interface{}{
			row.InvoiceNumber,
			deref(row.VendorName),
			deref(row.CustomerName),
			formatDate(&row.Date),
			formatDate(row.DueDate),
			amount,
			row.Currency,
			row.Status,
		}
		if err := f.SetSheetRow(invoiceSheet, cell, &values); err != nil {
			return fmt.Errorf("export: row %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth(invoiceSheet, "A", "C", 24); err != nil {
		return err
	}
	return f.Write(w)
}

func styleHeader(f *excelize.File, cols int) error {
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(cols, 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(invoiceSheet, "A1", last, style)
}
