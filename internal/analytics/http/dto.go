package analytichttp

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowbit/flowbit/internal/analytics"
)

// Amounts are rendered as JSON numbers rounded to cents.

type statsDTO struct {
	TotalSpend        float64 `json:"totalSpend"`
	InvoicesProcessed int64   `json:"invoicesProcessed"`
	DocumentsUploaded int64   `json:"documentsUploaded"`
	AvgInvoiceValue   float64 `json:"avgInvoiceValue"`
}

type trendDTO struct {
	Month        string  `json:"month"`
	InvoiceCount int64   `json:"invoice_count"`
	TotalSpend   float64 `json:"total_spend"`
}

type vendorDTO struct {
	VendorID string  `json:"vendor_id"`
	Name     string  `json:"name"`
	Spend    float64 `json:"spend"`
}

type categoryDTO struct {
	Category string  `json:"category"`
	Spend    float64 `json:"spend"`
}

type outflowDTO struct {
	Date    string  `json:"date"`
	Outflow float64 `json:"outflow"`
}

type invoiceDTO struct {
	InvoiceNumber string  `json:"invoice_number"`
	VendorName    *string `json:"vendor_name"`
	CustomerName  *string `json:"customer_name"`
	Date          string  `json:"date"`
	DueDate       *string `json:"due_date"`
	TotalAmount   float64 `json:"total_amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
}

type invoicePageDTO struct {
	TotalCount int64        `json:"total_count"`
	Items      []invoiceDTO `json:"items"`
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

func toStatsDTO(s analytics.Stats) statsDTO {
	return statsDTO{
		TotalSpend:        money(s.TotalSpend),
		InvoicesProcessed: s.InvoicesProcessed,
		DocumentsUploaded: s.DocumentsUploaded,
		AvgInvoiceValue:   money(s.AvgInvoiceValue),
	}
}

func toTrendDTOs(points []analytics.TrendPoint) []trendDTO {
	out := make([]trendDTO, 0, len(points))
	for _, p := range points {
		out = append(out, trendDTO{Month: p.Month, InvoiceCount: p.InvoiceCount, TotalSpend: money(p.TotalSpend)})
	}
	return out
}

func toVendorDTOs(vendors []analytics.VendorSpend) []vendorDTO {
	out := make([]vendorDTO, 0, len(vendors))
	for _, v := range vendors {
		out = append(out, vendorDTO{VendorID: v.VendorID, Name: v.Name, Spend: money(v.Spend)})
	}
	return out
}

func toCategoryDTOs(categories []analytics.CategorySpend) []categoryDTO {
	out := make([]categoryDTO, 0, len(categories))
	for _, c := range categories {
		out = append(out, categoryDTO{Category: c.Category, Spend: money(c.Spend)})
	}
	return out
}

func toOutflowDTOs(points []analytics.OutflowPoint) []outflowDTO {
	out := make([]outflowDTO, 0, len(points))
	for _, p := range points {
		out = append(out, outflowDTO{Date: p.Date, Outflow: money(p.Outflow)})
	}
	return out
}

func toInvoiceDTOs(rows []analytics.InvoiceRow) []invoiceDTO {
	out := make([]invoiceDTO, 0, len(rows))
	for _, row := range rows {
		dto := invoiceDTO{
			InvoiceNumber: row.InvoiceNumber,
			VendorName:    row.VendorName,
			CustomerName:  row.CustomerName,
			Date:          row.Date.Format(time.DateOnly),
			TotalAmount:   money(row.TotalAmount),
			Currency:      row.Currency,
			Status:        row.Status,
		}
		if row.DueDate != nil {
			due := row.DueDate.Format(time.DateOnly)
			dto.DueDate = &due
		}
		out = append(out, dto)
	}
	return out
}
