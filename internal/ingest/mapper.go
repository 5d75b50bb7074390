package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var currencySymbols = map[string]string{
	"€": "EUR",
	"$": "USD",
	"£": "GBP",
	"¥": "JPY",
}

// BuildDraft normalises a record into the rows it produces. It performs no
// I/O; parse failures surface here, before anything is written.
func BuildDraft(rec Record, now time.Time) (Draft, error) {
	if !rec.LLMData().Present() {
		return Draft{}, ErrNoExtractedData
	}
	sec := rec.Sections()

	number := sec.Invoice.Field("invoiceId").String()
	if number == "" {
		return Draft{}, ErrMissingInvoiceNumber
	}

	invoiceDate, err := ParseInvoiceDate(sec.Invoice.Field("invoiceDate"), now)
	if err != nil {
		return Draft{}, fmt.Errorf("invoice date: %w", err)
	}
	dueDate, err := ParseDate(sec.Invoice.Field("dueDate"))
	if err != nil {
		return Draft{}, fmt.Errorf("due date: %w", err)
	}

	subtotal := ParseAmount(FirstPresent(sec.Summary.Field("subTotal"), sec.Payment.Field("subtotal")))
	tax := ParseAmount(FirstPresent(sec.Summary.Field("totalTax"), sec.Payment.Field("tax")))
	total := ParseAmount(FirstPresent(sec.Summary.Field("invoiceTotal"), sec.Payment.Field("totalAmount")))
	if total.IsZero() {
		total = subtotal.Add(tax)
	}

	currencyCode := NormalizeCurrency(FirstPresent(sec.Summary.Field("currencySymbol"), sec.Payment.Field("currency")).String())
	if currencyCode == "" {
		currencyCode = DefaultCurrency
	}

	status := sec.Payment.Field("paymentStatus").String()
	if status == "" {
		status = DefaultInvoiceStatus
	}

	vendor, err := buildVendor(rec, sec.Vendor)
	if err != nil {
		return Draft{}, fmt.Errorf("vendor: %w", err)
	}
	customer, err := buildCustomer(rec, sec.Customer)
	if err != nil {
		return Draft{}, fmt.Errorf("customer: %w", err)
	}

	draft := Draft{
		RecordID: rec.ID,
		Vendor:   vendor,
		Customer: customer,
		Invoice: Invoice{
			Number:      number,
			Date:        invoiceDate,
			DueDate:     dueDate,
			Status:      status,
			Currency:    currencyCode,
			Subtotal:    positive(subtotal),
			Tax:         positive(tax),
			TotalAmount: total,
		},
		LineItems: buildLineItems(sec.LineItems),
	}

	if sec.Payment.Present() && total.IsPositive() {
		paymentDate, err := ParseDate(sec.Payment.Field("paymentDate"))
		if err != nil {
			return Draft{}, fmt.Errorf("payment date: %w", err)
		}
		paymentStatus := sec.Payment.Field("paymentStatus").String()
		if paymentStatus == "" {
			paymentStatus = DefaultPaymentStatus
		}
		draft.Payment = &Payment{
			Amount: total,
			Method: sec.Payment.Field("paymentMethod").OptionalString(),
			Date:   paymentDate,
			Status: paymentStatus,
		}
	}

	meta := rec.Metadata()
	if meta.Present() || rec.FilePath().Present() {
		uploadedAt, err := ParseTimestamp(meta.Get("uploadedAt"), now)
		if err != nil {
			return Draft{}, fmt.Errorf("uploaded at: %w", err)
		}
		draft.Document = &Document{
			FileName:   FirstPresent(meta.Get("originalFileName"), rec.Name()).OptionalString(),
			URL:        rec.FilePath().OptionalString(),
			UploadedAt: uploadedAt,
		}
	}

	return draft, nil
}

func buildVendor(rec Record, section Node) (*Vendor, error) {
	name := section.Field("vendorName").String()
	if name == "" {
		return nil, nil
	}
	partyNumber := section.Field("vendorPartyNumber").OptionalString()
	key, err := externalID(PartyVendor, partyNumber, rec)
	if err != nil {
		return nil, err
	}
	return &Vendor{
		ExternalID: key,
		Name:       name,
		Category:   section.Field("vendorCategory").OptionalString(),
		Meta: VendorMeta{
			Address:     section.Field("vendorAddress").OptionalString(),
			TaxID:       section.Field("vendorTaxId").OptionalString(),
			PartyNumber: partyNumber,
		},
	}, nil
}

func buildCustomer(rec Record, section Node) (*Customer, error) {
	name := section.Field("customerName").String()
	if name == "" {
		return nil, nil
	}
	partyNumber := section.Field("customerPartyNumber").OptionalString()
	key, err := externalID(PartyCustomer, partyNumber, rec)
	if err != nil {
		return nil, err
	}
	return &Customer{
		ExternalID: key,
		Name:       name,
		Meta: CustomerMeta{
			Address:     section.Field("customerAddress").OptionalString(),
			PartyNumber: partyNumber,
		},
	}, nil
}

// externalID prefers the business party number and otherwise synthesises a
// per-record key, so parties without a number are never merged. A record
// without an id has no such key.
func externalID(kind PartyKind, partyNumber *string, rec Record) (string, error) {
	if partyNumber != nil {
		return *partyNumber, nil
	}
	if rec.ID == "" {
		return "", ErrMissingRecordID
	}
	return string(kind) + "-" + rec.ID, nil
}

func buildLineItems(items []Node) []LineItem {
	var out []LineItem
	for _, item := range items {
		description := item.Field("description").OptionalString()
		total := FirstPresent(item.Field("totalPrice"), item.Field("total"))
		if description == nil && !total.Present() {
			continue
		}
		out = append(out, LineItem{
			Description: description,
			Quantity:    optionalAmount(item.Field("quantity")),
			UnitPrice:   optionalAmount(item.Field("unitPrice")),
			Total:       optionalAmount(total),
			Category:    FirstPresent(item.Field("category"), item.Field("Sachkonto")).OptionalString(),
		})
	}
	return out
}

func optionalAmount(n Node) *decimal.Decimal {
	if !n.Present() {
		return nil
	}
	return positive(ParseAmount(n))
}

func positive(d decimal.Decimal) *decimal.Decimal {
	if !d.IsPositive() {
		return nil
	}
	return &d
}

// NormalizeCurrency maps symbols and ISO 4217 codes to upper-case codes.
// Unknown values are kept verbatim.
func NormalizeCurrency(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if code, ok := currencySymbols[s]; ok {
		return code
	}
	if unit, err := currency.ParseISO(strings.ToUpper(s)); err == nil {
		return unit.String()
	}
	return s
}
