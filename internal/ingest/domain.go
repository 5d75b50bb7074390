package ingest

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Item-level outcomes. ErrNoExtractedData and ErrMissingInvoiceNumber mark a
// record as skipped rather than failed.
var (
	ErrNoExtractedData      = errors.New("record has no extracted data")
	ErrMissingInvoiceNumber = errors.New("record has no invoice number")
	ErrInvalidDate          = errors.New("invalid date")
	ErrInvalidTimestamp     = errors.New("invalid timestamp")
	ErrIdentityConflict     = errors.New("party resolved to a different surrogate id")
	ErrMissingRecordID      = errors.New("record has no id to key an unnumbered party")

	// ErrTxAborted means the enclosing batch transaction can no longer be
	// used and must be rolled back as a whole.
	ErrTxAborted = errors.New("ingest: batch transaction aborted")
)

// Default invoice attributes.
const (
	DefaultCurrency      = "EUR"
	DefaultInvoiceStatus = "unpaid"
	DefaultPaymentStatus = "pending"
)

// PartyKind distinguishes the two deduplicated party tables.
type PartyKind string

const (
	PartyVendor   PartyKind = "vendor"
	PartyCustomer PartyKind = "customer"
)

// PartyKey names one party row by its kind and external identifier.
type PartyKey struct {
	Kind       PartyKind
	ExternalID string
}

// VendorMeta is stored as the vendor's JSONB metadata blob.
type VendorMeta struct {
	Address     *string `json:"address"`
	TaxID       *string `json:"taxId"`
	PartyNumber *string `json:"partyNumber"`
}

// Vendor is a supplier party keyed by its external identifier.
type Vendor struct {
	ID         uuid.UUID
	ExternalID string
	Name       string
	Category   *string
	Meta       VendorMeta
}

// CustomerMeta is stored as the customer's JSONB metadata blob.
type CustomerMeta struct {
	Address     *string `json:"address"`
	PartyNumber *string `json:"partyNumber"`
}

// Customer is a buyer party keyed by its external identifier.
type Customer struct {
	ID         uuid.UUID
	ExternalID string
	Name       string
	Meta       CustomerMeta
}

// PartyRef is the result of a vendor or customer upsert.
type PartyRef struct {
	ID       uuid.UUID
	Inserted bool
}

// Invoice is the header row owning line items, payment and document.
type Invoice struct {
	ID          uuid.UUID
	Number      string
	VendorID    *uuid.UUID
	CustomerID  *uuid.UUID
	Date        time.Time
	DueDate     *time.Time
	Status      string
	Currency    string
	Subtotal    *decimal.Decimal
	Tax         *decimal.Decimal
	TotalAmount decimal.Decimal
}

// LineItem is a single invoice position.
type LineItem struct {
	ID          uuid.UUID
	InvoiceID   uuid.UUID
	Description *string
	Quantity    *decimal.Decimal
	UnitPrice   *decimal.Decimal
	Total       *decimal.Decimal
	Category    *string
}

// Payment records settlement information for an invoice.
type Payment struct {
	ID        uuid.UUID
	InvoiceID uuid.UUID
	Amount    decimal.Decimal
	Method    *string
	Date      *time.Time
	Status    string
}

// Document points at the source file an invoice was extracted from.
type Document struct {
	ID         uuid.UUID
	InvoiceID  uuid.UUID
	FileName   *string
	URL        *string
	UploadedAt time.Time
}

// Draft is a fully normalised record, ready to persist. Party and dependent
// ids are filled in while persisting.
type Draft struct {
	RecordID  string
	Vendor    *Vendor
	Customer  *Customer
	Invoice   Invoice
	LineItems []LineItem
	Payment   *Payment
	Document  *Document
}

// Parties lists the party rows the draft writes.
func (d Draft) Parties() []PartyKey {
	var keys []PartyKey
	if d.Vendor != nil {
		keys = append(keys, PartyKey{Kind: PartyVendor, ExternalID: d.Vendor.ExternalID})
	}
	if d.Customer != nil {
		keys = append(keys, PartyKey{Kind: PartyCustomer, ExternalID: d.Customer.ExternalID})
	}
	return keys
}

// IsSkip reports whether err marks a record that is skipped, not failed.
func IsSkip(err error) bool {
	return errors.Is(err, ErrNoExtractedData) || errors.Is(err, ErrMissingInvoiceNumber)
}
