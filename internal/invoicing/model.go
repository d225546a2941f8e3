// Package invoicing owns the sales invoice lifecycle: editable drafts,
// validation into numbered and chained records, and voiding through a linked
// rectification.
package invoicing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of an invoice.
type Status string

const (
	StatusDraft     Status = "DRAFT"     // Editable, no number
	StatusValidated Status = "VALIDATED" // Numbered, chained, immutable
	StatusVoid      Status = "VOID"      // Cancelled by a rectification
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusValidated, StatusVoid:
		return true
	default:
		return false
	}
}

// CanEdit checks if the invoice can be replaced or deleted.
func (s Status) CanEdit() bool {
	return s == StatusDraft
}

// CanValidate checks if the invoice can receive a number.
func (s Status) CanValidate() bool {
	return s == StatusDraft
}

// CanVoid checks if the invoice can be voided.
func (s Status) CanVoid() bool {
	return s == StatusValidated
}

// RectificationSuffix is appended to the original number.
const RectificationSuffix = "R"

// Invoice is a sales invoice with its lines.
type Invoice struct {
	ID              int64           `json:"id"`
	TenantID        int64           `json:"tenant_id"`
	ClientID        int64           `json:"client_id"`
	IssueDate       time.Time       `json:"issue_date"`
	Status          Status          `json:"status"`
	Number          *string         `json:"number,omitempty"`
	Partition       *string         `json:"-"`
	Correlative     *int64          `json:"-"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	VATTotal        decimal.Decimal `json:"vat_total"`
	Total           decimal.Decimal `json:"total"`
	VATNote         string          `json:"vat_note,omitempty"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	ArchivePath     *string         `json:"archive_path,omitempty"`
	LedgerHash      *string         `json:"ledger_hash,omitempty"`
	HashGeneratedAt *time.Time      `json:"hash_generated_at,omitempty"`
	RectifiesID     *int64          `json:"rectifies_id,omitempty"`
	CreatedBy       int64           `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Lines           []Line          `json:"lines,omitempty"`
}

// NumberOrEmpty returns the assigned number or "".
func (i *Invoice) NumberOrEmpty() string {
	if i == nil || i.Number == nil {
		return ""
	}
	return *i.Number
}

// Line is one billed concept.
type Line struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	VATPercent  decimal.Decimal `json:"vat_percent"`
	ConceptID   *int64          `json:"concept_id,omitempty"`
	LineTotal   decimal.Decimal `json:"line_total"`
	LineOrder   int             `json:"line_order"`
}

// Parties holds issuer and client identity for rendering.
type Parties struct {
	IssuerName    string
	IssuerTaxID   string
	IssuerAddress string
	ClientName    string
	ClientTaxID   string
	ClientAddress string
	ClientEmail   string
}

// DeliveryStatus tracks an outbound email.
type DeliveryStatus string

const (
	DeliveryQueued DeliveryStatus = "QUEUED"
	DeliverySent   DeliveryStatus = "SENT"
	DeliveryFailed DeliveryStatus = "FAILED"
)

// DeliveryLog records one delivery attempt of an invoice by email.
type DeliveryLog struct {
	ID        int64          `json:"id"`
	TenantID  int64          `json:"tenant_id"`
	InvoiceID int64          `json:"invoice_id"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body,omitempty"`
	AttachPDF bool           `json:"attach_pdf"`
	Status    DeliveryStatus `json:"status"`
	MessageID string         `json:"message_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedBy int64          `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	TenantID int64
	Status   *Status
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}
