package invoicing

import (
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// DraftRequest is the request contract for creating or replacing a draft.
type DraftRequest struct {
	ClientID      int64         `json:"client_id"`
	Date          string        `json:"date" validate:"max=10"`
	VATNote       string        `json:"vat_note" validate:"max=500"`
	PaymentMethod string        `json:"payment_method" validate:"max=50"`
	Lines         []LineRequest `json:"lines" validate:"max=500,dive"`
}

// LineRequest is one line of a draft request.
type LineRequest struct {
	Description string          `json:"description" validate:"max=500"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	VATPercent  decimal.Decimal `json:"vat_percent"`
	ConceptID   *int64          `json:"concept_id,omitempty" validate:"omitempty,gt=0"`
}

// ValidateRequest is the request contract for validation.
type ValidateRequest struct {
	Date    string `json:"date" validate:"max=10"`
	VATNote string `json:"vat_note" validate:"max=500"`
}

// DeliverRequest is the request contract for email delivery.
type DeliverRequest struct {
	To        string `json:"to" validate:"omitempty,email"`
	Subject   string `json:"subject" validate:"max=200"`
	Body      string `json:"body" validate:"max=20000"`
	AttachPDF bool   `json:"attach_pdf"`
}

// NumberingRequest updates the numbering configuration.
type NumberingRequest struct {
	Scheme string `json:"scheme" validate:"required,oneof=CONTINUOUS BY_YEAR CUSTOM_PREFIX"`
	Format string `json:"format" validate:"max=40"`
}

// ReconcileRequest lifts a ledger halt.
type ReconcileRequest struct {
	Reason string `json:"reason" validate:"required,min=10,max=500"`
}

// DraftInput is the service-level draft payload.
type DraftInput struct {
	ClientID      int64
	Date          time.Time
	VATNote       string
	PaymentMethod string
	Lines         []LineInput
}

// LineInput is the service-level line payload.
type LineInput struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	VATPercent  decimal.Decimal
	ConceptID   *int64
}

// ValidateInput is the service-level validation payload.
type ValidateInput struct {
	Date    time.Time
	VATNote *string
}

// DeliverInput is the service-level delivery payload.
type DeliverInput struct {
	To        string
	Subject   string
	Body      string
	AttachPDF bool
}

// CreatedResponse is returned after creating a draft.
type CreatedResponse struct {
	ID int64 `json:"id"`
}

// ValidatedResponse is returned after validation.
type ValidatedResponse struct {
	Number string `json:"number"`
}

// VoidedResponse is returned after voiding.
type VoidedResponse struct {
	RectificationNumber string `json:"rectification_number"`
}

// ArchivedResponse is returned by the save action of the PDF endpoint.
type ArchivedResponse struct {
	ArchivePath string `json:"archive_path"`
}

// DeliveryResponse is returned after queuing a delivery.
type DeliveryResponse struct {
	DeliveryID int64          `json:"delivery_id"`
	Status     DeliveryStatus `json:"status"`
}
