package invoicing

import "github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"

// Domain errors for invoices.
var (
	ErrNotFound         = httpx.Rule(httpx.ErrNotFound, "invoice_not_found", "invoice not found")
	ErrDeliveryNotFound = httpx.Rule(httpx.ErrNotFound, "delivery_not_found", "delivery not found")

	// Validation errors.
	ErrClientInvalid     = httpx.Rule(httpx.ErrValidation, "client_invalid", "client does not exist for this tenant")
	ErrDateRequired      = httpx.Rule(httpx.ErrValidation, "date_required", "invoice date is required")
	ErrEmptyLines        = httpx.Rule(httpx.ErrValidation, "lines_required", "at least one line is required")
	ErrLineDescription   = httpx.Rule(httpx.ErrValidation, "line_description_required", "every line needs a description")
	ErrInvalidVATPercent = httpx.Rule(httpx.ErrValidation, "vat_percent_invalid", "VAT percent must be between 0 and 100")
	ErrLinePrecision     = httpx.Rule(httpx.ErrValidation, "line_precision_invalid", "quantity and unit price allow 4 decimals, VAT percent allows 2")
	ErrLineRange         = httpx.Rule(httpx.ErrValidation, "line_amount_out_of_range", "line amounts exceed the supported range")
	ErrInvalidMode       = httpx.Rule(httpx.ErrValidation, "render_mode_invalid", "mode must be test or production")
	ErrRecipientRequired = httpx.Rule(httpx.ErrValidation, "recipient_required", "a recipient address is required")
	ErrInvalidFilter     = httpx.Rule(httpx.ErrValidation, "filter_invalid", "invalid list filter")
	ErrReasonRequired    = httpx.Rule(httpx.ErrValidation, "reason_required", "a reconciliation reason is required")

	// Status transition errors.
	ErrNotDraft         = httpx.Rule(httpx.ErrState, "invoice_not_draft", "only DRAFT invoices can be modified or deleted")
	ErrNotArchivable    = httpx.Rule(httpx.ErrState, "invoice_not_archivable", "DRAFT invoices cannot be archived")
	ErrNotDeliverable   = httpx.Rule(httpx.ErrState, "invoice_not_deliverable", "DRAFT invoices cannot be sent")
	ErrAlreadyValidated = httpx.Rule(httpx.ErrConflict, "invoice_already_validated", "invoice is already validated")
	ErrNotValidated     = httpx.Rule(httpx.ErrConflict, "invoice_not_validated", "only VALIDATED invoices can be voided")
	ErrRectificationFinal = httpx.Rule(httpx.ErrConflict, "rectification_not_voidable", "a rectification cannot itself be voided")
	ErrAlreadyRectified = httpx.Rule(httpx.ErrConflict, "rectification_exists", "a rectification already exists for this invoice")
	ErrNumberTaken      = httpx.Rule(httpx.ErrConflict, "number_taken", "the assigned number is already in use")

	// Business rule errors.
	ErrChronology = httpx.Rule(httpx.ErrChronology, "date_before_last_validated", "invoice date precedes the most recently validated invoice")

	// Idempotency.
	ErrDuplicateRequest = httpx.Rule(httpx.ErrDuplicate, "idempotency_replay", "request with this idempotency key was already processed")
)
