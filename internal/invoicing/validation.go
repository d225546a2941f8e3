package invoicing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

// Storage limits of the line and total columns: NUMERIC(14,4) inputs,
// NUMERIC(5,2) VAT percent and NUMERIC(14,2) amounts.
const (
	lineInputScale = 4
	vatScale       = 2
)

var (
	lineInputLimit = decimal.New(1, 10)
	amountLimit    = decimal.New(1, 12)
)

func hasScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

// ValidateDraftInput enforces the draft contract independent of transport.
func ValidateDraftInput(in DraftInput) error {
	if in.ClientID <= 0 {
		return ErrClientInvalid
	}
	if in.Date.IsZero() {
		return ErrDateRequired
	}
	if len(in.Lines) == 0 {
		return ErrEmptyLines
	}
	for i, l := range in.Lines {
		if strings.TrimSpace(l.Description) == "" {
			return fmt.Errorf("%w (line %d)", ErrLineDescription, i+1)
		}
		if l.VATPercent.IsNegative() || l.VATPercent.GreaterThan(hundred) {
			return fmt.Errorf("%w (line %d)", ErrInvalidVATPercent, i+1)
		}
		if !hasScale(l.Quantity, lineInputScale) || !hasScale(l.UnitPrice, lineInputScale) || !hasScale(l.VATPercent, vatScale) {
			return fmt.Errorf("%w (line %d)", ErrLinePrecision, i+1)
		}
		if l.Quantity.Abs().GreaterThanOrEqual(lineInputLimit) || l.UnitPrice.Abs().GreaterThanOrEqual(lineInputLimit) {
			return fmt.Errorf("%w (line %d)", ErrLineRange, i+1)
		}
	}
	// Inputs are exact at column scale here, so the draft totals are the
	// ones validation will recompute from the stored rows.
	lines := toLines(in.Lines)
	totals := CalculateTotals(lines)
	for _, l := range lines {
		if l.LineTotal.Abs().GreaterThanOrEqual(amountLimit) {
			return ErrLineRange
		}
	}
	if totals.Subtotal.Abs().GreaterThanOrEqual(amountLimit) || totals.Total.Abs().GreaterThanOrEqual(amountLimit) {
		return ErrLineRange
	}
	return nil
}

// ValidateDeliverInput checks the delivery payload.
func ValidateDeliverInput(in DeliverInput) error {
	if strings.TrimSpace(in.To) == "" {
		return ErrRecipientRequired
	}
	return nil
}

// requestError turns validator output into a validation error naming the
// first offending field.
func requestError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return httpx.Rule(httpx.ErrValidation, "request_invalid",
			fmt.Sprintf("field %s failed %q validation", fe.Namespace(), fe.Tag()))
	}
	return httpx.Rule(httpx.ErrValidation, "request_invalid", err.Error())
}
