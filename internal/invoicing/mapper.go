package invoicing

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

// ToInput converts the request into the service payload.
func (r DraftRequest) ToInput() (DraftInput, error) {
	date, err := parseDate(r.Date)
	if err != nil {
		return DraftInput{}, err
	}
	in := DraftInput{
		ClientID:      r.ClientID,
		Date:          date,
		VATNote:       strings.TrimSpace(r.VATNote),
		PaymentMethod: strings.TrimSpace(r.PaymentMethod),
		Lines:         make([]LineInput, 0, len(r.Lines)),
	}
	for _, l := range r.Lines {
		in.Lines = append(in.Lines, LineInput{
			Description: strings.TrimSpace(l.Description),
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			VATPercent:  l.VATPercent,
			ConceptID:   l.ConceptID,
		})
	}
	return in, nil
}

// ToInput converts the request into the service payload.
func (r ValidateRequest) ToInput() (ValidateInput, error) {
	date, err := parseDate(r.Date)
	if err != nil {
		return ValidateInput{}, err
	}
	in := ValidateInput{Date: date}
	if note := strings.TrimSpace(r.VATNote); note != "" {
		in.VATNote = &note
	}
	return in, nil
}

// ToInput converts the request into the service payload.
func (r DeliverRequest) ToInput() DeliverInput {
	return DeliverInput{
		To:        strings.TrimSpace(r.To),
		Subject:   strings.TrimSpace(r.Subject),
		Body:      r.Body,
		AttachPDF: r.AttachPDF,
	}
}

func parseDate(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, ErrDateRequired
	}
	d, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, httpx.Rule(httpx.ErrValidation, "date_invalid", fmt.Sprintf("date %q must use YYYY-MM-DD", raw))
	}
	return d, nil
}

// toLines builds persisted lines from input, in order.
func toLines(in []LineInput) []Line {
	lines := make([]Line, 0, len(in))
	for i, l := range in {
		lines = append(lines, Line{
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			VATPercent:  l.VATPercent,
			ConceptID:   l.ConceptID,
			LineOrder:   i + 1,
		})
	}
	return lines
}

// civilDate strips the clock and zone so dates compare by calendar day.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
