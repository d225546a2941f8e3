// Package ledger maintains the per-tenant hash chain of validated invoices.
// Each entry's digest covers the invoice identity, amount, registration time
// and the previous entry's digest, so altering any stored record breaks every
// later link.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	dateLayout      = "02-01-2006"
	timestampLayout = "2006-01-02T15:04:05.000000Z"
)

// Submission statuses for the tax authority channel.
const (
	SubmissionPending = "PENDING"
)

// Record is the invoice data that gets chained.
type Record struct {
	InvoiceID     int64
	InvoiceNumber string
	InvoiceDate   time.Time
	InvoiceTotal  decimal.Decimal
}

// Entry is one link of the chain as stored.
type Entry struct {
	ID               int64           `json:"id"`
	TenantID         int64           `json:"tenant_id"`
	InvoiceID        int64           `json:"invoice_id"`
	IssuerTaxID      string          `json:"issuer_tax_id"`
	InvoiceNumber    string          `json:"invoice_number"`
	InvoiceDate      time.Time       `json:"invoice_date"`
	InvoiceTotal     decimal.Decimal `json:"invoice_total"`
	CurrentHash      string          `json:"current_hash"`
	PreviousHash     string          `json:"previous_hash"`
	RegisteredAt     time.Time       `json:"registered_at"`
	SubmissionStatus string          `json:"submission_status"`
}

// Recompute derives the digest from the entry's own fields.
func (e Entry) Recompute() string {
	return Digest(Canonical(e.IssuerTaxID, e.InvoiceNumber, e.InvoiceDate, e.InvoiceTotal, e.PreviousHash, e.RegisteredAt))
}

// Canonical renders the fixed-order representation that gets hashed.
func Canonical(issuerTaxID, number string, date time.Time, total decimal.Decimal, previousHash string, registeredAt time.Time) string {
	var b strings.Builder
	b.WriteString("IDEmisorFactura=")
	b.WriteString(strings.TrimSpace(issuerTaxID))
	b.WriteString("&NumSerieFactura=")
	b.WriteString(strings.TrimSpace(number))
	b.WriteString("&FechaExpedicionFactura=")
	b.WriteString(date.Format(dateLayout))
	b.WriteString("&ImporteTotal=")
	b.WriteString(total.StringFixed(2))
	b.WriteString("&Huella=")
	b.WriteString(previousHash)
	b.WriteString("&FechaHoraHusoGenRegistro=")
	b.WriteString(registeredAt.UTC().Format(timestampLayout))
	return b.String()
}

// Digest is the uppercase hex SHA-256 of the canonical form.
func Digest(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// RegistrationTime normalises t to the precision PostgreSQL stores.
func RegistrationTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
