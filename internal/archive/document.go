// Package archive turns invoices into PDF documents and files them on the
// local archive volume.
package archive

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects which legal banner the document carries.
type Mode string

const (
	ModeTest       Mode = "test"
	ModeProduction Mode = "production"
)

// ParseMode accepts "", "test" and "production". Empty means production.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeProduction:
		return ModeProduction, true
	case ModeTest:
		return ModeTest, true
	default:
		return "", false
	}
}

// Party identifies the issuer or the client on the document.
type Party struct {
	Name    string
	TaxID   string
	Address string
}

// Line is one printed line.
type Line struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	VATPercent  decimal.Decimal
	Total       decimal.Decimal
}

// Document is everything the invoice template prints.
type Document struct {
	Mode          Mode
	TenantID      int64
	InvoiceID     int64
	Number        string
	Status        string
	IssueDate     time.Time
	Issuer        Party
	Client        Party
	Lines         []Line
	Subtotal      decimal.Decimal
	VATTotal      decimal.Decimal
	Total         decimal.Decimal
	VATNote       string
	PaymentMethod string
	LedgerHash    string
	Rectifies     string
	UpdatedAt     time.Time
}

// Cacheable reports whether the rendered bytes can be reused. Drafts change
// freely and are always rendered fresh.
func (d Document) Cacheable() bool {
	return d.Status != "" && d.Status != "DRAFT"
}

// Watermark returns the banner text or "" for a clean production copy.
func (d Document) Watermark() string {
	switch {
	case d.Status == "DRAFT":
		return "BORRADOR"
	case d.Mode == ModeTest:
		return "PRUEBA - SIN VALIDEZ FISCAL"
	case d.Status == "VOID":
		return "ANULADA"
	default:
		return ""
	}
}

// Filename is the archive file name for the document.
func (d Document) Filename() string {
	name := d.Number
	if name == "" {
		name = "borrador-" + strconv.FormatInt(d.InvoiceID, 10)
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if d.Mode == ModeTest {
		name += "-test"
	}
	return name + ".pdf"
}

func (d Document) version() string {
	return strconv.FormatInt(d.UpdatedAt.UnixNano(), 36) + "." + d.LedgerHash
}
