package invoicing

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Totals are the invoice-level amounts.
type Totals struct {
	Subtotal decimal.Decimal
	VATTotal decimal.Decimal
	Total    decimal.Decimal
}

// CalculateLineTotals returns the rounded taxable base, VAT amount and total
// of one line.
func CalculateLineTotals(quantity, unitPrice, vatPercent decimal.Decimal) (base, vat, lineTotal decimal.Decimal) {
	gross := quantity.Mul(unitPrice)
	base = roundTo2(gross)
	vat = roundTo2(gross.Mul(vatPercent).Div(hundred))
	lineTotal = base.Add(vat)
	return
}

// CalculateTotals fills every line total and sums the invoice amounts.
func CalculateTotals(lines []Line) Totals {
	var t Totals
	for i := range lines {
		base, vat, total := CalculateLineTotals(lines[i].Quantity, lines[i].UnitPrice, lines[i].VATPercent)
		lines[i].LineTotal = total
		t.Subtotal = t.Subtotal.Add(base)
		t.VATTotal = t.VATTotal.Add(vat)
	}
	t.Total = t.Subtotal.Add(t.VATTotal)
	return t
}

// Negate returns the exact opposite amounts.
func (t Totals) Negate() Totals {
	return Totals{Subtotal: t.Subtotal.Neg(), VATTotal: t.VATTotal.Neg(), Total: t.Total.Neg()}
}

// roundTo2 rounds half away from zero.
func roundTo2(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}
