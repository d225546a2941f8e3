package invoicing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

const rectificationPrefix = "Rectificación de %s: %s"

// Void cancels a validated invoice by issuing its rectification: a new
// validated invoice numbered original+"R" that negates every amount and is
// chained into the ledger. The original is kept and marked VOID.
func (s *Service) Void(ctx context.Context, actor shared.Principal, id int64) (string, error) {
	var before, voided, rect Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		orig, err := tx.LockInvoice(ctx, actor.TenantID, id)
		if err != nil {
			return err
		}
		if !orig.Status.CanVoid() {
			return ErrNotValidated
		}
		if orig.RectifiesID != nil {
			return ErrRectificationFinal
		}
		before = *orig

		number := orig.NumberOrEmpty() + RectificationSuffix
		exists, err := tx.NumberExists(ctx, actor.TenantID, number)
		if err != nil {
			return fmt.Errorf("check rectification: %w", err)
		}
		if exists {
			return ErrAlreadyRectified
		}

		head, err := ledger.Lock(ctx, tx, actor.TenantID)
		if err != nil {
			return err
		}
		if err := tx.MarkVoid(ctx, actor.TenantID, id); err != nil {
			return err
		}

		now := s.now()
		today := civilDate(now.UTC())
		totals := Totals{Subtotal: orig.Subtotal, VATTotal: orig.VATTotal, Total: orig.Total}.Negate()
		rect = Invoice{
			TenantID:      actor.TenantID,
			ClientID:      orig.ClientID,
			IssueDate:     today,
			Status:        StatusValidated,
			Number:        &number,
			Subtotal:      totals.Subtotal,
			VATTotal:      totals.VATTotal,
			Total:         totals.Total,
			VATNote:       orig.VATNote,
			PaymentMethod: orig.PaymentMethod,
			RectifiesID:   &orig.ID,
			CreatedBy:     actor.ActorID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		rectID, err := tx.InsertInvoice(ctx, rect)
		if err != nil {
			return fmt.Errorf("insert rectification: %w", err)
		}
		rect.ID = rectID

		lines := negateLines(orig.NumberOrEmpty(), orig.Lines)
		if err := insertLines(ctx, tx, rectID, lines); err != nil {
			return err
		}
		rect.Lines = lines

		entry, err := ledger.Append(ctx, tx, head, ledger.Record{
			InvoiceID:     rectID,
			InvoiceNumber: number,
			InvoiceDate:   today,
			InvoiceTotal:  totals.Total,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.SetLedgerHash(ctx, rectID, entry.CurrentHash, entry.RegisteredAt); err != nil {
			return fmt.Errorf("store ledger hash: %w", err)
		}
		rect.LedgerHash = &entry.CurrentHash
		rect.HashGeneratedAt = &entry.RegisteredAt

		voided = *orig
		voided.Status = StatusVoid
		voided.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.handleIntegrity(ctx, actor.TenantID, err)
		return "", err
	}

	number := rect.NumberOrEmpty()
	s.record(ctx, actor, "invoice.voided", entityInvoice, id, before, voided, "rectified by "+number)
	s.record(ctx, actor, "invoice.rectification_created", entityInvoice, rect.ID, nil, rect, "rectifies "+before.NumberOrEmpty())
	s.observe("voided")
	s.logger.Info("invoice voided",
		slog.Int64("tenant_id", actor.TenantID),
		slog.Int64("invoice_id", id),
		slog.Int64("rectification_id", rect.ID),
		slog.String("number", number),
	)
	s.archiveAfterCommit(ctx, actor.TenantID, rect.ID)
	return number, nil
}

// negateLines clones lines with negated quantities so every line total flips
// sign while unit price and VAT rate stay as issued.
func negateLines(number string, lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	for i, l := range lines {
		out = append(out, Line{
			Description: fmt.Sprintf(rectificationPrefix, number, l.Description),
			Quantity:    l.Quantity.Neg(),
			UnitPrice:   l.UnitPrice,
			VATPercent:  l.VATPercent,
			ConceptID:   l.ConceptID,
			LineTotal:   l.LineTotal.Neg(),
			LineOrder:   i + 1,
		})
	}
	return out
}
