package invoicing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/numbering"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// Validate numbers a draft, freezes its totals and chains it into the tenant
// ledger, all in one transaction. Locks are taken in a fixed order: invoice
// row, ledger head, numbering config, partition counter.
func (s *Service) Validate(ctx context.Context, actor shared.Principal, id int64, in ValidateInput) (string, error) {
	if in.Date.IsZero() {
		return "", ErrDateRequired
	}
	date := civilDate(in.Date)

	var before, after Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, actor.TenantID, id)
		if err != nil {
			return err
		}
		if !inv.Status.CanValidate() {
			return ErrAlreadyValidated
		}
		before = *inv

		// The head lock serializes chronology and chain per tenant.
		head, err := ledger.Lock(ctx, tx, actor.TenantID)
		if err != nil {
			return err
		}
		latest, err := tx.LatestValidatedDate(ctx, actor.TenantID)
		if err != nil {
			return fmt.Errorf("latest validated date: %w", err)
		}
		if latest != nil && date.Before(civilDate(*latest)) {
			return fmt.Errorf("%w: %s is before %s", ErrChronology, date.Format(dateLayout), latest.Format(dateLayout))
		}

		cfg, err := tx.LockNumberingConfig(ctx, actor.TenantID)
		if err != nil {
			return fmt.Errorf("lock numbering config: %w", err)
		}

		totals := CalculateTotals(inv.Lines)
		for _, l := range inv.Lines {
			if err := tx.UpdateLineTotal(ctx, l.ID, l.LineTotal); err != nil {
				return fmt.Errorf("update line total: %w", err)
			}
		}

		assigned, err := numbering.Next(ctx, tx, cfg, date)
		if err != nil {
			return err
		}
		taken, err := tx.NumberExists(ctx, actor.TenantID, assigned.Number)
		if err != nil {
			return fmt.Errorf("check number: %w", err)
		}
		if taken {
			return fmt.Errorf("%w: %s", ErrNumberTaken, assigned.Number)
		}

		now := s.now()
		inv.Status = StatusValidated
		inv.Number = &assigned.Number
		inv.Partition = &assigned.Partition
		inv.Correlative = &assigned.Correlative
		inv.IssueDate = date
		inv.Subtotal = totals.Subtotal
		inv.VATTotal = totals.VATTotal
		inv.Total = totals.Total
		if in.VATNote != nil {
			inv.VATNote = *in.VATNote
		}
		inv.UpdatedAt = now
		if err := tx.MarkValidated(ctx, *inv); err != nil {
			return err
		}

		entry, err := ledger.Append(ctx, tx, head, ledger.Record{
			InvoiceID:     inv.ID,
			InvoiceNumber: assigned.Number,
			InvoiceDate:   date,
			InvoiceTotal:  totals.Total,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.SetLedgerHash(ctx, inv.ID, entry.CurrentHash, entry.RegisteredAt); err != nil {
			return fmt.Errorf("store ledger hash: %w", err)
		}
		inv.LedgerHash = &entry.CurrentHash
		inv.HashGeneratedAt = &entry.RegisteredAt

		if !cfg.Locked {
			cfg.Locked = true
			cfg.UpdatedAt = now
			if err := tx.SaveNumberingConfig(ctx, cfg); err != nil {
				return fmt.Errorf("lock numbering scheme: %w", err)
			}
		}
		after = *inv
		return nil
	})
	if err != nil {
		s.handleIntegrity(ctx, actor.TenantID, err)
		return "", err
	}

	number := after.NumberOrEmpty()
	s.record(ctx, actor, "invoice.validated", entityInvoice, id, before, after, "")
	s.observe("validated")
	s.logger.Info("invoice validated",
		slog.Int64("tenant_id", actor.TenantID),
		slog.Int64("invoice_id", id),
		slog.String("number", number),
	)
	s.archiveAfterCommit(ctx, actor.TenantID, id)
	return number, nil
}

// archiveAfterCommit files the legal copy. Failures never undo the committed
// state; the document is queued for a retry instead.
func (s *Service) archiveAfterCommit(ctx context.Context, tenantID, id int64) {
	if s.renderer == nil || s.store == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.archiveTimeout)
	defer cancel()

	path, err := s.Archive(actx, tenantID, id, defaultArchiveMode)
	if err == nil {
		s.logger.Debug("invoice archived", slog.Int64("invoice_id", id), slog.String("path", path))
		return
	}
	s.logger.Warn("archive after commit failed",
		slog.Int64("tenant_id", tenantID),
		slog.Int64("invoice_id", id),
		slog.Any("error", err),
	)
	s.observe("archive_failed")
	if s.queue == nil {
		return
	}
	if qerr := s.queue.EnqueueArchive(actx, tenantID, id); qerr != nil {
		s.logger.Error("enqueue archive retry",
			slog.Int64("tenant_id", tenantID),
			slog.Int64("invoice_id", id),
			slog.Any("error", qerr),
		)
	}
}
