package invoicing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// LedgerView is the head plus the full chain of a tenant.
type LedgerView struct {
	Head    ledger.Head    `json:"head"`
	Entries []ledger.Entry `json:"entries"`
}

// Ledger returns the tenant's chain in registration order.
func (s *Service) Ledger(ctx context.Context, tenantID int64) (LedgerView, error) {
	head, entries, err := s.repo.LedgerSnapshot(ctx, tenantID)
	if err != nil {
		return LedgerView{}, err
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return LedgerView{Head: head, Entries: entries}, nil
}

// VerifyLedger recomputes every entry and checks every link and the head.
// It never modifies anything.
func (s *Service) VerifyLedger(ctx context.Context, tenantID int64) (ledger.Report, error) {
	_, report, err := s.verify(ctx, tenantID)
	return report, err
}

// ReconcileLedger lifts a halt once the chain verifies again.
func (s *Service) ReconcileLedger(ctx context.Context, actor shared.Principal, reason string) (ledger.Report, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ledger.Report{}, ErrReasonRequired
	}
	head, report, err := s.verify(ctx, actor.TenantID)
	if err != nil {
		return ledger.Report{}, err
	}
	if !report.Valid {
		return report, report.Err()
	}
	if err := s.repo.ResumeLedger(ctx, actor.TenantID); err != nil {
		return ledger.Report{}, fmt.Errorf("resume ledger: %w", err)
	}
	s.record(ctx, actor, "ledger.reconciled", entityLedger, actor.TenantID, head, report, reason)
	s.logger.Info("ledger reconciled",
		slog.Int64("tenant_id", actor.TenantID),
		slog.Int("entries", report.Entries),
		slog.Bool("was_halted", head.Halted()),
	)
	return report, nil
}

// ScanLedgers verifies every active chain and halts the broken ones. It
// returns one report per scanned tenant.
func (s *Service) ScanLedgers(ctx context.Context) ([]ledger.Report, error) {
	tenants, err := s.repo.LedgerTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger tenants: %w", err)
	}
	reports := make([]ledger.Report, 0, len(tenants))
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		_, report, err := s.verify(ctx, tenantID)
		if err != nil {
			return reports, fmt.Errorf("verify tenant %d: %w", tenantID, err)
		}
		reports = append(reports, report)
		if !report.Valid {
			s.handleIntegrity(ctx, tenantID, report.Err())
		}
	}
	return reports, nil
}

func (s *Service) verify(ctx context.Context, tenantID int64) (ledger.Head, ledger.Report, error) {
	head, entries, err := s.repo.LedgerSnapshot(ctx, tenantID)
	if err != nil {
		return ledger.Head{}, ledger.Report{}, err
	}
	var lastID int64
	if n := len(entries); n > 0 {
		lastID = entries[n-1].ID
	}
	report := ledger.VerifyHead(ledger.Verify(tenantID, entries), head, lastID)
	return head, report, nil
}
