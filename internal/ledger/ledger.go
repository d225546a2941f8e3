package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

// Integrity errors. Either one stops further appends for the tenant.
var (
	ErrHalted      = httpx.Rule(httpx.ErrIntegrity, "ledger_halted", "ledger is halted pending manual reconciliation")
	ErrChainBroken = httpx.Rule(httpx.ErrIntegrity, "ledger_chain_broken", "ledger chain does not verify")
	ErrNoIssuer    = httpx.Rule(httpx.ErrState, "issuer_tax_id_missing", "tenant has no issuer tax id configured")
)

// Head is the per-tenant chain tip. Locking it serializes appends.
type Head struct {
	TenantID    int64      `json:"tenant_id"`
	IssuerTaxID string     `json:"issuer_tax_id"`
	LastEntryID int64      `json:"last_entry_id"`
	LastHash    string     `json:"last_hash"`
	HaltedAt    *time.Time `json:"halted_at,omitempty"`
	HaltReason  string     `json:"halt_reason,omitempty"`
}

// Halted reports whether appends are blocked.
func (h Head) Halted() bool {
	return h.HaltedAt != nil
}

// Store is the transactional persistence the chain needs.
type Store interface {
	// LockHead returns the tenant head under SELECT ... FOR UPDATE, creating it on first use.
	LockHead(ctx context.Context, tenantID int64) (Head, error)
	// LatestEntry returns the most recent entry or nil for an empty chain.
	LatestEntry(ctx context.Context, tenantID int64) (*Entry, error)
	InsertEntry(ctx context.Context, entry Entry) (int64, error)
	AdvanceHead(ctx context.Context, tenantID, entryID int64, hash string) error
}

// Lock takes the tenant's chain lock and fails when the ledger is halted.
func Lock(ctx context.Context, store Store, tenantID int64) (Head, error) {
	head, err := store.LockHead(ctx, tenantID)
	if err != nil {
		return Head{}, fmt.Errorf("ledger: lock head: %w", err)
	}
	if head.Halted() {
		return head, fmt.Errorf("%w: %s", ErrHalted, head.HaltReason)
	}
	return head, nil
}

// Append chains rec after the tenant's latest entry. head must have been
// obtained from Lock within the same transaction.
func Append(ctx context.Context, store Store, head Head, rec Record, at time.Time) (Entry, error) {
	if head.Halted() {
		return Entry{}, ErrHalted
	}
	if strings.TrimSpace(head.IssuerTaxID) == "" {
		return Entry{}, ErrNoIssuer
	}
	latest, err := store.LatestEntry(ctx, head.TenantID)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: latest entry: %w", err)
	}
	if err := checkTip(head, latest); err != nil {
		return Entry{}, err
	}

	entry := Entry{
		TenantID:         head.TenantID,
		InvoiceID:        rec.InvoiceID,
		IssuerTaxID:      strings.TrimSpace(head.IssuerTaxID),
		InvoiceNumber:    rec.InvoiceNumber,
		InvoiceDate:      rec.InvoiceDate,
		InvoiceTotal:     rec.InvoiceTotal,
		RegisteredAt:     RegistrationTime(at),
		SubmissionStatus: SubmissionPending,
	}
	if latest != nil {
		entry.PreviousHash = latest.CurrentHash
	}
	entry.CurrentHash = entry.Recompute()

	id, err := store.InsertEntry(ctx, entry)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: insert entry: %w", err)
	}
	entry.ID = id
	if err := store.AdvanceHead(ctx, head.TenantID, id, entry.CurrentHash); err != nil {
		return Entry{}, fmt.Errorf("ledger: advance head: %w", err)
	}
	return entry, nil
}

func checkTip(head Head, latest *Entry) error {
	if latest == nil {
		if head.LastEntryID != 0 || head.LastHash != "" {
			return fmt.Errorf("%w: head references entry %d but the ledger is empty", ErrChainBroken, head.LastEntryID)
		}
		return nil
	}
	if latest.ID != head.LastEntryID || latest.CurrentHash != head.LastHash {
		return fmt.Errorf("%w: latest entry %d does not match head entry %d", ErrChainBroken, latest.ID, head.LastEntryID)
	}
	if latest.Recompute() != latest.CurrentHash {
		return fmt.Errorf("%w: entry %d hash does not recompute", ErrChainBroken, latest.ID)
	}
	return nil
}
