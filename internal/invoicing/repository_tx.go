package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/numbering"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
)

// TxRepository exposes transactional write operations. Locks taken through it
// are held until the surrounding transaction ends.
type TxRepository interface {
	ledger.Store
	numbering.Counter

	LockInvoice(ctx context.Context, tenantID, id int64) (*Invoice, error)
	InsertInvoice(ctx context.Context, inv Invoice) (int64, error)
	UpdateDraft(ctx context.Context, inv Invoice) error
	DeleteInvoice(ctx context.Context, tenantID, id int64) error
	DeleteLines(ctx context.Context, invoiceID int64) error
	InsertLine(ctx context.Context, line Line) (int64, error)
	UpdateLineTotal(ctx context.Context, lineID int64, total decimal.Decimal) error
	MarkValidated(ctx context.Context, inv Invoice) error
	MarkVoid(ctx context.Context, tenantID, id int64) error
	SetLedgerHash(ctx context.Context, id int64, hash string, at time.Time) error
	LatestValidatedDate(ctx context.Context, tenantID int64) (*time.Time, error)
	NumberExists(ctx context.Context, tenantID int64, number string) (bool, error)
	LockNumberingConfig(ctx context.Context, tenantID int64) (numbering.Config, error)
	SaveNumberingConfig(ctx context.Context, cfg numbering.Config) error
}

// txRepository implements TxRepository.
type txRepository struct {
	tx pgx.Tx
}

// LockInvoice loads the invoice under SELECT ... FOR UPDATE.
func (t *txRepository) LockInvoice(ctx context.Context, tenantID, id int64) (*Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return nil, err
	}
	lines, err := loadLines(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines
	return inv, nil
}

func (t *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO invoices (tenant_id, client_id, issue_date, status, number, partition_key, correlative,
			subtotal, vat_total, total, vat_note, payment_method, rectifies_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''), $13, $14, $15, $15)
		RETURNING id`,
		inv.TenantID, inv.ClientID, inv.IssueDate, inv.Status, inv.Number, inv.Partition, inv.Correlative,
		inv.Subtotal, inv.VATTotal, inv.Total, inv.VATNote, inv.PaymentMethod, inv.RectifiesID, inv.CreatedBy, inv.CreatedAt,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %v", ErrAlreadyRectified, err)
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepository) UpdateDraft(ctx context.Context, inv Invoice) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE invoices
		SET client_id = $3, issue_date = $4, subtotal = $5, vat_total = $6, total = $7,
		    vat_note = NULLIF($8, ''), payment_method = NULLIF($9, ''), updated_at = $10
		WHERE tenant_id = $1 AND id = $2 AND status = 'DRAFT'`,
		inv.TenantID, inv.ID, inv.ClientID, inv.IssueDate, inv.Subtotal, inv.VATTotal, inv.Total,
		inv.VATNote, inv.PaymentMethod, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotDraft
	}
	return nil
}

func (t *txRepository) DeleteInvoice(ctx context.Context, tenantID, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM invoice_lines WHERE invoice_id = $1`, id); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM invoices WHERE tenant_id = $1 AND id = $2 AND status = 'DRAFT'`, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) DeleteLines(ctx context.Context, invoiceID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM invoice_lines WHERE invoice_id = $1`, invoiceID)
	return err
}

func (t *txRepository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO invoice_lines (invoice_id, description, quantity, unit_price, vat_percent, concept_id, line_total, line_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		line.InvoiceID, line.Description, line.Quantity, line.UnitPrice, line.VATPercent, line.ConceptID, line.LineTotal, line.LineOrder,
	).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateLineTotal(ctx context.Context, lineID int64, total decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoice_lines SET line_total = $2 WHERE id = $1`, lineID, total)
	return err
}

// MarkValidated moves a draft to VALIDATED with its number and final totals.
func (t *txRepository) MarkValidated(ctx context.Context, inv Invoice) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE invoices
		SET status = 'VALIDATED', number = $3, partition_key = $4, correlative = $5, issue_date = $6,
		    subtotal = $7, vat_total = $8, total = $9, vat_note = NULLIF($10, ''), updated_at = $11
		WHERE tenant_id = $1 AND id = $2 AND status = 'DRAFT'`,
		inv.TenantID, inv.ID, inv.Number, inv.Partition, inv.Correlative, inv.IssueDate,
		inv.Subtotal, inv.VATTotal, inv.Total, inv.VATNote, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyValidated
	}
	return nil
}

func (t *txRepository) MarkVoid(ctx context.Context, tenantID, id int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE invoices SET status = 'VOID', updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'VALIDATED'`, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotValidated
	}
	return nil
}

func (t *txRepository) SetLedgerHash(ctx context.Context, id int64, hash string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET ledger_hash = $2, hash_generated_at = $3 WHERE id = $1`, id, hash, at)
	return err
}

// LatestValidatedDate returns the latest issue date among non-draft invoices.
func (t *txRepository) LatestValidatedDate(ctx context.Context, tenantID int64) (*time.Time, error) {
	var latest *time.Time
	err := t.tx.QueryRow(ctx,
		`SELECT MAX(issue_date) FROM invoices WHERE tenant_id = $1 AND status <> 'DRAFT'`, tenantID).Scan(&latest)
	return latest, err
}

func (t *txRepository) NumberExists(ctx context.Context, tenantID int64, number string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM invoices WHERE tenant_id = $1 AND number = $2)`, tenantID, number).Scan(&exists)
	return exists, err
}

// LockNumberingConfig locks the configuration row, creating the default on first use.
func (t *txRepository) LockNumberingConfig(ctx context.Context, tenantID int64) (numbering.Config, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO numbering_configs (tenant_id, scheme, locked, updated_at)
		VALUES ($1, $2, FALSE, NOW())
		ON CONFLICT (tenant_id) DO NOTHING`, tenantID, numbering.SchemeContinuous); err != nil {
		return numbering.Config{}, err
	}
	cfg := numbering.Config{TenantID: tenantID}
	err := t.tx.QueryRow(ctx, `
		SELECT scheme, COALESCE(format, ''), locked, updated_at
		FROM numbering_configs WHERE tenant_id = $1 FOR UPDATE`, tenantID).Scan(&cfg.Scheme, &cfg.Format, &cfg.Locked, &cfg.UpdatedAt)
	return cfg, err
}

func (t *txRepository) SaveNumberingConfig(ctx context.Context, cfg numbering.Config) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE numbering_configs
		SET scheme = $2, format = NULLIF($3, ''), locked = $4, updated_at = $5
		WHERE tenant_id = $1`, cfg.TenantID, cfg.Scheme, cfg.Format, cfg.Locked, cfg.UpdatedAt)
	return err
}

// NextCorrelative increments the partition counter. The upsert holds the
// counter row lock until commit; a missing row is seeded from the invoices
// already numbered in the partition.
func (t *txRepository) NextCorrelative(ctx context.Context, tenantID int64, scheme numbering.Scheme, partition string) (int64, error) {
	var next int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO numbering_counters (tenant_id, scheme, partition_key, last_correlative, updated_at)
		SELECT $1, $2, $3, COALESCE(MAX(correlative), 0) + 1, NOW()
		FROM invoices
		WHERE tenant_id = $1 AND partition_key = $3 AND correlative IS NOT NULL AND status <> 'DRAFT'
		ON CONFLICT (tenant_id, scheme, partition_key)
		DO UPDATE SET last_correlative = numbering_counters.last_correlative + 1, updated_at = NOW()
		RETURNING last_correlative`, tenantID, scheme, partition).Scan(&next)
	return next, err
}

// LockHead locks the tenant's chain head, creating it on first use.
func (t *txRepository) LockHead(ctx context.Context, tenantID int64) (ledger.Head, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_heads (tenant_id, last_entry_id, last_hash)
		VALUES ($1, 0, '')
		ON CONFLICT (tenant_id) DO NOTHING`, tenantID); err != nil {
		return ledger.Head{}, err
	}
	head := ledger.Head{TenantID: tenantID}
	err := t.tx.QueryRow(ctx, `
		SELECT t.tax_id, h.last_entry_id, h.last_hash, h.halted_at, COALESCE(h.halt_reason, '')
		FROM ledger_heads h
		JOIN tenants t ON t.id = h.tenant_id
		WHERE h.tenant_id = $1
		FOR UPDATE OF h`, tenantID).Scan(&head.IssuerTaxID, &head.LastEntryID, &head.LastHash, &head.HaltedAt, &head.HaltReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Head{}, fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
	}
	return head, err
}

func (t *txRepository) LatestEntry(ctx context.Context, tenantID int64) (*ledger.Entry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE tenant_id = $1 ORDER BY id DESC LIMIT 1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *txRepository) InsertEntry(ctx context.Context, e ledger.Entry) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (tenant_id, invoice_id, issuer_tax_id, invoice_number, invoice_date, invoice_total,
			current_hash, previous_hash, registered_at, submission_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		e.TenantID, e.InvoiceID, e.IssuerTaxID, e.InvoiceNumber, e.InvoiceDate, e.InvoiceTotal,
		e.CurrentHash, e.PreviousHash, e.RegisteredAt, e.SubmissionStatus,
	).Scan(&id)
	return id, err
}

func (t *txRepository) AdvanceHead(ctx context.Context, tenantID, entryID int64, hash string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE ledger_heads SET last_entry_id = $2, last_hash = $3, updated_at = NOW()
		WHERE tenant_id = $1`, tenantID, entryID, hash)
	return err
}
