package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/numbering"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
)

// Repository defines the interface for invoice persistence.
type Repository interface {
	// Read operations
	Get(ctx context.Context, tenantID, id int64) (*Invoice, error)
	List(ctx context.Context, filter ListFilter) ([]Invoice, error)
	ClientExists(ctx context.Context, tenantID, clientID int64) (bool, error)
	Parties(ctx context.Context, tenantID, clientID int64) (Parties, error)
	NumberingConfig(ctx context.Context, tenantID int64) (numbering.Config, error)
	LedgerSnapshot(ctx context.Context, tenantID int64) (ledger.Head, []ledger.Entry, error)
	LedgerTenants(ctx context.Context) ([]int64, error)

	// Single-statement writes
	HaltLedger(ctx context.Context, tenantID int64, reason string, at time.Time) error
	ResumeLedger(ctx context.Context, tenantID int64) error
	SetArchivePath(ctx context.Context, tenantID, id int64, path string) error
	InsertDeliveryLog(ctx context.Context, log DeliveryLog) (int64, error)
	GetDeliveryLog(ctx context.Context, tenantID, id int64) (*DeliveryLog, error)
	UpdateDeliveryLog(ctx context.Context, id int64, status DeliveryStatus, messageID, errMsg string, sentAt *time.Time) error

	// Write operations (transactional)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// repository implements Repository using pgxpool.
type repository struct {
	pool   *pgxpool.Pool
	txOpts db.TxOptions
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool, txOpts db.TxOptions) Repository {
	return &repository{pool: pool, txOpts: txOpts}
}

// WithTx wraps callback in a bounded repeatable-read transaction.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, r.txOpts, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const invoiceColumns = `
	id, tenant_id, client_id, issue_date, status, number, partition_key, correlative,
	subtotal, vat_total, total, COALESCE(vat_note, ''), COALESCE(payment_method, ''),
	archive_path, ledger_hash, hash_generated_at, rectifies_id, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.ClientID, &inv.IssueDate, &inv.Status, &inv.Number,
		&inv.Partition, &inv.Correlative, &inv.Subtotal, &inv.VATTotal, &inv.Total,
		&inv.VATNote, &inv.PaymentMethod, &inv.ArchivePath, &inv.LedgerHash,
		&inv.HashGeneratedAt, &inv.RectifiesID, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadLines(ctx context.Context, q querier, invoiceID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `
		SELECT id, invoice_id, description, quantity, unit_price, vat_percent, concept_id, line_total, line_order
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY line_order, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Description, &l.Quantity, &l.UnitPrice,
			&l.VATPercent, &l.ConceptID, &l.LineTotal, &l.LineOrder); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Get retrieves an invoice by ID with lines.
func (r *repository) Get(ctx context.Context, tenantID, id int64) (*Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, err
	}
	lines, err := loadLines(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines
	return inv, nil
}

// List returns invoice headers matching the filter, newest first.
func (r *repository) List(ctx context.Context, filter ListFilter) ([]Invoice, error) {
	where := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argPos := 2
	if filter.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argPos))
		args = append(args, string(*filter.Status))
		argPos++
	}
	if filter.From != nil {
		where = append(where, fmt.Sprintf("issue_date >= $%d", argPos))
		args = append(args, *filter.From)
		argPos++
	}
	if filter.To != nil {
		where = append(where, fmt.Sprintf("issue_date <= $%d", argPos))
		args = append(args, *filter.To)
		argPos++
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE %s ORDER BY issue_date DESC, id DESC LIMIT $%d OFFSET $%d`,
		invoiceColumns, strings.Join(where, " AND "), argPos, argPos+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// ClientExists checks the client belongs to the tenant.
func (r *repository) ClientExists(ctx context.Context, tenantID, clientID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM clients WHERE tenant_id = $1 AND id = $2)`, tenantID, clientID).Scan(&exists)
	return exists, err
}

// Parties loads issuer and client identity.
func (r *repository) Parties(ctx context.Context, tenantID, clientID int64) (Parties, error) {
	var p Parties
	err := r.pool.QueryRow(ctx, `
		SELECT t.name, t.tax_id, COALESCE(t.address, ''),
		       c.name, COALESCE(c.tax_id, ''), COALESCE(c.address, ''), COALESCE(c.email, '')
		FROM tenants t
		JOIN clients c ON c.tenant_id = t.id
		WHERE t.id = $1 AND c.id = $2`, tenantID, clientID).Scan(
		&p.IssuerName, &p.IssuerTaxID, &p.IssuerAddress,
		&p.ClientName, &p.ClientTaxID, &p.ClientAddress, &p.ClientEmail,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Parties{}, ErrClientInvalid
	}
	return p, err
}

// NumberingConfig returns the tenant configuration or the default.
func (r *repository) NumberingConfig(ctx context.Context, tenantID int64) (numbering.Config, error) {
	cfg := numbering.Config{TenantID: tenantID}
	err := r.pool.QueryRow(ctx, `
		SELECT scheme, COALESCE(format, ''), locked, updated_at
		FROM numbering_configs WHERE tenant_id = $1`, tenantID).Scan(&cfg.Scheme, &cfg.Format, &cfg.Locked, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return numbering.DefaultConfig(tenantID), nil
	}
	return cfg, err
}

const ledgerColumns = `
	id, tenant_id, invoice_id, issuer_tax_id, invoice_number, invoice_date, invoice_total,
	current_hash, previous_hash, registered_at, submission_status`

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var e ledger.Entry
	err := row.Scan(&e.ID, &e.TenantID, &e.InvoiceID, &e.IssuerTaxID, &e.InvoiceNumber, &e.InvoiceDate,
		&e.InvoiceTotal, &e.CurrentHash, &e.PreviousHash, &e.RegisteredAt, &e.SubmissionStatus)
	e.RegisteredAt = e.RegisteredAt.UTC()
	return e, err
}

// LedgerSnapshot reads the head and the whole chain from one read-only
// snapshot so a concurrent append cannot be seen half-applied.
func (r *repository) LedgerSnapshot(ctx context.Context, tenantID int64) (ledger.Head, []ledger.Entry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return ledger.Head{}, nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	head := ledger.Head{TenantID: tenantID}
	err = tx.QueryRow(ctx, `
		SELECT t.tax_id, COALESCE(h.last_entry_id, 0), COALESCE(h.last_hash, ''), h.halted_at, COALESCE(h.halt_reason, '')
		FROM tenants t
		LEFT JOIN ledger_heads h ON h.tenant_id = t.id
		WHERE t.id = $1`, tenantID).Scan(&head.IssuerTaxID, &head.LastEntryID, &head.LastHash, &head.HaltedAt, &head.HaltReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Head{}, nil, ErrNotFound
	}
	if err != nil {
		return ledger.Head{}, nil, err
	}

	rows, err := tx.Query(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return ledger.Head{}, nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return ledger.Head{}, nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return ledger.Head{}, nil, err
	}
	return head, entries, nil
}

// LedgerTenants lists tenants with an active (not halted) chain.
func (r *repository) LedgerTenants(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id FROM ledger_heads WHERE halted_at IS NULL ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HaltLedger blocks further appends for the tenant. An existing halt keeps
// its original reason.
func (r *repository) HaltLedger(ctx context.Context, tenantID int64, reason string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ledger_heads (tenant_id, halted_at, halt_reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE
		SET halted_at = COALESCE(ledger_heads.halted_at, EXCLUDED.halted_at),
		    halt_reason = COALESCE(ledger_heads.halt_reason, EXCLUDED.halt_reason)`, tenantID, at, reason)
	return err
}

// ResumeLedger clears a halt.
func (r *repository) ResumeLedger(ctx context.Context, tenantID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE ledger_heads SET halted_at = NULL, halt_reason = NULL WHERE tenant_id = $1`, tenantID)
	return err
}

// SetArchivePath records where the PDF was archived.
func (r *repository) SetArchivePath(ctx context.Context, tenantID, id int64, path string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE invoices SET archive_path = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, path)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertDeliveryLog records a queued delivery.
func (r *repository) InsertDeliveryLog(ctx context.Context, log DeliveryLog) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO delivery_logs (tenant_id, invoice_id, recipient, subject, body, attach_pdf, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		log.TenantID, log.InvoiceID, log.Recipient, log.Subject, log.Body, log.AttachPDF, log.Status, log.CreatedBy, log.CreatedAt,
	).Scan(&id)
	return id, err
}

// GetDeliveryLog loads one delivery log row.
func (r *repository) GetDeliveryLog(ctx context.Context, tenantID, id int64) (*DeliveryLog, error) {
	var l DeliveryLog
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, invoice_id, recipient, subject, body, attach_pdf, status,
		       COALESCE(message_id, ''), COALESCE(error, ''), created_by, created_at, sent_at
		FROM delivery_logs WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(
		&l.ID, &l.TenantID, &l.InvoiceID, &l.Recipient, &l.Subject, &l.Body, &l.AttachPDF, &l.Status,
		&l.MessageID, &l.Error, &l.CreatedBy, &l.CreatedAt, &l.SentAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdateDeliveryLog records the outcome of a delivery attempt.
func (r *repository) UpdateDeliveryLog(ctx context.Context, id int64, status DeliveryStatus, messageID, errMsg string, sentAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE delivery_logs
		SET status = $2, message_id = NULLIF($3, ''), error = NULLIF($4, ''), sent_at = $5
		WHERE id = $1`, id, status, messageID, errMsg, sentAt)
	return err
}
