package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/archive"
	"github.com/odyssey-erp/odyssey-billing/internal/audit"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/mailer"
	"github.com/odyssey-erp/odyssey-billing/internal/numbering"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

const (
	entityInvoice   = "invoice"
	entityNumbering = "numbering_config"
	entityLedger    = "ledger"
	entityDelivery  = "delivery"

	idempotencyModule = "invoicing.create"

	defaultListLimit = 50
	maxListLimit     = 200
)

// AuditRecorder receives every committed mutation. It must not fail the caller.
type AuditRecorder interface {
	Record(ctx context.Context, ev audit.Event)
}

// Observer counts lifecycle events.
type Observer interface {
	ObserveInvoiceEvent(event string)
}

// IdempotencyGuard remembers processed request keys per tenant.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, tenantID int64, key, module string) error
	Delete(ctx context.Context, tenantID int64, key, module string) error
}

// Renderer produces the PDF of an invoice document.
type Renderer interface {
	Render(ctx context.Context, doc archive.Document) ([]byte, error)
}

// DocumentStore files rendered documents.
type DocumentStore interface {
	Save(ctx context.Context, tenantID int64, filename string, data []byte, issued time.Time) (string, error)
}

// Mailer sends one email and returns its message id.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) (string, error)
}

// TaskQueue hands work to the background worker.
type TaskQueue interface {
	EnqueueArchive(ctx context.Context, tenantID, invoiceID int64) error
	EnqueueDelivery(ctx context.Context, tenantID, deliveryID int64) error
}

// Service implements the invoice lifecycle.
type Service struct {
	repo           Repository
	audit          AuditRecorder
	logger         *slog.Logger
	observer       Observer
	idempotency    IdempotencyGuard
	renderer       Renderer
	store          DocumentStore
	mailer         Mailer
	queue          TaskQueue
	archiveTimeout time.Duration
	now            func() time.Time
}

// NewService creates a new invoicing service.
func NewService(repo Repository, recorder AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:           repo,
		audit:          recorder,
		logger:         logger,
		archiveTimeout: 20 * time.Second,
		now:            time.Now,
	}
}

// SetDocuments wires PDF rendering and archival.
func (s *Service) SetDocuments(renderer Renderer, store DocumentStore, archiveTimeout time.Duration) {
	s.renderer = renderer
	s.store = store
	if archiveTimeout > 0 {
		s.archiveTimeout = archiveTimeout
	}
}

// SetMailer wires email delivery.
func (s *Service) SetMailer(m Mailer) {
	s.mailer = m
}

// SetTaskQueue wires the background queue used for retries and deliveries.
func (s *Service) SetTaskQueue(q TaskQueue) {
	s.queue = q
}

// SetObserver wires lifecycle metrics.
func (s *Service) SetObserver(o Observer) {
	s.observer = o
}

// SetIdempotency wires the idempotency key store.
func (s *Service) SetIdempotency(g IdempotencyGuard) {
	s.idempotency = g
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ============================================================================
// DRAFT OPERATIONS
// ============================================================================

// CreateDraft stores a new draft and returns its id. A non-empty
// idempotencyKey makes a replay of the same request fail with a duplicate error.
func (s *Service) CreateDraft(ctx context.Context, actor shared.Principal, in DraftInput, idempotencyKey string) (int64, error) {
	if err := ValidateDraftInput(in); err != nil {
		return 0, err
	}
	if err := s.checkClient(ctx, actor.TenantID, in.ClientID); err != nil {
		return 0, err
	}

	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, actor.TenantID, idempotencyKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return 0, ErrDuplicateRequest
			}
			return 0, fmt.Errorf("idempotency check: %w", err)
		}
	}

	now := s.now()
	lines := toLines(in.Lines)
	totals := CalculateTotals(lines)
	inv := Invoice{
		TenantID:      actor.TenantID,
		ClientID:      in.ClientID,
		IssueDate:     civilDate(in.Date),
		Status:        StatusDraft,
		Subtotal:      totals.Subtotal,
		VATTotal:      totals.VATTotal,
		Total:         totals.Total,
		VATNote:       in.VATNote,
		PaymentMethod: in.PaymentMethod,
		CreatedBy:     actor.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertInvoice(ctx, inv)
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		inv.ID = id
		return insertLines(ctx, tx, id, lines)
	})
	if err != nil {
		if idempotencyKey != "" && s.idempotency != nil {
			if derr := s.idempotency.Delete(ctx, actor.TenantID, idempotencyKey, idempotencyModule); derr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", idempotencyKey), slog.Any("error", derr))
			}
		}
		return 0, err
	}
	inv.Lines = lines

	s.record(ctx, actor, "invoice.created", entityInvoice, inv.ID, nil, inv, "")
	s.observe("created")
	s.logger.Info("invoice draft created", slog.Int64("tenant_id", actor.TenantID), slog.Int64("invoice_id", inv.ID))
	return inv.ID, nil
}

// ReplaceDraft rewrites a draft's header and all of its lines.
func (s *Service) ReplaceDraft(ctx context.Context, actor shared.Principal, id int64, in DraftInput) error {
	if err := ValidateDraftInput(in); err != nil {
		return err
	}
	if err := s.checkClient(ctx, actor.TenantID, in.ClientID); err != nil {
		return err
	}

	var before, after Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, actor.TenantID, id)
		if err != nil {
			return err
		}
		if !inv.Status.CanEdit() {
			return ErrNotDraft
		}
		before = *inv

		lines := toLines(in.Lines)
		totals := CalculateTotals(lines)
		inv.ClientID = in.ClientID
		inv.IssueDate = civilDate(in.Date)
		inv.VATNote = in.VATNote
		inv.PaymentMethod = in.PaymentMethod
		inv.Subtotal = totals.Subtotal
		inv.VATTotal = totals.VATTotal
		inv.Total = totals.Total
		inv.UpdatedAt = s.now()
		if err := tx.UpdateDraft(ctx, *inv); err != nil {
			return fmt.Errorf("update draft: %w", err)
		}
		if err := tx.DeleteLines(ctx, id); err != nil {
			return fmt.Errorf("delete lines: %w", err)
		}
		if err := insertLines(ctx, tx, id, lines); err != nil {
			return err
		}
		inv.Lines = lines
		after = *inv
		return nil
	})
	if err != nil {
		return err
	}

	s.record(ctx, actor, "invoice.updated", entityInvoice, id, before, after, "")
	s.observe("updated")
	return nil
}

// DeleteDraft removes a draft and its lines. Numbered invoices are never deleted.
func (s *Service) DeleteDraft(ctx context.Context, actor shared.Principal, id int64) error {
	var before Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, actor.TenantID, id)
		if err != nil {
			return err
		}
		if !inv.Status.CanEdit() {
			return ErrNotDraft
		}
		before = *inv
		return tx.DeleteInvoice(ctx, actor.TenantID, id)
	})
	if err != nil {
		return err
	}

	s.record(ctx, actor, "invoice.deleted", entityInvoice, id, before, nil, "")
	s.observe("deleted")
	return nil
}

// Get returns one invoice with its lines.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (*Invoice, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// List returns invoices ordered newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Invoice, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, *filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// ============================================================================
// NUMBERING CONFIGURATION
// ============================================================================

// Numbering returns the tenant's numbering configuration.
func (s *Service) Numbering(ctx context.Context, tenantID int64) (numbering.Config, error) {
	return s.repo.NumberingConfig(ctx, tenantID)
}

// UpdateNumbering changes the scheme. Once an invoice has been validated the
// configuration is locked and only an identical update is accepted.
func (s *Service) UpdateNumbering(ctx context.Context, actor shared.Principal, scheme numbering.Scheme, format string) (numbering.Config, error) {
	next := numbering.Config{TenantID: actor.TenantID, Scheme: scheme, Format: strings.TrimSpace(format)}
	if next.Scheme != numbering.SchemeCustomPrefix {
		next.Format = ""
	}
	if err := next.Validate(); err != nil {
		return numbering.Config{}, err
	}

	var before numbering.Config
	changed := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockNumberingConfig(ctx, actor.TenantID)
		if err != nil {
			return err
		}
		before = current
		if current.Scheme == next.Scheme && current.Format == next.Format {
			next = current
			return nil
		}
		if current.Locked {
			return numbering.ErrLocked
		}
		next.UpdatedAt = s.now()
		changed = true
		return tx.SaveNumberingConfig(ctx, next)
	})
	if err != nil {
		return numbering.Config{}, err
	}
	if changed {
		s.record(ctx, actor, "numbering.updated", entityNumbering, actor.TenantID, before, next, "")
	}
	return next, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Service) checkClient(ctx context.Context, tenantID, clientID int64) error {
	ok, err := s.repo.ClientExists(ctx, tenantID, clientID)
	if err != nil {
		return fmt.Errorf("check client: %w", err)
	}
	if !ok {
		return ErrClientInvalid
	}
	return nil
}

func insertLines(ctx context.Context, tx TxRepository, invoiceID int64, lines []Line) error {
	for i := range lines {
		lines[i].InvoiceID = invoiceID
		id, err := tx.InsertLine(ctx, lines[i])
		if err != nil {
			return fmt.Errorf("insert line %d: %w", i+1, err)
		}
		lines[i].ID = id
	}
	return nil
}

func (s *Service) record(ctx context.Context, actor shared.Principal, action, entity string, entityID int64, before, after any, reason string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(context.WithoutCancel(ctx), audit.Event{
		TenantID:   actor.TenantID,
		ActorID:    actor.ActorID,
		Action:     action,
		EntityType: entity,
		EntityID:   entityID,
		Before:     before,
		After:      after,
		Reason:     reason,
		Meta:       audit.MetaFrom(actor),
		At:         s.now(),
	})
}

func (s *Service) observe(event string) {
	if s.observer != nil {
		s.observer.ObserveInvoiceEvent(event)
	}
}

// handleIntegrity halts the tenant ledger when err reports a broken chain.
// The halt is written outside the failed transaction so it survives rollback.
func (s *Service) handleIntegrity(ctx context.Context, tenantID int64, err error) {
	if !errors.Is(err, ledger.ErrChainBroken) {
		return
	}
	s.logger.Error("ledger integrity violation",
		slog.Int64("tenant_id", tenantID),
		slog.Any("error", err),
	)
	if herr := s.repo.HaltLedger(context.WithoutCancel(ctx), tenantID, err.Error(), s.now()); herr != nil {
		s.logger.Error("halt ledger failed", slog.Int64("tenant_id", tenantID), slog.Any("error", herr))
		return
	}
	s.observe("ledger_halted")
}
