package invoicing

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-billing/internal/archive"
	"github.com/odyssey-erp/odyssey-billing/internal/audit"
	"github.com/odyssey-erp/odyssey-billing/internal/numbering"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// HeaderIdempotencyKey deduplicates draft creation.
const HeaderIdempotencyKey = "Idempotency-Key"

// HistoryReader serves an entity's audit trail.
type HistoryReader interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
}

// Handler wires the invoicing JSON endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	history   HistoryReader
	validator *validator.Validate
	pdfLimit  func(http.Handler) http.Handler
}

// NewHandler constructs the invoicing handler.
func NewHandler(logger *slog.Logger, service *Service, history HistoryReader) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		if p, ok := shared.PrincipalFromContext(r.Context()); ok {
			return "tenant:" + strconv.FormatInt(p.TenantID, 10), nil
		}
		return httprate.KeyByIP(r)
	}))
	return &Handler{
		logger:    logger,
		service:   service,
		history:   history,
		validator: validator.New(),
		pdfLimit:  limiter,
	}
}

// MountRoutes registers tenant-scoped routes. The router must already run
// shared.RequirePrincipal.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Put("/", h.update)
			r.Delete("/", h.delete)
			r.Post("/validate", h.validate)
			r.Post("/void", h.void)
			r.With(h.pdfLimit).Get("/pdf", h.pdf)
			r.Post("/deliver", h.deliver)
			r.Get("/audit", h.auditTrail)
		})
	})
	r.Get("/numbering", h.getNumbering)
	r.Put("/numbering", h.putNumbering)
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/", h.ledger)
		r.Get("/verify", h.verifyLedger)
		r.Post("/reconcile", h.reconcileLedger)
	})
}

// ============================================================================
// INVOICES
// ============================================================================

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	filter := ListFilter{TenantID: p.TenantID}
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st := Status(strings.ToUpper(raw))
		filter.Status = &st
	}
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		d, err := parseDate(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		*dst = &d
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	invoices, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []Invoice{}
	}
	httpx.JSON(w, http.StatusOK, invoices)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := req.ToInput()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.service.CreateDraft(r.Context(), principal(r), in, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, CreatedResponse{ID: id})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Get(r.Context(), principal(r).TenantID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req DraftRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := req.ToInput()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.ReplaceDraft(r.Context(), principal(r), id, in); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteDraft(r.Context(), principal(r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req ValidateRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := req.ToInput()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	number, err := h.service.Validate(r.Context(), principal(r), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ValidatedResponse{Number: number})
}

func (h *Handler) void(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	number, err := h.service.Void(r.Context(), principal(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, VoidedResponse{RectificationNumber: number})
}

func (h *Handler) pdf(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	mode, ok := archive.ParseMode(r.URL.Query().Get("mode"))
	if !ok {
		h.fail(w, r, ErrInvalidMode)
		return
	}
	tenantID := principal(r).TenantID

	switch action := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("action"))); action {
	case "", "stream":
		data, inv, err := h.service.Render(r.Context(), tenantID, id, mode)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filename := archive.Document{InvoiceID: inv.ID, Number: inv.NumberOrEmpty(), Mode: mode}.Filename()
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case "save":
		path, err := h.service.Archive(r.Context(), tenantID, id, mode)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, ArchivedResponse{ArchivePath: path})
	default:
		h.fail(w, r, httpx.Rule(httpx.ErrValidation, "pdf_action_invalid", "action must be stream or save"))
	}
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req DeliverRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	log, err := h.service.Deliver(r.Context(), principal(r), id, req.ToInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, DeliveryResponse{DeliveryID: log.ID, Status: log.Status})
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	if h.history == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "audit history is not available")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	res, err := h.history.Timeline(r.Context(), audit.TimelineFilters{
		TenantID:   principal(r).TenantID,
		EntityType: entityInvoice,
		EntityID:   strconv.FormatInt(id, 10),
		Page:       page,
		PageSize:   size,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Rows == nil {
		res.Rows = []audit.TimelineRow{}
	}
	httpx.JSON(w, http.StatusOK, res)
}

// ============================================================================
// NUMBERING & LEDGER
// ============================================================================

func (h *Handler) getNumbering(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.Numbering(r.Context(), principal(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cfg)
}

func (h *Handler) putNumbering(w http.ResponseWriter, r *http.Request) {
	var req NumberingRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	cfg, err := h.service.UpdateNumbering(r.Context(), principal(r), numbering.Scheme(req.Scheme), req.Format)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cfg)
}

func (h *Handler) ledger(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Ledger(r.Context(), principal(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) verifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.VerifyLedger(r.Context(), principal(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) reconcileLedger(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.service.ReconcileLedger(r.Context(), principal(r), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

// ============================================================================
// HELPERS
// ============================================================================

func (h *Handler) decode(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return err
	}
	if err := h.validator.Struct(dst); err != nil {
		return requestError(err)
	}
	return nil
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, r, httpx.Rule(httpx.ErrValidation, "invoice_id_invalid", "invoice id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.CodeOf(err) == "" {
		h.logger.Error("invoicing request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	httpx.RespondError(w, err)
}

func principal(r *http.Request) shared.Principal {
	p, _ := shared.PrincipalFromContext(r.Context())
	return p
}
