package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-billing/internal/audit"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

type stubHistory struct {
	filters audit.TimelineFilters
}

func (s *stubHistory) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.filters = filters
	return audit.Result{Rows: []audit.TimelineRow{{Action: "invoice.created"}}}, nil
}

type apiFixture struct {
	t       *testing.T
	router  http.Handler
	svc     *Service
	repo    *fakeRepo
	history *stubHistory
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	svc, repo, _ := newTestService(t)
	svc.SetIdempotency(&memGuard{keys: map[string]bool{}})
	svc.SetDocuments(&stubRenderer{}, nil, 0)
	history := &stubHistory{}

	r := chi.NewRouter()
	r.Use(shared.RequirePrincipal)
	NewHandler(discardLogger(), svc, history).MountRoutes(r)
	return &apiFixture{t: t, router: r, svc: svc, repo: repo, history: history}
}

func (f *apiFixture) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(f.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(shared.HeaderTenantID, strconv.FormatInt(testTenant, 10))
	req.Header.Set(shared.HeaderActorID, "99")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createDraft(date string) int64 {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/invoices", draftBody(date))
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	var out CreatedResponse
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.ID
}

func draftBody(date string) map[string]any {
	return map[string]any{
		"client_id": testClient,
		"date":      date,
		"lines": []map[string]any{{
			"description": "Consultoría",
			"quantity":    "2",
			"unit_price":  "10.00",
			"vat_percent": "21",
		}},
	}
}

func invoicePath(id int64, suffix string) string {
	return "/invoices/" + strconv.FormatInt(id, 10) + suffix
}

func problemOf(t *testing.T, rec *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func assertProblem(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	p := problemOf(t, rec)
	assert.Equal(t, status, p.Status)
	assert.Equal(t, code, p.Code)
}

func TestHandlerRequiresPrincipal(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/invoices", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assertProblem(t, rec, http.StatusUnauthorized, "principal_missing")
}

func TestHandlerInvoiceLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createDraft("2025-01-10")

	rec := f.do(http.MethodGet, invoicePath(id, ""), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inv Invoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inv))
	assert.Equal(t, StatusDraft, inv.Status)
	assert.Equal(t, "24.2", inv.Total.String())
	require.Len(t, inv.Lines, 1)

	body := draftBody("2025-01-10")
	body["payment_method"] = "Transferencia"
	rec = f.do(http.MethodPut, invoicePath(id, ""), body)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, invoicePath(id, "/validate"), map[string]any{"date": "2025-01-10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var validated ValidatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &validated))
	assert.Equal(t, "F-0001", validated.Number)

	rec = f.do(http.MethodPost, invoicePath(id, "/validate"), map[string]any{"date": "2025-01-10"})
	assertProblem(t, rec, http.StatusConflict, "invoice_already_validated")

	rec = f.do(http.MethodPut, invoicePath(id, ""), draftBody("2025-01-10"))
	assertProblem(t, rec, http.StatusBadRequest, "invoice_not_draft")

	rec = f.do(http.MethodDelete, invoicePath(id, ""), nil)
	assertProblem(t, rec, http.StatusBadRequest, "invoice_not_draft")

	rec = f.do(http.MethodPost, invoicePath(id, "/void"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var voided VoidedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &voided))
	assert.Equal(t, "F-0001R", voided.RectificationNumber)

	rec = f.do(http.MethodPost, invoicePath(id, "/void"), nil)
	assertProblem(t, rec, http.StatusConflict, "invoice_not_validated")

	rec = f.do(http.MethodGet, "/invoices?status=validated", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Invoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "F-0001R", list[0].NumberOrEmpty())

	rec = f.do(http.MethodGet, "/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view LedgerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Len(t, view.Entries, 2)

	rec = f.do(http.MethodGet, "/ledger/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
}

func TestHandlerDraftErrors(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		body any
		code string
	}{
		{"malformed", `{"client_id":`, "malformed_body"},
		{"unknown field", `{"client":1}`, "malformed_body"},
		{"missing date", map[string]any{"client_id": testClient, "lines": []any{}}, "date_required"},
		{"bad date", map[string]any{"client_id": testClient, "date": "10/01/2025"}, "date_invalid"},
		{"no lines", map[string]any{"client_id": testClient, "date": "2025-01-10"}, "lines_required"},
		{"unknown client", func() any { b := draftBody("2025-01-10"); b["client_id"] = 404; return b }(), "client_invalid"},
		{"sub-cent price", func() any {
			b := draftBody("2025-01-10")
			b["lines"] = []map[string]any{{"description": "x", "quantity": "1000", "unit_price": "10.00005", "vat_percent": "21.005"}}
			return b
		}(), "line_precision_invalid"},
		{"oversized price", func() any {
			b := draftBody("2025-01-10")
			b["lines"] = []map[string]any{{"description": "x", "quantity": "1", "unit_price": "99999999999", "vat_percent": "21"}}
			return b
		}(), "line_amount_out_of_range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/invoices", tc.body)
			assertProblem(t, rec, http.StatusBadRequest, tc.code)
		})
	}

	rec := f.do(http.MethodGet, "/invoices/abc", nil)
	assertProblem(t, rec, http.StatusBadRequest, "invoice_id_invalid")

	rec = f.do(http.MethodDelete, "/invoices/404", nil)
	assertProblem(t, rec, http.StatusNotFound, "invoice_not_found")

	rec = f.do(http.MethodGet, "/invoices?status=paid", nil)
	assertProblem(t, rec, http.StatusBadRequest, "filter_invalid")
}

func TestHandlerIdempotencyReplay(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/invoices", draftBody("2025-01-10"), HeaderIdempotencyKey, "abc-123")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(http.MethodPost, "/invoices", draftBody("2025-01-10"), HeaderIdempotencyKey, "abc-123")
	assertProblem(t, rec, http.StatusConflict, "idempotency_replay")
	assert.Equal(t, 1, f.repo.count())
}

func TestHandlerChronologyAndIntegrity(t *testing.T) {
	f := newAPIFixture(t)
	first := f.createDraft("2025-01-10")
	second := f.createDraft("2025-01-09")

	rec := f.do(http.MethodPost, invoicePath(first, "/validate"), map[string]any{"date": "2025-01-10"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, invoicePath(second, "/validate"), map[string]any{"date": "2025-01-09"})
	assertProblem(t, rec, http.StatusBadRequest, "date_before_last_validated")

	f.repo.tamper(func(s *memState) { s.entries[0].InvoiceNumber = "F-9999" })

	rec = f.do(http.MethodPost, invoicePath(second, "/validate"), map[string]any{"date": "2025-01-10"})
	assertProblem(t, rec, http.StatusLocked, "ledger_chain_broken")

	rec = f.do(http.MethodPost, invoicePath(second, "/validate"), map[string]any{"date": "2025-01-10"})
	assertProblem(t, rec, http.StatusLocked, "ledger_halted")

	rec = f.do(http.MethodPost, "/ledger/reconcile", map[string]any{"reason": "short"})
	assertProblem(t, rec, http.StatusBadRequest, "request_invalid")

	rec = f.do(http.MethodPost, "/ledger/reconcile", map[string]any{"reason": "restored entry from backup"})
	assertProblem(t, rec, http.StatusLocked, "ledger_chain_broken")
}

func TestHandlerNumbering(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPut, "/numbering", map[string]any{"scheme": "WEEKLY"})
	assertProblem(t, rec, http.StatusBadRequest, "request_invalid")

	rec = f.do(http.MethodPut, "/numbering", map[string]any{"scheme": "CUSTOM_PREFIX"})
	assertProblem(t, rec, http.StatusBadRequest, "numbering_format_required")

	rec = f.do(http.MethodPut, "/numbering", map[string]any{"scheme": "BY_YEAR"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	id := f.createDraft("2025-01-10")
	rec = f.do(http.MethodPost, invoicePath(id, "/validate"), map[string]any{"date": "2025-01-10"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "F-2025-0001")

	rec = f.do(http.MethodPut, "/numbering", map[string]any{"scheme": "CONTINUOUS"})
	assertProblem(t, rec, http.StatusBadRequest, "numbering_locked")

	rec = f.do(http.MethodGet, "/numbering", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BY_YEAR")
}

func TestHandlerPDF(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createDraft("2025-01-10")

	rec := f.do(http.MethodGet, invoicePath(id, "/pdf?mode=test"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "borrador-")

	rec = f.do(http.MethodGet, invoicePath(id, "/pdf?mode=draft"), nil)
	assertProblem(t, rec, http.StatusBadRequest, "render_mode_invalid")

	rec = f.do(http.MethodGet, invoicePath(id, "/pdf?action=print"), nil)
	assertProblem(t, rec, http.StatusBadRequest, "pdf_action_invalid")

	rec = f.do(http.MethodGet, invoicePath(404, "/pdf"), nil)
	assertProblem(t, rec, http.StatusNotFound, "invoice_not_found")
}

func TestHandlerDeliverAndAudit(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.SetMailer(&memMailer{})
	id := f.createDraft("2025-01-10")

	rec := f.do(http.MethodPost, invoicePath(id, "/deliver"), map[string]any{"to": "cliente@example.test"})
	assertProblem(t, rec, http.StatusBadRequest, "invoice_not_deliverable")

	rec = f.do(http.MethodPost, invoicePath(id, "/validate"), map[string]any{"date": "2025-01-10"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, invoicePath(id, "/deliver"), map[string]any{"to": "not-an-email"})
	assertProblem(t, rec, http.StatusBadRequest, "request_invalid")

	rec = f.do(http.MethodPost, invoicePath(id, "/deliver"), map[string]any{"to": "cliente@example.test"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out DeliveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, DeliverySent, out.Status)

	rec = f.do(http.MethodGet, invoicePath(id, "/audit?page=2"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entityInvoice, f.history.filters.EntityType)
	assert.Equal(t, strconv.FormatInt(id, 10), f.history.filters.EntityID)
	assert.Equal(t, testTenant, f.history.filters.TenantID)
	assert.Equal(t, 2, f.history.filters.Page)
}
