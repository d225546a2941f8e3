package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-billing/internal/invoicing"
	"github.com/odyssey-erp/odyssey-billing/internal/observability"
	"github.com/odyssey-erp/odyssey-billing/jobs"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(db Pinger) http.Handler {
	cfg := &Config{AppEnv: "test", AppRequestTimeout: 0, RateLimitPerMinute: 1000}
	svc := invoicing.NewService(nil, nil, nil)
	return NewRouter(RouterParams{
		Config:         cfg,
		InvoiceHandler: invoicing.NewHandler(nil, svc, nil),
		JobHandler:     jobs.NewHandler(nil, nil),
		Metrics:        observability.NewMetrics(),
		Database:       db,
	})
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(pingFunc(func(context.Context) error { return nil }))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	router = newTestRouter(pingFunc(func(context.Context) error { return errors.New("refused") }))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTenantRoutesRequirePrincipal(t *testing.T) {
	router := newTestRouter(nil)
	for _, path := range []string{"/invoices", "/numbering", "/ledger/verify"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
		assert.Contains(t, rr.Body.String(), "principal_missing", path)
	}
}

func TestOperationalRoutes(t *testing.T) {
	router := newTestRouter(nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"queue":"critical"`)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "odyssey_http_requests_total"))
}
