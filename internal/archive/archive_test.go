package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type stubPDF struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  string
	delay time.Duration
}

func (s *stubPDF) RenderHTML(ctx context.Context, html string) ([]byte, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.last = html
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return []byte("%PDF-1.7 " + html[:10]), nil
}

func (s *stubPDF) lastHTML() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func sampleDocument() Document {
	return Document{
		Mode:      ModeProduction,
		TenantID:  7,
		InvoiceID: 42,
		Number:    "F-0001",
		Status:    "VALIDATED",
		IssueDate: time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC),
		Issuer:    Party{Name: "Acme SL", TaxID: "B12345678"},
		Client:    Party{Name: "Cliente SA", TaxID: "A87654321"},
		Lines: []Line{{
			Description: "Consultoría",
			Quantity:    decimal.NewFromInt(2),
			UnitPrice:   decimal.RequireFromString("12345.00"),
			VATPercent:  decimal.NewFromInt(21),
			Total:       decimal.RequireFromString("29874.90"),
		}},
		Subtotal:   decimal.RequireFromString("24690.00"),
		VATTotal:   decimal.RequireFromString("5184.90"),
		Total:      decimal.RequireFromString("29874.90"),
		LedgerHash: "ABCDEF",
		UpdatedAt:  time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC),
	}
}

func newTestRenderer(t *testing.T, client PDFClient) (*Renderer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	r, err := NewRenderer(client, NewCache(rdb, time.Hour), nil)
	require.NoError(t, err)
	return r, mr
}

func TestParseMode(t *testing.T) {
	m, ok := ParseMode("")
	assert.True(t, ok)
	assert.Equal(t, ModeProduction, m)

	m, ok = ParseMode(" TEST ")
	assert.True(t, ok)
	assert.Equal(t, ModeTest, m)

	_, ok = ParseMode("draft")
	assert.False(t, ok)
}

func TestDocumentWatermarkAndFilename(t *testing.T) {
	doc := sampleDocument()
	assert.Empty(t, doc.Watermark())
	assert.Equal(t, "F-0001.pdf", doc.Filename())

	doc.Mode = ModeTest
	assert.Equal(t, "PRUEBA - SIN VALIDEZ FISCAL", doc.Watermark())
	assert.Equal(t, "F-0001-test.pdf", doc.Filename())

	doc.Status = "DRAFT"
	doc.Number = ""
	assert.Equal(t, "BORRADOR", doc.Watermark())
	assert.Equal(t, "borrador-42-test.pdf", doc.Filename())

	doc = sampleDocument()
	doc.Status = "VOID"
	assert.Equal(t, "ANULADA", doc.Watermark())

	doc.Number = "F/2025 01"
	assert.Equal(t, "F_2025_01.pdf", doc.Filename())
}

func TestFormatDecimalKeepsExactDigits(t *testing.T) {
	p := message.NewPrinter(language.Spanish)
	cases := []struct {
		in       string
		min, max int32
		want     string
	}{
		{"1234567.894", 2, 2, "1.234.567,89"},
		{"-24.2", 2, 2, "-24,20"},
		{"0.005", 2, 2, "0,01"},
		{"-0.001", 2, 2, "0,00"},
		{"9999999999999.99", 2, 2, "9.999.999.999.999,99"},
		{"10.0005", 2, 4, "10,0005"},
		{"10", 2, 4, "10,00"},
		{"2", 0, 4, "2"},
		{"1.5000", 0, 4, "1,5"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatDecimal(p, decimal.RequireFromString(tc.in), tc.min, tc.max), tc.in)
	}
}

func TestRendererFormatsSpanishAmounts(t *testing.T) {
	pdf := &stubPDF{}
	r, _ := newTestRenderer(t, pdf)

	html, err := r.HTML(sampleDocument())
	require.NoError(t, err)
	assert.Contains(t, html, "F-0001")
	assert.Contains(t, html, "10/05/2025")
	assert.Contains(t, html, "874,90 €")
	assert.Contains(t, html, "Huella del registro: ABCDEF")
	assert.NotContains(t, html, `class="watermark"`)
}

func TestRendererCachesImmutableDocuments(t *testing.T) {
	pdf := &stubPDF{}
	r, mr := newTestRenderer(t, pdf)
	ctx := context.Background()

	first, err := r.Render(ctx, sampleDocument())
	require.NoError(t, err)
	second, err := r.Render(ctx, sampleDocument())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, pdf.calls.Load())
	assert.NotEmpty(t, mr.Keys())

	voided := sampleDocument()
	voided.Status = "VOID"
	voided.UpdatedAt = voided.UpdatedAt.Add(time.Minute)
	_, err = r.Render(ctx, voided)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pdf.calls.Load())
	assert.Contains(t, pdf.lastHTML(), "ANULADA")
}

func TestRendererNeverCachesDrafts(t *testing.T) {
	pdf := &stubPDF{}
	r, _ := newTestRenderer(t, pdf)
	doc := sampleDocument()
	doc.Status = "DRAFT"
	doc.Number = ""

	for i := 0; i < 2; i++ {
		_, err := r.Render(context.Background(), doc)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, pdf.calls.Load())
	assert.Contains(t, pdf.lastHTML(), "BORRADOR")
}

func TestRendererCollapsesConcurrentRenders(t *testing.T) {
	pdf := &stubPDF{delay: 50 * time.Millisecond}
	r, _ := newTestRenderer(t, pdf)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Render(context.Background(), sampleDocument())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, pdf.calls.Load())
}

func TestRendererFallsBackWhenCacheDown(t *testing.T) {
	pdf := &stubPDF{}
	r, mr := newTestRenderer(t, pdf)
	mr.Close()

	data, err := r.Render(context.Background(), sampleDocument())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF"))
}

func TestFolder(t *testing.T) {
	assert.Equal(t, "facturas/2025/T1", Folder("facturas", time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "facturas/2025/T2", Folder("facturas", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "facturas/2024/T4", Folder("facturas", time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)))
}

func TestFileStoreSave(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, "")

	rel, err := store.Save(context.Background(), 7, "F-0001.pdf", []byte("pdf"), time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "tenants/7/facturas/2025/T3/F-0001.pdf", rel)

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, "pdf", string(data))

	rel, err = store.Save(context.Background(), 7, "../../escape.pdf", []byte("again"), time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "tenants/7/facturas/2025/T3/escape.pdf", rel)

	entries, err := os.ReadDir(filepath.Join(dir, "tenants", "7", "facturas", "2025", "T3"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFileStoreRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFileStore(t.TempDir(), "facturas").Save(ctx, 1, "a.pdf", nil, time.Now())
	require.ErrorIs(t, err, context.Canceled)
}
