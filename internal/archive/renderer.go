package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/odyssey-billing/web"
)

const invoiceTemplate = "templates/invoices/invoice.html"

// PDFClient converts HTML into PDF bytes.
type PDFClient interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Renderer fills the invoice template and converts it through the PDF client.
// Immutable documents are served from the cache; concurrent requests for the
// same document share one conversion.
type Renderer struct {
	client PDFClient
	cache  *Cache
	tpl    *template.Template
	group  singleflight.Group
	logger *slog.Logger
}

// NewRenderer parses the embedded invoice template.
func NewRenderer(client PDFClient, cache *Cache, logger *slog.Logger) (*Renderer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	printer := message.NewPrinter(language.Spanish)
	funcMap := template.FuncMap{
		"money": func(d decimal.Decimal) string {
			return formatDecimal(printer, d, 2, 2) + " €"
		},
		"price": func(d decimal.Decimal) string {
			return formatDecimal(printer, d, 2, 4) + " €"
		},
		"qty": func(d decimal.Decimal) string {
			return formatDecimal(printer, d, 0, 4)
		},
		"percent": func(d decimal.Decimal) string {
			return d.String() + " %"
		},
		"date": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02/01/2006")
		},
	}
	tpl, err := template.New("invoice.html").Funcs(funcMap).ParseFS(web.Templates, invoiceTemplate)
	if err != nil {
		return nil, fmt.Errorf("archive: parse invoice template: %w", err)
	}
	return &Renderer{client: client, cache: cache, tpl: tpl, logger: logger}, nil
}

// Render returns the PDF for doc.
func (r *Renderer) Render(ctx context.Context, doc Document) ([]byte, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("archive: renderer not configured")
	}
	if !doc.Cacheable() {
		return r.render(ctx, doc)
	}

	key, err := r.cache.Key(ctx, doc)
	if err != nil {
		r.logger.Warn("pdf cache unavailable", slog.Any("error", err))
		return r.render(ctx, doc)
	}
	if data, ok, err := r.cache.Get(ctx, key); err != nil {
		r.logger.Warn("pdf cache read failed", slog.String("key", key), slog.Any("error", err))
	} else if ok {
		return data, nil
	}

	resultChan := r.group.DoChan(key, func() (interface{}, error) {
		data, err := r.render(context.WithoutCancel(ctx), doc)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Set(context.WithoutCancel(ctx), key, data); err != nil {
			r.logger.Warn("pdf cache write failed", slog.String("key", key), slog.Any("error", err))
		}
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// formatDecimal writes d in Spanish notation with between minPlaces and
// maxPlaces decimals. Digits come from the decimal itself; the printer only
// groups the integer part.
func formatDecimal(p *message.Printer, d decimal.Decimal, minPlaces, maxPlaces int32) string {
	rounded := d.Round(maxPlaces)
	intPart, frac, _ := strings.Cut(rounded.Abs().StringFixed(maxPlaces), ".")
	for int32(len(frac)) > minPlaces && strings.HasSuffix(frac, "0") {
		frac = frac[:len(frac)-1]
	}
	n, err := strconv.ParseInt(intPart, 10, 64)
	out := intPart
	if err == nil {
		out = p.Sprintf("%d", n)
	}
	if frac != "" {
		out += "," + frac
	}
	if rounded.IsNegative() {
		out = "-" + out
	}
	return out
}

// HTML renders the document template only.
func (r *Renderer) HTML(doc Document) (string, error) {
	buf := &bytes.Buffer{}
	if err := r.tpl.ExecuteTemplate(buf, "invoice.html", doc); err != nil {
		return "", fmt.Errorf("archive: execute template: %w", err)
	}
	return buf.String(), nil
}

func (r *Renderer) render(ctx context.Context, doc Document) ([]byte, error) {
	html, err := r.HTML(doc)
	if err != nil {
		return nil, err
	}
	data, err := r.client.RenderHTML(ctx, html)
	if err != nil {
		return nil, fmt.Errorf("archive: convert %s: %w", doc.Filename(), err)
	}
	return data, nil
}
