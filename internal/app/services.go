package app

import (
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-billing/internal/archive"
	"github.com/odyssey-erp/odyssey-billing/internal/audit"
	"github.com/odyssey-erp/odyssey-billing/internal/invoicing"
	"github.com/odyssey-erp/odyssey-billing/internal/mailer"
	"github.com/odyssey-erp/odyssey-billing/internal/observability"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
	"github.com/odyssey-erp/odyssey-billing/report"
)

// InvoicingDeps collects what the invoice service needs in both binaries.
type InvoicingDeps struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
	Queue   invoicing.TaskQueue
}

// NewInvoicingService wires the invoice service with its collaborators. A
// missing SMTP configuration only disables delivery.
func NewInvoicingService(d InvoicingDeps) (*invoicing.Service, error) {
	if d.Config == nil || d.Pool == nil {
		return nil, errors.New("app: invoicing requires config and database pool")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config

	repo := invoicing.NewRepository(d.Pool, db.TxOptions{
		Timeout:     cfg.DBTxTimeout,
		LockTimeout: cfg.DBLockTimeout,
		Retries:     cfg.DBTxRetries,
	})
	svc := invoicing.NewService(repo, audit.NewRecorder(d.Pool, logger), logger)

	renderer, err := archive.NewRenderer(report.NewClient(cfg.GotenbergURL), archive.NewCache(d.Redis, cfg.PDFCacheTTL), logger)
	if err != nil {
		return nil, err
	}
	svc.SetDocuments(renderer, archive.NewFileStore(cfg.ArchiveDir, cfg.ArchiveRoot), cfg.ArchiveTimeout)

	sender, err := mailer.NewSender(mailer.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	})
	if err != nil {
		logger.Warn("email delivery disabled", slog.Any("error", err))
	} else {
		svc.SetMailer(sender)
	}

	svc.SetIdempotency(shared.NewIdempotencyStore(d.Pool))
	if d.Metrics != nil {
		svc.SetObserver(d.Metrics)
	}
	if d.Queue != nil {
		svc.SetTaskQueue(d.Queue)
	}
	return svc, nil
}
