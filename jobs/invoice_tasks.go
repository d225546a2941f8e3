package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-billing/internal/archive"
	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

// InvoiceTasks is the invoicing behaviour the worker drives.
type InvoiceTasks interface {
	Archive(ctx context.Context, tenantID, invoiceID int64, mode archive.Mode) (string, error)
	SendDelivery(ctx context.Context, tenantID, deliveryID int64) error
}

// InvoiceJobs handles archival retries and email deliveries.
type InvoiceJobs struct {
	Service InvoiceTasks
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInvoiceJobs wires the invoice task handlers.
func NewInvoiceJobs(service InvoiceTasks, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceJobs {
	return &InvoiceJobs{Service: service, Logger: logger, Metrics: metrics}
}

// Handlers lists the task handlers for worker registration.
func (j *InvoiceJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskInvoiceArchive, Handler: j.HandleArchive},
		{Type: TaskInvoiceDeliver, Handler: j.HandleDelivery},
	}
}

// HandleArchive files the legal copy of a committed invoice.
func (j *InvoiceJobs) HandleArchive(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("invoice archive: service not configured")
	}
	var payload ArchivePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.InvoiceID <= 0 {
		return asynq.SkipRetry
	}
	mode, ok := archive.ParseMode(payload.Mode)
	if !ok {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskInvoiceArchive)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log(TaskInvoiceArchive).With(
		slog.Int64("tenant_id", payload.TenantID),
		slog.Int64("invoice_id", payload.InvoiceID),
	)
	path, err := j.Service.Archive(ctx, payload.TenantID, payload.InvoiceID, mode)
	if err != nil {
		resultErr = permanent(err)
		logger.Error("archive invoice", slog.Any("error", err))
		return resultErr
	}
	logger.Info("archived invoice", slog.String("archive_path", path))
	return resultErr
}

// HandleDelivery performs one delivery attempt.
func (j *InvoiceJobs) HandleDelivery(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("invoice delivery: service not configured")
	}
	var payload DeliveryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.DeliveryID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskInvoiceDeliver)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log(TaskInvoiceDeliver).With(
		slog.Int64("tenant_id", payload.TenantID),
		slog.Int64("delivery_id", payload.DeliveryID),
	)
	if err := j.Service.SendDelivery(ctx, payload.TenantID, payload.DeliveryID); err != nil {
		resultErr = permanent(err)
		logger.Warn("deliver invoice", slog.Any("error", err))
		return resultErr
	}
	logger.Info("delivered invoice")
	return resultErr
}

// permanent marks errors that a retry cannot fix.
func permanent(err error) error {
	if errors.Is(err, httpx.ErrNotFound) || errors.Is(err, httpx.ErrState) || errors.Is(err, httpx.ErrValidation) {
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}
	return err
}

func (j *InvoiceJobs) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *InvoiceJobs) log(job string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}
