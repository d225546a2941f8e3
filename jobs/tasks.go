package jobs

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries legal-copy archival retries ahead of other work.
	QueueCritical = "critical"

	// TaskInvoiceArchive re-renders and files the legal copy of an invoice.
	TaskInvoiceArchive = "invoice:archive"
	// TaskInvoiceDeliver sends one queued delivery by email.
	TaskInvoiceDeliver = "invoice:deliver"
	// TaskLedgerScan verifies every active tenant chain.
	TaskLedgerScan = "ledger:scan"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

const (
	archiveMaxRetry  = 10
	deliveryMaxRetry = 5
)

// ArchivePayload identifies an invoice whose archival failed after commit.
type ArchivePayload struct {
	TenantID  int64  `json:"tenant_id"`
	InvoiceID int64  `json:"invoice_id"`
	Mode      string `json:"mode,omitempty"`
}

// DeliveryPayload identifies a delivery-log row.
type DeliveryPayload struct {
	TenantID   int64 `json:"tenant_id"`
	DeliveryID int64 `json:"delivery_id"`
}

// LedgerScanPayload carries scheduling metadata.
type LedgerScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// IdempotencyCleanupPayload configures key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewArchiveTask builds an archival task. The task id deduplicates retries of
// the same invoice while one is pending.
func NewArchiveTask(payload ArchivePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := "archive:" + strconv.FormatInt(payload.TenantID, 10) + ":" + strconv.FormatInt(payload.InvoiceID, 10)
	return asynq.NewTask(TaskInvoiceArchive, body,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(archiveMaxRetry),
		asynq.TaskID(id),
	), nil
}

// NewDeliveryTask builds a delivery task.
func NewDeliveryTask(payload DeliveryPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceDeliver, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(deliveryMaxRetry),
		asynq.Timeout(2*time.Minute),
	), nil
}

// NewLedgerScanTask builds the nightly chain verification task.
func NewLedgerScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerScan, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// NewIdempotencyCleanupTask builds the key purge task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
