package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LedgerScanner verifies every active chain and halts broken ones.
type LedgerScanner interface {
	ScanLedgers(ctx context.Context) ([]ledger.Report, error)
}

// LedgerScanJob runs the scheduled chain verification.
type LedgerScanJob struct {
	Scanner LedgerScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerScanJob initialises the ledger scan handler.
func NewLedgerScanJob(scanner LedgerScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerScanJob {
	return &LedgerScanJob{
		Scanner: scanner,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle verifies every chain. Broken chains are reported and already halted
// by the scanner; the run itself only fails when a chain cannot be read.
func (j *LedgerScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Scanner == nil {
		return errors.New("ledger scan: scanner not configured")
	}
	var payload LedgerScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := j.now()
	tracker := j.metrics().Track(TaskLedgerScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log()
	logger.Info("starting ledger scan")

	reports, err := j.Scanner.ScanLedgers(ctx)
	broken := 0
	for _, r := range reports {
		if r.Valid {
			continue
		}
		broken++
		logger.Error("ledger chain broken",
			slog.Int64("tenant_id", r.TenantID),
			slog.Int64("entry_id", r.BrokenEntryID),
			slog.String("reason", r.Reason),
		)
		j.metrics().AddLedgerBreaks(r.TenantID, 1)
	}
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Int("scanned", len(reports)), slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed ledger scan",
		slog.Int("tenants", len(reports)),
		slog.Int("broken", broken),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *LedgerScanJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerScan))
	}
	return slog.Default().With(slog.String("job", TaskLedgerScan))
}

func (j *LedgerScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *LedgerScanJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
