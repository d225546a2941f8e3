package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.NoError(t, m.Track("ledger:scan").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("ledger:scan").End(boom), boom)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ledger:scan", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ledger:scan", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("ledger:scan")))
}

func TestAddLedgerBreaks(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddLedgerBreaks(7, 1)
	m.AddLedgerBreaks(7, 2)
	m.AddLedgerBreaks(7, 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ledgerBreaks.WithLabelValues("7")))

	var nilMetrics *Metrics
	nilMetrics.AddLedgerBreaks(1, 1)
	assert.NoError(t, nilMetrics.Track("x").End(nil))
}
