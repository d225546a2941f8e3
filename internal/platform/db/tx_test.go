package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBeginner struct {
	begins int
	err    error
}

func (f *fakeBeginner) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	f.begins++
	return nil, f.err
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, IsRetryable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
}

func TestWithTxRetriesSerializationFailures(t *testing.T) {
	beginner := &fakeBeginner{err: &pgconn.PgError{Code: "40001"}}

	err := WithTx(context.Background(), beginner, TxOptions{Retries: 2}, func(context.Context, pgx.Tx) error {
		t.Fatal("callback must not run when begin fails")
		return nil
	})

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, beginner.begins)
}

func TestWithTxDoesNotRetryOtherErrors(t *testing.T) {
	beginner := &fakeBeginner{err: errors.New("connection refused")}

	err := WithTx(context.Background(), beginner, TxOptions{Retries: 5, Timeout: time.Second}, func(context.Context, pgx.Tx) error {
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 1, beginner.begins)
}

func TestFormatMillis(t *testing.T) {
	assert.Equal(t, "5000ms", formatMillis(5*time.Second))
}
