// Package numbering assigns legal invoice numbers. Each tenant picks one
// scheme; numbers are allocated per partition from a locked counter so they
// never repeat and never skip.
package numbering

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

// Scheme selects how numbers are partitioned and rendered.
type Scheme string

const (
	SchemeContinuous   Scheme = "CONTINUOUS"    // F-0001, F-0002, ...
	SchemeByYear       Scheme = "BY_YEAR"       // F-2025-0001, restarts every year
	SchemeCustomPrefix Scheme = "CUSTOM_PREFIX" // template prefix + 0001
)

const (
	defaultPrefix   = "F-"
	correlativeFmt  = "%04d"
	maxFormatLength = 40
)

// Errors returned by configuration updates.
var (
	ErrUnknownScheme  = httpx.Rule(httpx.ErrValidation, "numbering_scheme_unknown", "numbering scheme must be CONTINUOUS, BY_YEAR or CUSTOM_PREFIX")
	ErrFormatRequired = httpx.Rule(httpx.ErrValidation, "numbering_format_required", "CUSTOM_PREFIX requires a format template")
	ErrFormatTooLong  = httpx.Rule(httpx.ErrValidation, "numbering_format_too_long", "format template is too long")
	ErrLocked         = httpx.Rule(httpx.ErrState, "numbering_locked", "numbering scheme is locked after the first validated invoice")
)

// IsValid checks if the scheme is known.
func (s Scheme) IsValid() bool {
	switch s {
	case SchemeContinuous, SchemeByYear, SchemeCustomPrefix:
		return true
	default:
		return false
	}
}

// Config is the tenant's numbering configuration.
type Config struct {
	TenantID  int64     `json:"tenant_id"`
	Scheme    Scheme    `json:"scheme"`
	Format    string    `json:"format,omitempty"`
	Locked    bool      `json:"locked"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// DefaultConfig is used for tenants that never configured numbering.
func DefaultConfig(tenantID int64) Config {
	return Config{TenantID: tenantID, Scheme: SchemeContinuous}
}

// Validate checks scheme and format consistency.
func (c Config) Validate() error {
	if !c.Scheme.IsValid() {
		return ErrUnknownScheme
	}
	if len(c.Format) > maxFormatLength {
		return ErrFormatTooLong
	}
	if c.Scheme == SchemeCustomPrefix && strings.TrimSpace(c.Format) == "" {
		return ErrFormatRequired
	}
	return nil
}

// Assigned is the outcome of a numbering request.
type Assigned struct {
	Number      string
	Partition   string
	Correlative int64
}

// Counter hands out the next correlative for a partition. Implementations
// must run inside the caller's transaction and hold a row lock on the counter
// until commit.
type Counter interface {
	NextCorrelative(ctx context.Context, tenantID int64, scheme Scheme, partition string) (int64, error)
}

// Partition resolves the partition key the date falls into.
func Partition(cfg Config, date time.Time) string {
	switch cfg.Scheme {
	case SchemeByYear:
		return date.Format("2006")
	case SchemeCustomPrefix:
		return expand(cfg.Format, date)
	default:
		return ""
	}
}

// Render formats a correlative within its partition.
func Render(cfg Config, partition string, correlative int64) string {
	seq := fmt.Sprintf(correlativeFmt, correlative)
	switch cfg.Scheme {
	case SchemeByYear:
		return defaultPrefix + partition + "-" + seq
	case SchemeCustomPrefix:
		return partition + seq
	default:
		return defaultPrefix + seq
	}
}

// Next allocates the next number for date under cfg.
func Next(ctx context.Context, counter Counter, cfg Config, date time.Time) (Assigned, error) {
	if err := cfg.Validate(); err != nil {
		return Assigned{}, err
	}
	if date.IsZero() {
		return Assigned{}, fmt.Errorf("numbering: date required")
	}
	partition := Partition(cfg, date)
	correlative, err := counter.NextCorrelative(ctx, cfg.TenantID, cfg.Scheme, partition)
	if err != nil {
		return Assigned{}, fmt.Errorf("numbering: next correlative: %w", err)
	}
	if correlative <= 0 {
		return Assigned{}, fmt.Errorf("numbering: counter returned %d", correlative)
	}
	return Assigned{
		Number:      Render(cfg, partition, correlative),
		Partition:   partition,
		Correlative: correlative,
	}, nil
}

func expand(format string, date time.Time) string {
	return strings.NewReplacer(
		"{YEAR}", date.Format("2006"),
		"{MONTH}", date.Format("01"),
		"{DAY}", date.Format("02"),
	).Replace(format)
}
