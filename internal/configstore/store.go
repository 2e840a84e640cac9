package configstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"poolwatch/internal/domain"
)

var (
	// ErrInvalidBounds rejects documents whose lower bound exceeds the upper bound.
	ErrInvalidBounds = errors.New("configstore: lower bound exceeds upper bound")
	// ErrNegativeBound rejects negative bounds.
	ErrNegativeBound = errors.New("configstore: bounds cannot be negative")
	// ErrDisabled is returned by writes when no store is configured.
	ErrDisabled = errors.New("configstore: store not configured")
)

// Store is the remotely readable and writable watch configuration document.
type Store interface {
	// Observe delivers the current document, then every change, until ctx ends.
	// A missing document is not an error and produces no callback.
	Observe(ctx context.Context, fn func(domain.ConfigUpdate)) error
	// Write merges update into the document and notifies observers.
	Write(ctx context.Context, update domain.ConfigUpdate) error
	// RecordAlert appends an alert to the audit stream.
	RecordAlert(ctx context.Context, rec domain.AlertRecord) error
}

// ValidateBounds checks a merged document before it is written.
func ValidateBounds(lower, upper decimal.Decimal) error {
	if lower.IsNegative() || upper.IsNegative() {
		return ErrNegativeBound
	}
	if lower.IsZero() && upper.IsZero() {
		return nil
	}
	if lower.GreaterThan(upper) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidBounds, lower, upper)
	}
	return nil
}

// Disabled is the degraded store used when credentials are absent. Observe
// and RecordAlert are no-ops so the monitor stays unconfigured.
type Disabled struct {
	logger zerolog.Logger
	once   sync.Once
}

// NewDisabled builds the no-op store.
func NewDisabled(logger zerolog.Logger) *Disabled {
	return &Disabled{logger: logger.With().Str("component", "configstore").Logger()}
}

func (d *Disabled) warn() {
	d.once.Do(func() {
		d.logger.Warn().Msg("configuration store not configured; monitor will stay unconfigured and audit records go to the database only")
	})
}

// Observe returns immediately.
func (d *Disabled) Observe(ctx context.Context, fn func(domain.ConfigUpdate)) error {
	d.warn()
	return nil
}

// Write always fails; an operator writing config must know it went nowhere.
func (d *Disabled) Write(ctx context.Context, update domain.ConfigUpdate) error {
	d.warn()
	return ErrDisabled
}

// RecordAlert drops the record.
func (d *Disabled) RecordAlert(ctx context.Context, rec domain.AlertRecord) error {
	d.warn()
	return nil
}

var _ Store = (*Disabled)(nil)
