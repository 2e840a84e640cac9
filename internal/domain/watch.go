package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WatchConfig is an immutable snapshot of what the monitor watches and the
// inclusive range the oriented price must stay inside.
type WatchConfig struct {
	TargetID    string
	LowerBound  decimal.Decimal
	UpperBound  decimal.Decimal
	LastUpdated time.Time
}

// Armed reports whether real bounds have been configured. (0,0) is the
// unconfigured sentinel.
func (c WatchConfig) Armed() bool {
	return !(c.LowerBound.IsZero() && c.UpperBound.IsZero())
}

// Inverted reports whether both bounds are set and lower exceeds upper.
func (c WatchConfig) Inverted() bool {
	return c.Armed() && c.LowerBound.GreaterThan(c.UpperBound)
}

// OutOfBounds reports whether price lies strictly outside [lower, upper].
func (c WatchConfig) OutOfBounds(price decimal.Decimal) bool {
	return price.LessThan(c.LowerBound) || price.GreaterThan(c.UpperBound)
}

// Apply merges a partial update into the snapshot and returns the new one.
// Fields absent from the update keep their current values.
func (c WatchConfig) Apply(u ConfigUpdate, now time.Time) WatchConfig {
	next := c
	if u.WatchedTargetID != nil && *u.WatchedTargetID != "" {
		next.TargetID = *u.WatchedTargetID
	}
	if u.LowerBound != nil {
		next.LowerBound = *u.LowerBound
	}
	if u.UpperBound != nil {
		next.UpperBound = *u.UpperBound
	}
	next.LastUpdated = now
	if u.LastUpdated != nil {
		next.LastUpdated = *u.LastUpdated
	}
	return next
}

// ConfigUpdate is the read model of the remote configuration document. Every
// field is optional.
type ConfigUpdate struct {
	WatchedTargetID *string
	LowerBound      *decimal.Decimal
	UpperBound      *decimal.Decimal
	LastUpdated     *time.Time
}

// PriceSample is one oriented observation produced by a poll.
type PriceSample struct {
	TargetID            string
	Value               decimal.Decimal
	ObservedAt          time.Time
	OrientationInverted bool
}

// PoolState is what the oracle adapter returns for a pool. Price is raw
// (mint B per mint A), already normalised for token decimals.
type PoolState struct {
	PoolID        string
	Price         decimal.Decimal
	Liquidity     decimal.Decimal
	TickCurrent   int32
	BaseMint      string
	QuoteMint     string
	BaseDecimals  int
	QuoteDecimals int
	FetchedAt     time.Time
}
