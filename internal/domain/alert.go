package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChannelStatus is the outcome of a messaging channel delivery.
type ChannelStatus string

const (
	ChannelSuccess ChannelStatus = "success"
	ChannelFailed  ChannelStatus = "failed"
)

// AlertRecord captures one dispatched bound breach. Records are append-only.
type AlertRecord struct {
	ID            int64
	TargetID      string
	Price         decimal.Decimal
	LowerBound    decimal.Decimal
	UpperBound    decimal.Decimal
	Message       string
	ChannelStatus ChannelStatus
	DispatchedAt  time.Time
}
