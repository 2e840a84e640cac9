package monitor

import (
	"errors"

	"github.com/shopspring/decimal"

	"poolwatch/internal/domain"
)

// ErrZeroPrice is returned when a price that must be inverted is zero.
var ErrZeroPrice = errors.New("monitor: cannot invert zero price")

const inversionPrecision = 18

// Orienter presents pool prices as quote units per base unit. A pool whose
// first mint is a known quote asset is quoted the other way round on chain,
// so its raw price is inverted.
type Orienter struct {
	quotes map[string]struct{}
}

// NewOrienter builds an orienter for the given quote mints.
func NewOrienter(quoteMints []string) Orienter {
	quotes := make(map[string]struct{}, len(quoteMints))
	for _, m := range quoteMints {
		if m != "" {
			quotes[m] = struct{}{}
		}
	}
	return Orienter{quotes: quotes}
}

// IsQuote reports whether mint is treated as a quote asset.
func (o Orienter) IsQuote(mint string) bool {
	_, ok := o.quotes[mint]
	return ok
}

// Orient returns the oriented price and whether it was inverted.
func (o Orienter) Orient(state domain.PoolState) (decimal.Decimal, bool, error) {
	if !o.IsQuote(state.BaseMint) || o.IsQuote(state.QuoteMint) {
		return state.Price, false, nil
	}
	if state.Price.IsZero() {
		return decimal.Zero, true, ErrZeroPrice
	}
	return decimal.NewFromInt(1).DivRound(state.Price, inversionPrecision), true, nil
}
