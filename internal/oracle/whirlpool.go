package oracle

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"poolwatch/internal/domain"
	"poolwatch/internal/solana"
)

// Whirlpool account layout offsets.
const (
	liquidityOffset   = 49
	sqrtPriceOffset   = 65
	tickCurrentOffset = 81
	mintAOffset       = 101
	mintBOffset       = 181
	whirlpoolMinSize  = mintBOffset + 32

	mintDecimalsOffset = 44
	mintMinSize        = 82
)

var q64 = new(big.Int).Lsh(big.NewInt(1), 64)

// AccountReader is the slice of the Solana RPC client the oracle needs.
type AccountReader interface {
	GetAccountInfo(ctx context.Context, pubkey string) (*solana.AccountInfo, error)
}

// Whirlpool reads concentrated-liquidity pool state straight from account data.
type Whirlpool struct {
	rpc    AccountReader
	logger zerolog.Logger
	now    func() time.Time

	decimalsMu sync.RWMutex
	decimals   map[string]int
}

// NewWhirlpool builds a Whirlpool oracle over an RPC account reader.
func NewWhirlpool(rpc AccountReader, logger zerolog.Logger) *Whirlpool {
	return &Whirlpool{
		rpc:      rpc,
		logger:   logger.With().Str("component", "whirlpool_oracle").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		decimals: make(map[string]int),
	}
}

// PoolState fetches and decodes the pool account and both mint decimals.
func (w *Whirlpool) PoolState(ctx context.Context, poolID string) (domain.PoolState, error) {
	if err := validateAddress(poolID); err != nil {
		return domain.PoolState{}, err
	}

	info, err := w.rpc.GetAccountInfo(ctx, poolID)
	if err != nil {
		return domain.PoolState{}, fmt.Errorf("get pool account: %w", err)
	}
	if info == nil {
		return domain.PoolState{}, fmt.Errorf("pool %s: %w", poolID, ErrAccountNotFound)
	}

	raw, err := decodeWhirlpool(info.Data)
	if err != nil {
		return domain.PoolState{}, err
	}

	decA, err := w.mintDecimals(ctx, raw.mintA)
	if err != nil {
		return domain.PoolState{}, err
	}
	decB, err := w.mintDecimals(ctx, raw.mintB)
	if err != nil {
		return domain.PoolState{}, err
	}

	return domain.PoolState{
		PoolID:        poolID,
		Price:         SqrtPriceToPrice(raw.sqrtPrice, decA, decB),
		Liquidity:     decimal.NewFromBigInt(raw.liquidity, 0),
		TickCurrent:   raw.tick,
		BaseMint:      raw.mintA,
		QuoteMint:     raw.mintB,
		BaseDecimals:  decA,
		QuoteDecimals: decB,
		FetchedAt:     w.now(),
	}, nil
}

// SqrtPriceToPrice converts a Q64.64 square-root price into mint B per mint A,
// adjusted for token decimals.
func SqrtPriceToPrice(sqrtPrice *big.Int, decimalsA, decimalsB int) decimal.Decimal {
	ratio := decimal.NewFromBigInt(sqrtPrice, 0).DivRound(decimal.NewFromBigInt(q64, 0), 32)
	return ratio.Mul(ratio).Shift(int32(decimalsA - decimalsB)).Round(18)
}

func (w *Whirlpool) mintDecimals(ctx context.Context, mint string) (int, error) {
	w.decimalsMu.RLock()
	d, ok := w.decimals[mint]
	w.decimalsMu.RUnlock()
	if ok {
		return d, nil
	}

	info, err := w.rpc.GetAccountInfo(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("get mint account %s: %w", mint, err)
	}
	if info == nil {
		return 0, fmt.Errorf("mint %s: %w", mint, ErrAccountNotFound)
	}
	if len(info.Data) < mintMinSize {
		return 0, fmt.Errorf("mint %s: %w: %d bytes", mint, ErrMalformedAccount, len(info.Data))
	}

	d = int(info.Data[mintDecimalsOffset])
	w.decimalsMu.Lock()
	w.decimals[mint] = d
	w.decimalsMu.Unlock()
	w.logger.Debug().Str("mint", mint).Int("decimals", d).Msg("cached mint decimals")
	return d, nil
}

type whirlpoolAccount struct {
	liquidity *big.Int
	sqrtPrice *big.Int
	tick      int32
	mintA     string
	mintB     string
}

func decodeWhirlpool(data []byte) (whirlpoolAccount, error) {
	if len(data) < whirlpoolMinSize {
		return whirlpoolAccount{}, fmt.Errorf("%w: whirlpool has %d bytes", ErrMalformedAccount, len(data))
	}
	acct := whirlpoolAccount{
		liquidity: u128LE(data[liquidityOffset : liquidityOffset+16]),
		sqrtPrice: u128LE(data[sqrtPriceOffset : sqrtPriceOffset+16]),
		tick:      int32(binary.LittleEndian.Uint32(data[tickCurrentOffset : tickCurrentOffset+4])),
		mintA:     base58.Encode(data[mintAOffset : mintAOffset+32]),
		mintB:     base58.Encode(data[mintBOffset : mintBOffset+32]),
	}
	if acct.sqrtPrice.Sign() == 0 {
		return whirlpoolAccount{}, fmt.Errorf("%w: zero sqrt price", ErrMalformedAccount)
	}
	return acct, nil
}

func u128LE(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	return new(big.Int).SetBytes(be)
}

func validateAddress(addr string) error {
	decoded, err := base58.Decode(addr)
	if err != nil || len(decoded) != 32 {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}

var _ Oracle = (*Whirlpool)(nil)
