package oracle

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolwatch/internal/solana"
)

type fakeAccounts struct {
	accounts map[string][]byte
	calls    map[string]int
	err      error
}

func (f *fakeAccounts) GetAccountInfo(ctx context.Context, pubkey string) (*solana.AccountInfo, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[pubkey]++
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.accounts[pubkey]
	if !ok {
		return nil, nil
	}
	return &solana.AccountInfo{Data: data}, nil
}

func key(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 32))
}

func putU128(dst []byte, v *big.Int) {
	be := v.FillBytes(make([]byte, 16))
	for i := 0; i < 16; i++ {
		dst[i] = be[15-i]
	}
}

func whirlpoolData(sqrtPrice *big.Int, liquidity int64, tick int32, mintA, mintB string) []byte {
	data := make([]byte, 653)
	putU128(data[liquidityOffset:], big.NewInt(liquidity))
	putU128(data[sqrtPriceOffset:], sqrtPrice)
	binary.LittleEndian.PutUint32(data[tickCurrentOffset:], uint32(tick))
	a, _ := base58.Decode(mintA)
	b, _ := base58.Decode(mintB)
	copy(data[mintAOffset:], a)
	copy(data[mintBOffset:], b)
	return data
}

func mintData(decimals byte) []byte {
	data := make([]byte, mintMinSize)
	data[mintDecimalsOffset] = decimals
	return data
}

func TestWhirlpoolPoolState(t *testing.T) {
	pool, mintA, mintB := key(1), key(2), key(3)
	sqrt := new(big.Int).Mul(big.NewInt(2), q64)

	rpc := &fakeAccounts{accounts: map[string][]byte{
		pool:  whirlpoolData(sqrt, 123456, -42, mintA, mintB),
		mintA: mintData(9),
		mintB: mintData(6),
	}}
	o := NewWhirlpool(rpc, zerolog.Nop())

	state, err := o.PoolState(context.Background(), pool)
	require.NoError(t, err)

	assert.True(t, state.Price.Equal(decimal.NewFromInt(4000)), "price %s", state.Price)
	assert.True(t, state.Liquidity.Equal(decimal.NewFromInt(123456)))
	assert.Equal(t, int32(-42), state.TickCurrent)
	assert.Equal(t, mintA, state.BaseMint)
	assert.Equal(t, mintB, state.QuoteMint)
	assert.Equal(t, 9, state.BaseDecimals)
	assert.Equal(t, 6, state.QuoteDecimals)

	_, err = o.PoolState(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, 1, rpc.calls[mintA], "mint decimals should be cached")
	assert.Equal(t, 2, rpc.calls[pool])
}

func TestWhirlpoolErrors(t *testing.T) {
	pool, mintA, mintB := key(1), key(2), key(3)
	o := NewWhirlpool(&fakeAccounts{}, zerolog.Nop())

	_, err := o.PoolState(context.Background(), "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = o.PoolState(context.Background(), pool)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	short := NewWhirlpool(&fakeAccounts{accounts: map[string][]byte{pool: make([]byte, 10)}}, zerolog.Nop())
	_, err = short.PoolState(context.Background(), pool)
	assert.ErrorIs(t, err, ErrMalformedAccount)

	noMint := NewWhirlpool(&fakeAccounts{accounts: map[string][]byte{
		pool:  whirlpoolData(q64, 1, 0, mintA, mintB),
		mintA: mintData(6),
	}}, zerolog.Nop())
	_, err = noMint.PoolState(context.Background(), pool)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	boom := errors.New("boom")
	failing := NewWhirlpool(&fakeAccounts{err: boom}, zerolog.Nop())
	_, err = failing.PoolState(context.Background(), pool)
	assert.ErrorIs(t, err, boom)
}

func TestSqrtPriceToPrice(t *testing.T) {
	// sqrt = 0.5 in Q64.64 -> 0.25 raw
	sqrt := new(big.Int).Rsh(q64, 1)
	got := SqrtPriceToPrice(sqrt, 6, 6)
	assert.True(t, got.Equal(decimal.RequireFromString("0.25")), "got %s", got)

	got = SqrtPriceToPrice(sqrt, 6, 9)
	assert.True(t, got.Equal(decimal.RequireFromString("0.00025")), "got %s", got)
}
