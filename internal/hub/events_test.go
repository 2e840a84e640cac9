package hub

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEvent(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := Encode(PositionUpdate{Wallet: "abc", PositionID: "pos-1", Action: "opened"}, at)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"POSITIONS_UPDATE","wallet":"abc","timestamp":1740830400000,
		"data":{"wallet":"abc","positionId":"pos-1","action":"opened"}}`, string(raw))

	ev, ts, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, at, ts)
	assert.Equal(t, PositionUpdate{Wallet: "abc", PositionID: "pos-1", Action: "opened"}, ev)
}

func TestDecodeEventVariants(t *testing.T) {
	ev, _, err := DecodeEvent([]byte(`{"type":"PRICE_UPDATE","data":{"poolId":"p","price":"175.5","inverted":true,"lowerBound":"180","upperBound":"200","armed":true,"inRange":false}}`))
	require.NoError(t, err)
	price, ok := ev.(PriceUpdate)
	require.True(t, ok)
	assert.True(t, price.Price.Equal(decimal.RequireFromString("175.5")))
	assert.True(t, price.Inverted)

	ev, _, err = DecodeEvent([]byte(`{"type":"POOL_UPDATE","data":{"poolId":"p","tickCurrent":-5}}`))
	require.NoError(t, err)
	pool := ev.(PoolUpdate)
	require.NotNil(t, pool.TickCurrent)
	assert.Equal(t, int32(-5), *pool.TickCurrent)

	ev, _, err = DecodeEvent([]byte(`{"type":"CONNECTION","data":{"connectionId":"c1","status":"connected"}}`))
	require.NoError(t, err)
	assert.Equal(t, Connection{ConnectionID: "c1", Status: StatusConnected}, ev)
}

func TestDecodeEventRejects(t *testing.T) {
	_, _, err := DecodeEvent([]byte(`{"type":"BOGUS"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, _, err = DecodeEvent([]byte(`{"type":"SUBSCRIBE","wallet":"abc"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, _, err = DecodeEvent([]byte(`{"type":"POOL_UPDATE","data":{}}`))
	assert.Error(t, err)

	_, _, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"SUBSCRIBE","wallet":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, ClientMessage{Type: TypeSubscribe, Wallet: "abc"}, msg)

	msg, err = DecodeClientMessage([]byte(`{"type":"SUBSCRIBE","data":{"wallet":"def"}}`))
	require.NoError(t, err)
	assert.Equal(t, "def", msg.Wallet)

	msg, err = DecodeClientMessage([]byte(`{"type":"UNSUBSCRIBE"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeUnsubscribe, msg.Type)

	_, err = DecodeClientMessage([]byte(`{"type":"SUBSCRIBE"}`))
	assert.ErrorIs(t, err, ErrMissingWallet)

	_, err = DecodeClientMessage([]byte(`{"type":"PRICE_UPDATE"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = DecodeClientMessage([]byte(`{"type":"HELLO"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}
