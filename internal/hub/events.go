package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MessageType tags every frame on the wire.
type MessageType string

const (
	TypeSubscribe       MessageType = "SUBSCRIBE"
	TypeUnsubscribe     MessageType = "UNSUBSCRIBE"
	TypePositionsUpdate MessageType = "POSITIONS_UPDATE"
	TypePoolUpdate      MessageType = "POOL_UPDATE"
	TypePriceUpdate     MessageType = "PRICE_UPDATE"
	TypeConnection      MessageType = "CONNECTION"
)

// Connection statuses carried by CONNECTION events.
const (
	StatusConnected    = "connected"
	StatusSubscribed   = "subscribed"
	StatusUnsubscribed = "unsubscribed"
)

var (
	// ErrUnknownMessageType rejects frames whose type tag is not recognised
	// in the current direction.
	ErrUnknownMessageType = errors.New("hub: unknown message type")
	// ErrMissingWallet rejects SUBSCRIBE frames without an owner key.
	ErrMissingWallet = errors.New("hub: subscribe requires a wallet")
)

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Wallet    string          `json:"wallet,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Event is one of PositionUpdate, PoolUpdate, PriceUpdate or Connection.
type Event interface {
	Type() MessageType
	owner() string
}

// PositionUpdate signals that positions owned by Wallet changed.
type PositionUpdate struct {
	Wallet     string `json:"wallet"`
	PositionID string `json:"positionId,omitempty"`
	PoolID     string `json:"poolId,omitempty"`
	Action     string `json:"action,omitempty"`
}

// PoolUpdate signals a change to a pool or to the watched pool itself.
type PoolUpdate struct {
	PoolID      string           `json:"poolId"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	TickCurrent *int32           `json:"tickCurrent,omitempty"`
	LowerBound  *decimal.Decimal `json:"lowerBound,omitempty"`
	UpperBound  *decimal.Decimal `json:"upperBound,omitempty"`
}

// PriceUpdate carries one oriented price observation.
type PriceUpdate struct {
	PoolID     string          `json:"poolId"`
	Price      decimal.Decimal `json:"price"`
	Inverted   bool            `json:"inverted"`
	LowerBound decimal.Decimal `json:"lowerBound"`
	UpperBound decimal.Decimal `json:"upperBound"`
	Armed      bool            `json:"armed"`
	InRange    bool            `json:"inRange"`
}

// Connection acknowledges connection and subscription changes.
type Connection struct {
	ConnectionID string `json:"connectionId"`
	Status       string `json:"status"`
	Wallet       string `json:"wallet,omitempty"`
}

func (PositionUpdate) Type() MessageType { return TypePositionsUpdate }
func (PoolUpdate) Type() MessageType { return TypePoolUpdate }
func (PriceUpdate) Type() MessageType { return TypePriceUpdate }
func (Connection) Type() MessageType { return TypeConnection }

func (e PositionUpdate) owner() string { return e.Wallet }
func (PoolUpdate) owner() string { return "" }
func (PriceUpdate) owner() string { return "" }
func (e Connection) owner() string { return e.Wallet }

// Encode renders an event as a wire frame stamped with at.
func Encode(ev Event, at time.Time) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{
		Type:      ev.Type(),
		Data:      data,
		Wallet:    ev.owner(),
		Timestamp: at.UnixMilli(),
	})
}

// DecodeEvent parses a server-to-client frame. The returned time is zero when
// the frame carried no timestamp.
func DecodeEvent(raw []byte) (Event, time.Time, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode envelope: %w", err)
	}

	var ts time.Time
	if env.Timestamp > 0 {
		ts = time.UnixMilli(env.Timestamp).UTC()
	}

	switch env.Type {
	case TypePositionsUpdate:
		var ev PositionUpdate
		if err := decodeData(env, &ev); err != nil {
			return nil, ts, err
		}
		if ev.Wallet == "" {
			ev.Wallet = env.Wallet
		}
		return ev, ts, nil
	case TypePoolUpdate:
		var ev PoolUpdate
		if err := decodeData(env, &ev); err != nil {
			return nil, ts, err
		}
		if ev.PoolID == "" {
			return nil, ts, fmt.Errorf("%s: missing poolId", env.Type)
		}
		return ev, ts, nil
	case TypePriceUpdate:
		var ev PriceUpdate
		if err := decodeData(env, &ev); err != nil {
			return nil, ts, err
		}
		return ev, ts, nil
	case TypeConnection:
		var ev Connection
		if err := decodeData(env, &ev); err != nil {
			return nil, ts, err
		}
		if ev.Wallet == "" {
			ev.Wallet = env.Wallet
		}
		return ev, ts, nil
	case TypeSubscribe, TypeUnsubscribe:
		return nil, ts, fmt.Errorf("%w: %s is a client control message", ErrUnknownMessageType, env.Type)
	default:
		return nil, ts, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// ClientMessage is a client-to-server control frame.
type ClientMessage struct {
	Type   MessageType
	Wallet string
}

// DecodeClientMessage parses SUBSCRIBE and UNSUBSCRIBE frames. The wallet may
// sit on the envelope or inside data.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeSubscribe:
		wallet := env.Wallet
		if wallet == "" && len(env.Data) > 0 {
			var data struct {
				Wallet string `json:"wallet"`
			}
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return ClientMessage{}, fmt.Errorf("decode subscribe data: %w", err)
			}
			wallet = data.Wallet
		}
		if wallet == "" {
			return ClientMessage{}, ErrMissingWallet
		}
		return ClientMessage{Type: TypeSubscribe, Wallet: wallet}, nil
	case TypeUnsubscribe:
		return ClientMessage{Type: TypeUnsubscribe}, nil
	case TypePositionsUpdate, TypePoolUpdate, TypePriceUpdate, TypeConnection:
		return ClientMessage{}, fmt.Errorf("%w: %s is server-originated", ErrUnknownMessageType, env.Type)
	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// EncodeClientMessage renders a control frame.
func EncodeClientMessage(msg ClientMessage) ([]byte, error) {
	return json.Marshal(Envelope{Type: msg.Type, Wallet: msg.Wallet})
}

func decodeData(env Envelope, dst interface{}) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s data: %w", env.Type, err)
	}
	return nil
}
