package hub

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the client's connection state as seen by its caller.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateDisconnected State = "disconnected"
)

// ClientOptions tune reconnection.
type ClientOptions struct {
	// Wallet, when set, is re-announced with SUBSCRIBE after every connect.
	Wallet         string
	ReconnectDelay time.Duration
	MaxAttempts    int
	Dialer         *websocket.Dialer
}

// Client consumes hub events, reconnecting with a fixed delay up to a
// bounded number of consecutive failed attempts.
type Client struct {
	url     string
	opts    ClientOptions
	logger  zerolog.Logger
	state   atomic.Value
	onState func(State)
}

// NewClient builds a client for the hub at url (ws:// or wss://).
func NewClient(url string, opts ClientOptions, logger zerolog.Logger) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	c := &Client{
		url:    url,
		opts:   opts,
		logger: logger.With().Str("component", "hub_client").Logger(),
	}
	c.state.Store(StateDisconnected)
	return c
}

// OnStateChange registers a callback for state transitions. Call before Run.
func (c *Client) OnStateChange(fn func(State)) {
	c.onState = fn
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.Load().(State)
}

// Run connects and delivers decoded events to handle until ctx ends or the
// attempt cap is reached. Giving up is not an error: Run returns nil and the
// state is left at disconnected.
func (c *Client) Run(ctx context.Context, handle func(Event, time.Time)) error {
	failures := 0
	for {
		c.setState(StateConnecting)
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return ctx.Err()
			}
			failures++
			c.logger.Warn().Err(err).Int("attempt", failures).Int("max_attempts", c.opts.MaxAttempts).Msg("hub connect failed")
			if failures >= c.opts.MaxAttempts {
				c.setState(StateDisconnected)
				c.logger.Info().Msg("giving up on hub connection")
				return nil
			}
			if err := c.wait(ctx); err != nil {
				return err
			}
			continue
		}

		failures = 0
		c.setState(StateOpen)
		err = c.session(ctx, conn, handle)
		_ = conn.Close()
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info().Err(err).Msg("hub connection lost; reconnecting")
		if err := c.wait(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn, handle func(Event, time.Time)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if c.opts.Wallet != "" {
		msg, err := EncodeClientMessage(ClientMessage{Type: TypeSubscribe, Wallet: c.opts.Wallet})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, ts, err := DecodeEvent(data)
		if err != nil {
			if errors.Is(err, ErrUnknownMessageType) {
				c.logger.Debug().Err(err).Msg("ignoring unknown event")
			} else {
				c.logger.Warn().Err(err).Msg("ignoring malformed event")
			}
			continue
		}
		handle(ev, ts)
	}
}

func (c *Client) wait(ctx context.Context) error {
	timer := time.NewTimer(c.opts.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.setState(StateDisconnected)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) setState(s State) {
	if c.state.Swap(s) == s {
		return
	}
	if c.onState != nil {
		c.onState(s)
	}
}
