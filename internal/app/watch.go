package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"poolwatch/internal/hub"
)

// WatchOptions configure the watch-events command.
type WatchOptions struct {
	URL            string
	Wallet         string
	ReconnectDelay time.Duration
	MaxAttempts    int
}

type watchLine struct {
	Type      hub.MessageType `json:"type"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Data      hub.Event       `json:"data"`
}

// WatchEvents connects to a hub and prints every event as one JSON line.
func (a *App) WatchEvents(ctx context.Context, opts WatchOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.URL == "" {
		opts.URL = a.defaultHubURL()
	}

	client := hub.NewClient(opts.URL, hub.ClientOptions{
		Wallet:         opts.Wallet,
		ReconnectDelay: opts.ReconnectDelay,
		MaxAttempts:    opts.MaxAttempts,
	}, a.Logger)
	client.OnStateChange(func(s hub.State) {
		a.Logger.Info().Str("state", string(s)).Str("url", opts.URL).Msg("hub connection state")
	})

	enc := json.NewEncoder(a.Out)
	err := client.Run(ctx, func(ev hub.Event, ts time.Time) {
		line := watchLine{Type: ev.Type(), Data: ev}
		if !ts.IsZero() {
			line.Timestamp = &ts
		}
		if err := enc.Encode(line); err != nil {
			a.Logger.Warn().Err(err).Msg("write event failed")
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if client.State() == hub.StateDisconnected && ctx.Err() == nil {
		fmt.Fprintln(a.Out, "disconnected")
	}
	return nil
}

func (a *App) defaultHubURL() string {
	addr := a.Config.Hub.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + "/ws"
}
