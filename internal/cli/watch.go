package cli

import (
	"time"

	"github.com/spf13/cobra"

	"poolwatch/internal/app"
)

var (
	watchURL         string
	watchWallet      string
	watchDelay       time.Duration
	watchMaxAttempts int
)

var watchCmd = &cobra.Command{
	Use:   "watch-events",
	Short: "Connect to a hub and print events as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().WatchEvents(cmd.Context(), app.WatchOptions{
			URL:            watchURL,
			Wallet:         watchWallet,
			ReconnectDelay: watchDelay,
			MaxAttempts:    watchMaxAttempts,
		})
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "Hub websocket URL (defaults to hub.listen_addr)")
	watchCmd.Flags().StringVar(&watchWallet, "wallet", "", "Owner key to subscribe with")
	watchCmd.Flags().DurationVar(&watchDelay, "reconnect-delay", 3*time.Second, "Fixed delay between reconnect attempts")
	watchCmd.Flags().IntVar(&watchMaxAttempts, "max-attempts", 5, "Consecutive failed attempts before giving up")
}
