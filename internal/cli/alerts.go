package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"poolwatch/internal/app"
)

var (
	showLimit  int
	showSource string

	simulatePool    string
	simulatePrice   string
	simulateLower   string
	simulateUpper   string
	simulateStartup bool
)

var showAlertsCmd = &cobra.Command{
	Use:   "show-alerts",
	Short: "Display recent alert audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Source: showSource,
		}

		return getApp().ShowAlerts(cmd.Context(), opts)
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次越界价格并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice == "" {
			return errors.New("--price 必须提供")
		}

		price, err := decimal.NewFromString(simulatePrice)
		if err != nil {
			return fmt.Errorf("invalid --price: %w", err)
		}
		lower, err := decimal.NewFromString(simulateLower)
		if err != nil {
			return fmt.Errorf("invalid --lower: %w", err)
		}
		upper, err := decimal.NewFromString(simulateUpper)
		if err != nil {
			return fmt.Errorf("invalid --upper: %w", err)
		}

		_, err = getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			PoolID:      simulatePool,
			Price:       price,
			LowerBound:  lower,
			UpperBound:  upper,
			StartupTest: simulateStartup,
		})
		return err
	},
}

func init() {
	showAlertsCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showAlertsCmd.Flags().StringVar(&showSource, "source", "", "Audit source: postgres or redis (defaults to postgres when configured)")

	simulateCmd.Flags().StringVar(&simulatePool, "pool", "", "池地址，默认使用 monitor.pool_address")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "模拟价格 (quote per base)")
	simulateCmd.Flags().StringVar(&simulateLower, "lower", "0", "区间下限")
	simulateCmd.Flags().StringVar(&simulateUpper, "upper", "0", "区间上限")
	simulateCmd.Flags().BoolVar(&simulateStartup, "startup-test", false, "发送启动测试消息，不写入审计")
}
