package cli

import (
	"github.com/spf13/cobra"

	"poolwatch/internal/app"
)

var seedCmd = &cobra.Command{
	Use:   "seed-config",
	Short: "Write the watched pool and bounds to the remote configuration document",
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts app.SeedOptions
		flags := cmd.Flags()
		if flags.Changed("pool") {
			v, _ := flags.GetString("pool")
			opts.PoolID = &v
		}
		if flags.Changed("lower") {
			v, _ := flags.GetString("lower")
			opts.LowerBound = &v
		}
		if flags.Changed("upper") {
			v, _ := flags.GetString("upper")
			opts.UpperBound = &v
		}
		return getApp().SeedConfig(cmd.Context(), opts)
	},
}

func init() {
	seedCmd.Flags().String("pool", "", "Pool address to watch")
	seedCmd.Flags().String("lower", "", "Lower price bound (0 with --upper 0 disarms alerts)")
	seedCmd.Flags().String("upper", "", "Upper price bound")
}
