package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"forward-factor-alerts/internal/app"
)

var (
	showLimit  int
	showTicker string
	showTiers  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent signals or the scan registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Ticker: showTicker,
			Tiers:  showTiers,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of signals to display")
	showCmd.Flags().StringVar(&showTicker, "ticker", "", "Only show signals for this ticker")
	showCmd.Flags().BoolVar(&showTiers, "tiers", false, "Show the ticker tier registry instead of signals")
}
