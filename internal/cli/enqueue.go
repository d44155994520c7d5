package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"forward-factor-alerts/internal/app"
)

var enqueueDiscovery bool

var enqueueCmd = &cobra.Command{
	Use:   "enqueue TICKER...",
	Short: "Queue manual scan jobs for the running scanners",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := getApp().Enqueue(cmd.Context(), app.EnqueueOptions{
			Tickers:   args,
			Discovery: enqueueDiscovery,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d ticker(s)\n", n)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().BoolVar(&enqueueDiscovery, "discovery", false, "Push onto the discovery queue instead of the scan queue")
}
