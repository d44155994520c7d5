package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var resetStabilityCmd = &cobra.Command{
	Use:   "reset-stability TICKER FRONT BACK",
	Short: "Clear debounce state for one calendar pair (dates as YYYY-MM-DD)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResetStability(cmd.Context(), args[0], args[1], args[2])
	},
}

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete signals older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := getApp().Prune(cmd.Context(), pruneOlderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d signal(s)\n", n)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var (
	userSettings     string
	userSettingsFile string
	subscribeRemove  bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and subscriptions",
}

var userAddCmd = &cobra.Command{
	Use:   "add CHAT_ID",
	Short: "Register a user or replace their settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := []byte(userSettings)
		if userSettingsFile != "" {
			raw, err := os.ReadFile(userSettingsFile)
			if err != nil {
				return err
			}
			settings = raw
		}
		id, err := getApp().AddUser(cmd.Context(), args[0], settings)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var userSubscribeCmd = &cobra.Command{
	Use:   "subscribe CHAT_ID TICKER...",
	Short: "Subscribe a user to tickers",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Subscribe(cmd.Context(), args[0], args[1:], !subscribeRemove)
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Age cutoff (defaults to retention.signal_max_age)")

	userAddCmd.Flags().StringVar(&userSettings, "settings", "", "Signal settings as a JSON document")
	userAddCmd.Flags().StringVar(&userSettingsFile, "settings-file", "", "Read signal settings from a JSON file")
	userAddCmd.MarkFlagsMutuallyExclusive("settings", "settings-file")
	userSubscribeCmd.Flags().BoolVar(&subscribeRemove, "remove", false, "Deactivate the subscriptions instead")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userSubscribeCmd)
}
