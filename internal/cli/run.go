package cli

import (
	"github.com/spf13/cobra"

	"forward-factor-alerts/internal/service"
)

var runRoles []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the alert service",
	Long: `Run one or more service roles in this process:

  scheduler  tier registry, scan dispatch and discovery refresh
  scanner    scan queue workers
  notifier   notification fan-out and Telegram button callbacks
  reminders  expiry reminders for placed trades
  http       /healthz and /metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		roles, err := service.ParseRoles(runRoles)
		if err != nil {
			return err
		}
		return getApp().Run(cmd.Context(), roles)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runRoles, "role", nil, "Roles to run (comma separated, default all)")
}
