package cli

import (
	"github.com/spf13/cobra"

	"forward-factor-alerts/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一条合成期权链，走完扫描、去抖与通知流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Simulate(cmd.Context(), simulateOpts)
		return err
	},
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simulateOpts.Ticker, "ticker", "SIM", "标的代码")
	f.Float64Var(&simulateOpts.Price, "price", 100, "标的价格")
	f.IntVar(&simulateOpts.FrontDTE, "front-dte", 30, "近月剩余天数")
	f.IntVar(&simulateOpts.BackDTE, "back-dte", 60, "远月剩余天数")
	f.Float64Var(&simulateOpts.FrontIV, "front-iv", 0.45, "近月隐含波动率")
	f.Float64Var(&simulateOpts.BackIV, "back-iv", 0.35, "远月隐含波动率")
	f.IntVar(&simulateOpts.Scans, "scans", 3, "扫描次数")
	f.Float64Var(&simulateOpts.Drift, "drift", 0, "每次扫描近月 IV 的变化量")
}
