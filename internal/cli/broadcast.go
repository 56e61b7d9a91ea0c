package cli

import (
	"github.com/spf13/cobra"

	"signal-relay/internal/app"
)

var (
	broadcastInstrument string
	broadcastTimeframe  string
)

var broadcastTestCmd = &cobra.Command{
	Use:   "broadcast-test",
	Short: "Send one generated signal through every configured broadcast channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().BroadcastTest(cmd.Context(), app.BroadcastTestOptions{
			Instrument: broadcastInstrument,
			Timeframe:  broadcastTimeframe,
		})
	},
}

func init() {
	broadcastTestCmd.Flags().StringVar(&broadcastInstrument, "instrument", "", "Instrument of the test signal (defaults to the first configured)")
	broadcastTestCmd.Flags().StringVar(&broadcastTimeframe, "timeframe", "", "Timeframe of the test signal (defaults to config)")
}
