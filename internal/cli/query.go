package cli

import (
	"github.com/spf13/cobra"

	"signal-relay/internal/app"
)

var queryTimeframe string

var queryCmd = &cobra.Command{
	Use:   "query [INSTRUMENT...]",
	Short: "Print the current signal of instruments (defaults to the configured list)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Query(cmd.Context(), cmd.OutOrStdout(), app.QueryOptions{
			Instruments: args,
			Timeframe:   queryTimeframe,
		})
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryTimeframe, "timeframe", "", "Timeframe used when a signal must be generated, e.g. 5m (defaults to config)")
}
