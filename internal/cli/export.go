package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"signal-relay/internal/app"
)

var (
	exportCycles     int
	exportInstrument string
	exportPNGPath    string
	exportCSVPath    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Run generation cycles offline and export them as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportCycles < 0 {
			return fmt.Errorf("--cycles must not be negative")
		}

		opts := app.ExportOptions{
			Cycles:     exportCycles,
			Instrument: exportInstrument,
			PNGPath:    exportPNGPath,
			CSVPath:    exportCSVPath,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().IntVar(&exportCycles, "cycles", 0, "Number of cycles to simulate (defaults to signals.history_size)")
	exportCmd.Flags().StringVar(&exportInstrument, "instrument", "", "Restrict the export to one instrument (required for a chart; defaults to the first configured)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
}
