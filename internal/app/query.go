package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	sig "signal-relay/internal/signal"
)

// Query prints the current signal of each requested instrument, generating
// on demand exactly as the HTTP query surface does.
func (a *App) Query(ctx context.Context, out io.Writer, opts QueryOptions) error {
	instruments := opts.Instruments
	if len(instruments) == 0 {
		instruments = a.Config.Signals.Instruments
	}
	timeframe := opts.Timeframe
	if timeframe == "" {
		timeframe = a.Config.HTTP.DefaultTimeframe
	}

	eng, err := a.newEngine(nil)
	if err != nil {
		return err
	}
	defer eng.close()
	defer eng.dispatcher.Close()

	signals := make([]sig.Signal, 0, len(instruments))
	for _, inst := range instruments {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := eng.query.Query(inst, timeframe)
		if err != nil {
			return fmt.Errorf("query %s: %w", inst, err)
		}
		signals = append(signals, s)
	}

	return writeTable(out, signals)
}

func writeTable(out io.Writer, signals []sig.Signal) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tInstrument\tDirection\tEntry\tExpiry\tConfidence\tRisk\tRationale")

	for _, s := range signals {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d%%\t%s\t%s\n",
			s.GeneratedAt.UTC().Format(time.RFC3339),
			s.Instrument,
			s.Direction,
			s.EntryPrice.String(),
			sig.FormatTimeframe(s.Timeframe),
			s.Confidence,
			s.RiskLevel,
			sanitizeInline(s.Rationale),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
