package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"signal-relay/internal/report"
	sig "signal-relay/internal/signal"
)

// Export runs generation cycles offline against a fresh store, stamping
// each cycle one scheduler interval apart, and writes the resulting
// history as CSV and/or a PNG chart. Nothing is published.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Cycles <= 0 {
		opts.Cycles = a.Config.Signals.HistorySize
	}
	if opts.PNGPath != "" && opts.Instrument == "" {
		opts.Instrument = a.Config.Signals.Instruments[0]
	}
	if opts.Instrument != "" {
		inst, err := requireInstrument(opts.Instrument)
		if err != nil {
			return err
		}
		opts.Instrument = inst
	}

	eng, err := a.newEngine(nil)
	if err != nil {
		return err
	}
	defer eng.close()
	defer eng.dispatcher.Close()

	interval := a.Config.Scheduler.Interval
	start := time.Now().UTC().Truncate(interval).Add(-time.Duration(opts.Cycles-1) * interval)
	var current time.Time
	eng.factory.SetClock(func() time.Time { return current })

	for i := 0; i < opts.Cycles; i++ {
		current = start.Add(time.Duration(i) * interval)
		if err := eng.service.RunCycle(ctx, current); err != nil {
			return fmt.Errorf("cycle %d: %w", i+1, err)
		}
	}

	signals := a.collect(eng, opts.Instrument)
	a.Logger.Info().Int("cycles", opts.Cycles).Int("exported", len(signals)).Msg("exporting signals")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(f *os.File) error { return report.WriteCSV(f, signals) }); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(f *os.File) error { return report.RenderChart(f, opts.Instrument, signals) }); err != nil {
			return err
		}
	}
	return nil
}

// collect returns the retained history of instrument, or of every
// instrument when empty, oldest first.
func (a *App) collect(e *engine, instrument string) []sig.Signal {
	instruments := e.store.Instruments()
	if instrument != "" {
		instruments = []string{instrument}
	}

	var signals []sig.Signal
	for _, inst := range instruments {
		signals = append(signals, e.store.History(inst)...)
	}
	slices.SortStableFunc(signals, func(x, y sig.Signal) int {
		if c := x.GeneratedAt.Compare(y.GeneratedAt); c != 0 {
			return c
		}
		return strings.Compare(x.Instrument, y.Instrument)
	})
	return signals
}

func writeFile(path string, write func(*os.File) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
