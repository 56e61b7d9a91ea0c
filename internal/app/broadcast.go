package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	sig "signal-relay/internal/signal"
)

// BroadcastTest pushes one generated signal through every configured
// broadcast channel and reports per-channel outcomes. Chat and WebSocket
// subscribers only exist while the service runs, so they are not reached.
func (a *App) BroadcastTest(ctx context.Context, opts BroadcastTestOptions) error {
	eng, err := a.newEngine(nil)
	if err != nil {
		return err
	}
	defer eng.close()
	defer eng.dispatcher.Close()

	errs := a.attachBroadcasts(ctx, eng)
	subs := eng.registry.Snapshot()
	if len(subs) == 0 {
		return errors.Join(append(errs, errors.New("no broadcast channel configured"))...)
	}

	instrument := opts.Instrument
	if instrument == "" {
		instrument = a.Config.Signals.Instruments[0]
	}
	timeframe := opts.Timeframe
	if timeframe == "" {
		timeframe = a.Config.HTTP.DefaultTimeframe
	}
	minutes, err := sig.ParseTimeframe(timeframe)
	if err != nil {
		return err
	}
	s, err := eng.factory.Generate(instrument, minutes)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		sendCtx, cancel := context.WithTimeout(ctx, a.Config.Dispatcher.DeliveryTimeout)
		start := time.Now()
		err := sub.Sink.Send(sendCtx, s)
		cancel()

		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.Identity, err))
			a.Logger.Error().Err(err).Str("subscriber", sub.Identity).Msg("broadcast test failed")
			continue
		}
		a.Logger.Info().Str("subscriber", sub.Identity).
			Dur("latency", time.Since(start)).
			Str("signal_id", s.ID).
			Msg("broadcast test delivered")
	}
	return errors.Join(errs...)
}
