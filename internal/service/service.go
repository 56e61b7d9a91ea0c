package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"signal-relay/internal/metrics"
	"signal-relay/internal/scheduler"
	"signal-relay/internal/signal"
	"signal-relay/internal/storage"
)

// Publisher receives every signal produced by a cycle.
type Publisher interface {
	Publish(sig signal.Signal)
}

// Options configure the generation cycle.
type Options struct {
	Instruments []string
	// Timeframes lists candidate expiries in minutes; one is drawn per
	// instrument and cycle. A single entry makes the timeframe fixed.
	Timeframes []int
	// Pick chooses an index in [0,n); nil uses a pseudo-random choice.
	Pick func(n int) int
}

// Service runs the generate → store → publish cycle on a scheduler.
type Service struct {
	scheduler *scheduler.Scheduler
	factory   signal.Factory
	store     *storage.Store
	publisher Publisher
	metrics   *metrics.Recorder
	logger    zerolog.Logger

	instruments []string
	timeframes  []int
	pick        func(n int) int
}

// New constructs the generation service.
func New(opts Options, sched *scheduler.Scheduler, factory signal.Factory, store *storage.Store, publisher Publisher, recorder *metrics.Recorder, logger zerolog.Logger) *Service {
	pick := opts.Pick
	if pick == nil {
		pick = randomIndex
	}
	timeframes := opts.Timeframes
	if len(timeframes) == 0 {
		timeframes = []int{1}
	}
	if recorder == nil {
		recorder = metrics.NewNop()
	}

	return &Service{
		scheduler:   sched,
		factory:     factory,
		store:       store,
		publisher:   publisher,
		metrics:     recorder,
		logger:      logger.With().Str("component", "service").Logger(),
		instruments: append([]string(nil), opts.Instruments...),
		timeframes:  append([]int(nil), timeframes...),
		pick:        pick,
	}
}

// Start validates the instrument set and starts the periodic cycle.
func (s *Service) Start(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("%w: scheduler not configured", scheduler.ErrConfig)
	}
	if len(s.instruments) == 0 {
		return fmt.Errorf("%w: instrument list is empty", scheduler.ErrConfig)
	}
	for _, tf := range s.timeframes {
		if tf <= 0 {
			return fmt.Errorf("%w: timeframe %d must be positive", scheduler.ErrConfig, tf)
		}
	}
	return s.scheduler.Start(ctx, s.RunCycle)
}

// Stop ends the periodic cycle after the in-flight one completes.
func (s *Service) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// State exposes the scheduler lifecycle for health reporting.
func (s *Service) State() scheduler.State {
	if s.scheduler == nil {
		return scheduler.Idle
	}
	return s.scheduler.State()
}

// RunCycle generates one signal per instrument, stores it and publishes it.
// Failures are contained per instrument.
func (s *Service) RunCycle(ctx context.Context, bucket time.Time) error {
	start := time.Now()
	produced := 0

	for _, instrument := range s.instruments {
		if err := ctx.Err(); err != nil {
			return err
		}

		timeframe := s.timeframes[s.pick(len(s.timeframes))]
		sig, err := s.factory.Generate(instrument, timeframe)
		if err != nil {
			s.metrics.RecordGenerationError("generate")
			s.logger.Error().Err(err).Str("instrument", instrument).Msg("signal generation failed")
			continue
		}

		if err := s.store.Put(sig.Instrument, sig); err != nil {
			s.metrics.RecordGenerationError("store")
			s.logger.Error().Err(err).Str("instrument", sig.Instrument).Msg("failed to store signal")
			continue
		}
		s.metrics.RecordGenerated(sig.Instrument)

		if s.publisher != nil {
			s.publisher.Publish(sig)
		}
		produced++

		s.logger.Debug().Str("instrument", sig.Instrument).
			Str("direction", string(sig.Direction)).
			Int("confidence", sig.Confidence).
			Msg("signal generated")
	}

	s.metrics.RecordCycle(time.Since(start).Seconds())
	s.logger.Info().Time("bucket", bucket).
		Int("produced", produced).
		Int("instruments", len(s.instruments)).
		Msg("cycle complete")

	if produced == 0 {
		return errors.New("cycle produced no signals")
	}
	return nil
}

func randomIndex(n int) int {
	return rand.IntN(n)
}
