package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrConfig reports an unusable scheduler configuration.
	ErrConfig = errors.New("invalid scheduler configuration")
	// ErrAlreadyRunning is returned by Start when the scheduler left Idle.
	ErrAlreadyRunning = errors.New("scheduler already started")
)

// State is the lifecycle position of a Scheduler.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires the first tick right after start instead of
	// waiting one interval.
	RunImmediately bool
}

// Scheduler drives periodic execution of a tick function on one goroutine.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	cycles atomic.Int64
}

// New constructs a Scheduler instance. Options are validated by Start.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Start launches the periodic loop. Only the first call from Idle has an
// effect; later calls return ErrAlreadyRunning.
func (s *Scheduler) Start(ctx context.Context, tick TickFunc) error {
	if s.opts.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrConfig, s.opts.Interval)
	}
	if tick == nil {
		return fmt.Errorf("%w: tick function is nil", ErrConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle {
		return fmt.Errorf("%w (state %s)", ErrAlreadyRunning, s.state)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.state = Running

	go func() {
		defer close(done)
		err := s.Run(loopCtx, tick)
		s.exited(err)
	}()

	s.logger.Info().Dur("interval", s.opts.Interval).Msg("scheduler started")
	return nil
}

// exited records the end of the loop before done is closed, so every
// waiter observes Stopped. Without a Stop in progress the loop ended because
// the parent context went away.
func (s *Scheduler) exited(err error) {
	s.mu.Lock()
	requested := s.state == Stopping
	s.state = Stopped
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	switch {
	case !requested:
		s.logger.Warn().Err(err).Int64("cycles", s.cycles.Load()).Msg("scheduler loop exited without stop")
	case err != nil && !errors.Is(err, context.Canceled):
		s.logger.Error().Err(err).Msg("scheduler loop exited")
	}
}

// Stop interrupts the wait for the next tick, lets an in-flight tick finish
// and returns once the loop has exited. It is a no-op when the scheduler
// never started or has already stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	switch s.state {
	case Running:
		s.state = Stopping
	case Stopping:
		// another Stop owns the transition; just wait for the loop
		done := s.done
		s.mu.Unlock()
		<-done
		return
	default:
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.logger.Info().Int64("cycles", s.cycles.Load()).Msg("scheduler stopped")
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cycles reports how many ticks have completed.
func (s *Scheduler) Cycles() int64 {
	return s.cycles.Load()
}

// Run blocks, invoking the tick function at each interval until ctx is
// cancelled. Ticks run on a context detached from ctx's cancellation.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	tickCtx := context.WithoutCancel(ctx)

	if s.opts.RunImmediately {
		s.execute(tickCtx, tick, s.bucketStart(time.Now().UTC()))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			// Overran at least one interval: skip to the next boundary
			// instead of firing a burst of catch-up ticks.
			skipped := -delay/s.opts.Interval + 1
			next = next.Add(skipped * s.opts.Interval)
			delay = time.Until(next)
			s.logger.Warn().Int64("skipped", int64(skipped)).Msg("tick overran interval")
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		bucket := s.bucketStart(next)
		s.execute(tickCtx, tick, bucket)

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, bucket time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Time("bucket", bucket).Msg("tick panicked")
		}
		s.cycles.Add(1)
	}()

	s.logger.Debug().Time("bucket", bucket).Msg("executing scheduled tick")
	if err := tick(ctx, bucket); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
