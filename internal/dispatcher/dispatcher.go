package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"signal-relay/internal/alerting"
	"signal-relay/internal/metrics"
	"signal-relay/internal/signal"
	"signal-relay/internal/subscription"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultMaxFailures = 5
	defaultQueueSize   = 16
)

// Registry is the subscriber source the dispatcher reads and prunes.
type Registry interface {
	Snapshot() []subscription.Subscriber
	UnsubscribeIf(identity string, generation uint64) bool
}

// Options tune delivery behaviour.
type Options struct {
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// MaxFailures consecutive failures remove the subscriber from the registry.
	MaxFailures int
	// QueueSize is the per-subscriber backlog; the oldest signal is dropped on overflow.
	QueueSize int
}

// DeliveryError describes a failed attempt to reach one subscriber.
type DeliveryError struct {
	Identity string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Identity, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type job struct {
	sink alerting.Sink
	gen  uint64
	sig  signal.Signal
}

// worker serializes deliveries for one identity.
type worker struct {
	identity string
	queue    chan job
	failures int
	gen      uint64 // registry generation the failure streak belongs to
	pruned   atomic.Bool
}

// Dispatcher fans published signals out to every subscriber. Each
// subscriber has its own worker goroutine, so a slow sink only delays itself.
type Dispatcher struct {
	registry Registry
	opts     Options
	logger   zerolog.Logger
	metrics  *metrics.Recorder

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// New constructs a dispatcher over registry.
func New(registry Registry, opts Options, recorder *metrics.Recorder, logger zerolog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if recorder == nil {
		recorder = metrics.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		metrics:  recorder,
		workers:  make(map[string]*worker),
	}
}

// Publish queues sig for every current subscriber and returns immediately.
// Delivery outcomes are only visible through logs and metrics.
func (d *Dispatcher) Publish(sig signal.Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	// Snapshot under d.mu so a concurrent prune either precedes the
	// snapshot or retires the worker after this enqueue.
	subs := d.registry.Snapshot()
	d.metrics.RecordPublished()

	live := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		live[sub.Identity] = struct{}{}
		w, ok := d.workers[sub.Identity]
		if !ok {
			w = d.spawnLocked(sub.Identity)
		}
		d.enqueueLocked(w, job{sink: sub.Sink, gen: sub.Generation, sig: sig})
	}

	for id, w := range d.workers {
		if _, ok := live[id]; !ok {
			d.retireLocked(id, w)
		}
	}
	d.metrics.SetWorkers(len(d.workers))

	d.logger.Debug().Str("instrument", sig.Instrument).
		Int("subscribers", len(subs)).
		Msg("signal published")
}

// Workers reports the number of live delivery workers.
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Close stops accepting signals, lets workers drain their queues and waits
// for them to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, w := range d.workers {
		d.retireLocked(id, w)
	}
	d.metrics.SetWorkers(0)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) spawnLocked(identity string) *worker {
	w := &worker{
		identity: identity,
		queue:    make(chan job, d.opts.QueueSize),
	}
	d.workers[identity] = w
	d.wg.Add(1)
	go d.run(w)
	return w
}

func (d *Dispatcher) retireLocked(identity string, w *worker) {
	delete(d.workers, identity)
	close(w.queue)
}

func (d *Dispatcher) enqueueLocked(w *worker, j job) {
	select {
	case w.queue <- j:
		return
	default:
	}

	// Backlog full: discard the oldest queued signal to make room.
	select {
	case <-w.queue:
		d.metrics.RecordDropped()
	default:
	}
	select {
	case w.queue <- j:
	default:
		d.metrics.RecordDropped()
	}
	d.logger.Warn().Str("identity", w.identity).Msg("subscriber backlog full, dropped oldest signal")
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	for j := range w.queue {
		if w.pruned.Load() {
			continue
		}
		d.deliver(w, j)
	}
}

func (d *Dispatcher) deliver(w *worker, j job) {
	if j.gen != w.gen {
		w.gen = j.gen
		w.failures = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sink panic: %v", r)
			}
		}()
		done <- j.sink.Send(ctx, j.sig)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	elapsed := time.Since(start).Seconds()

	if err == nil {
		d.metrics.RecordDelivery(metrics.OutcomeSuccess, elapsed)
		w.failures = 0
		return
	}

	outcome := metrics.OutcomeError
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = metrics.OutcomeTimeout
	}
	d.metrics.RecordDelivery(outcome, elapsed)
	w.failures++

	derr := &DeliveryError{Identity: w.identity, Err: err}
	d.logger.Warn().Err(derr).
		Str("identity", w.identity).
		Str("instrument", j.sig.Instrument).
		Int("consecutive_failures", w.failures).
		Msg("delivery failed")

	if w.failures >= d.opts.MaxFailures {
		d.prune(w, j.gen)
	}
}

func (d *Dispatcher) prune(w *worker, gen uint64) {
	if !d.registry.UnsubscribeIf(w.identity, gen) {
		// The identity re-subscribed with a new sink or left on its own.
		d.logger.Info().Str("identity", w.identity).
			Int("failures", w.failures).
			Msg("failing sink already replaced, subscriber kept")
		w.failures = 0
		return
	}
	w.pruned.Store(true)

	d.mu.Lock()
	if cur, ok := d.workers[w.identity]; ok && cur == w {
		d.retireLocked(w.identity, w)
	}
	d.metrics.SetWorkers(len(d.workers))
	d.mu.Unlock()

	d.metrics.RecordPruned()
	d.logger.Warn().Str("identity", w.identity).
		Int("failures", w.failures).
		Msg("subscriber removed after repeated delivery failures")
	w.failures = 0
}
