package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Recorder groups the Prometheus collectors of the relay.
type Recorder struct {
	registry prometheus.Gatherer

	cycles           prometheus.Counter
	generated        *prometheus.CounterVec
	generationErrors *prometheus.CounterVec
	cycleDuration    prometheus.Histogram

	published        prometheus.Counter
	deliveries       *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	dropped          prometheus.Counter
	pruned           prometheus.Counter
	workers          prometheus.Gauge

	queries *prometheus.CounterVec
}

// New registers every collector on reg. Use a fresh prometheus.Registry per
// process; registering twice on the same registry panics.
func New(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		cycles: f.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_cycles_total",
			Help: "Completed generation cycles",
		}),
		generated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_relay_signals_generated_total",
			Help: "Signals generated per instrument",
		}, []string{"instrument"}),
		generationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_relay_generation_errors_total",
			Help: "Per-instrument failures inside a cycle",
		}, []string{"stage"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signal_relay_cycle_duration_seconds",
			Help:    "Duration of a generation cycle",
			Buckets: prometheus.DefBuckets,
		}),
		published: f.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_published_total",
			Help: "Signals handed to the dispatcher",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_relay_deliveries_total",
			Help: "Delivery attempts by outcome",
		}, []string{"outcome"}),
		deliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signal_relay_delivery_duration_seconds",
			Help:    "Duration of a single sink delivery",
			Buckets: prometheus.DefBuckets,
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_deliveries_dropped_total",
			Help: "Queued signals discarded because a subscriber fell behind",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_subscribers_pruned_total",
			Help: "Subscribers removed after consecutive delivery failures",
		}),
		workers: f.NewGauge(prometheus.GaugeOpts{
			Name: "signal_relay_dispatch_workers",
			Help: "Active per-subscriber delivery workers",
		}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_relay_queries_total",
			Help: "On-demand queries by result",
		}, []string{"result"}),
	}
}

// NewNop returns a recorder bound to a private registry.
func NewNop() *Recorder {
	return New(prometheus.NewRegistry())
}

// Gatherer exposes the registry for the /metrics handler.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordCycle records a finished generation cycle.
func (r *Recorder) RecordCycle(seconds float64) {
	r.cycles.Inc()
	r.cycleDuration.Observe(seconds)
}

// RecordGenerated counts one stored signal.
func (r *Recorder) RecordGenerated(instrument string) {
	r.generated.WithLabelValues(instrument).Inc()
}

// RecordGenerationError counts a skipped instrument; stage is "generate" or "store".
func (r *Recorder) RecordGenerationError(stage string) {
	r.generationErrors.WithLabelValues(stage).Inc()
}

// RecordPublished counts a publish call.
func (r *Recorder) RecordPublished() {
	r.published.Inc()
}

// RecordDelivery records one delivery attempt.
func (r *Recorder) RecordDelivery(outcome string, seconds float64) {
	r.deliveries.WithLabelValues(outcome).Inc()
	r.deliveryDuration.Observe(seconds)
}

// RecordDropped counts a discarded queued signal.
func (r *Recorder) RecordDropped() {
	r.dropped.Inc()
}

// RecordPruned counts an auto-removed subscriber.
func (r *Recorder) RecordPruned() {
	r.pruned.Inc()
}

// SetWorkers sets the live worker gauge.
func (r *Recorder) SetWorkers(n int) {
	r.workers.Set(float64(n))
}

// RecordQuery counts an on-demand query; result is "hit", "miss" or "invalid".
func (r *Recorder) RecordQuery(result string) {
	r.queries.WithLabelValues(result).Inc()
}
