package service

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"signal-relay/internal/metrics"
	"signal-relay/internal/signal"
	"signal-relay/internal/storage"
)

// QueryService answers point-in-time queries from the store, generating a
// signal on first request for an instrument. It never publishes.
type QueryService struct {
	factory signal.Factory
	store   *storage.Store
	metrics *metrics.Recorder
	logger  zerolog.Logger

	// one lock per queryable instrument; fixed after construction, it also
	// serves as the allow-list and collapses concurrent misses
	locks map[string]*sync.Mutex
}

// NewQueryService builds a read facade over store. Only instruments listed
// in instruments can be queried; others are rejected as invalid input so
// callers cannot grow the store with arbitrary identifiers.
func NewQueryService(factory signal.Factory, store *storage.Store, instruments []string, recorder *metrics.Recorder, logger zerolog.Logger) *QueryService {
	if recorder == nil {
		recorder = metrics.NewNop()
	}
	q := &QueryService{
		factory: factory,
		store:   store,
		metrics: recorder,
		logger:  logger.With().Str("component", "query").Logger(),
		locks:   make(map[string]*sync.Mutex, len(instruments)),
	}
	for _, raw := range instruments {
		inst, err := signal.NormalizeInstrument(raw)
		if err != nil {
			q.logger.Warn().Err(err).Msg("ignoring queryable instrument")
			continue
		}
		q.locks[inst] = &sync.Mutex{}
	}
	return q
}

// Query returns the current signal of instrument, generating and storing
// one with timeframe if none exists yet.
func (q *QueryService) Query(instrument, timeframe string) (signal.Signal, error) {
	inst, err := signal.NormalizeInstrument(instrument)
	if err != nil {
		q.metrics.RecordQuery("invalid")
		return signal.Signal{}, err
	}
	minutes, err := signal.ParseTimeframe(timeframe)
	if err != nil {
		q.metrics.RecordQuery("invalid")
		return signal.Signal{}, err
	}

	mu, ok := q.locks[inst]
	if !ok {
		q.metrics.RecordQuery("invalid")
		return signal.Signal{}, fmt.Errorf("%w: instrument %s is not configured", signal.ErrInvalidInput, inst)
	}

	if sig, ok := q.store.Get(inst); ok {
		q.metrics.RecordQuery("hit")
		return sig, nil
	}

	mu.Lock()
	defer mu.Unlock()

	if sig, ok := q.store.Get(inst); ok {
		q.metrics.RecordQuery("hit")
		return sig, nil
	}

	sig, err := q.factory.Generate(inst, minutes)
	if err != nil {
		q.metrics.RecordQuery("invalid")
		return signal.Signal{}, err
	}
	if err := q.store.Put(sig.Instrument, sig); err != nil {
		return signal.Signal{}, fmt.Errorf("store on-demand signal: %w", err)
	}

	q.metrics.RecordQuery("miss")
	q.logger.Debug().Str("instrument", inst).Int("timeframe", minutes).Msg("generated signal on demand")
	return sig, nil
}

// History returns the stored history of instrument, most recent first.
func (q *QueryService) History(instrument string) ([]signal.Signal, error) {
	inst, err := signal.NormalizeInstrument(instrument)
	if err != nil {
		return nil, err
	}
	return q.store.History(inst), nil
}

// Latest returns the current signal of every known instrument.
func (q *QueryService) Latest() []signal.Signal {
	return q.store.Latest()
}
