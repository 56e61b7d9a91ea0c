package storage

import (
	"fmt"
	"sort"
	"sync"

	"signal-relay/internal/signal"
)

// DefaultHistorySize is used when the configured capacity is not positive.
const DefaultHistorySize = 20

// Store keeps the latest Signal per instrument plus a bounded history.
// Signals are values, so readers always observe a complete one.
type Store struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]*ring
}

// NewStore creates an empty store keeping up to capacity signals per instrument.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &Store{
		capacity: capacity,
		entries:  make(map[string]*ring),
	}
}

// Capacity reports the per-instrument history bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// Put replaces the current signal of instrument and appends it to history.
func (s *Store) Put(instrument string, sig signal.Signal) error {
	if instrument == "" {
		return fmt.Errorf("%w: empty instrument", signal.ErrInvalidInput)
	}
	if sig.Instrument != instrument {
		return fmt.Errorf("%w: signal for %q stored under %q", signal.ErrInvalidInput, sig.Instrument, instrument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[instrument]
	if !ok {
		r = newRing(s.capacity)
		s.entries[instrument] = r
	}
	r.push(sig)
	return nil
}

// Get returns the current signal of instrument.
func (s *Store) Get(instrument string) (signal.Signal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.entries[instrument]
	if !ok {
		return signal.Signal{}, false
	}
	return r.newest(), true
}

// History returns stored signals of instrument, most recent first.
func (s *Store) History(instrument string) []signal.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.entries[instrument]
	if !ok {
		return []signal.Signal{}
	}
	return r.newestFirst()
}

// Instruments lists every instrument with at least one stored signal.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for inst := range s.entries {
		out = append(out, inst)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Latest returns the current signal of each instrument ordered by instrument.
func (s *Store) Latest() []signal.Signal {
	s.mu.RLock()
	out := make([]signal.Signal, 0, len(s.entries))
	for _, r := range s.entries {
		out = append(out, r.newest())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Reset drops every entry. Called on shutdown.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = make(map[string]*ring)
	s.mu.Unlock()
}

// ring is a fixed-capacity FIFO; the oldest element is overwritten first.
type ring struct {
	items []signal.Signal
	next  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]signal.Signal, capacity)}
}

func (r *ring) push(sig signal.Signal) {
	r.items[r.next] = sig
	r.next = (r.next + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

func (r *ring) newest() signal.Signal {
	idx := (r.next - 1 + len(r.items)) % len(r.items)
	return r.items[idx]
}

func (r *ring) newestFirst() []signal.Signal {
	out := make([]signal.Signal, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.next - 1 - i + 2*len(r.items)) % len(r.items)
		out[i] = r.items[idx]
	}
	return out
}
