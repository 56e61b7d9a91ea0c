package subscription

import (
	"sort"
	"sync"
	"time"

	"signal-relay/internal/alerting"
)

// Subscriber is an external identity opted in to pushes together with the
// sink used to reach it.
type Subscriber struct {
	Identity string
	Sink     alerting.Sink
	Since    time.Time
	// Generation changes every time the identity's sink is (re)registered.
	Generation uint64
}

type entry struct {
	seq uint64
	sub Subscriber
}

// Registry owns the subscriber set. Mutations are serialized; Snapshot
// returns a copy so callers never iterate live state.
type Registry struct {
	mu      sync.RWMutex
	seq     uint64
	entries map[string]entry
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Subscribe registers identity. Re-subscribing replaces the sink and keeps
// its first position and subscription time. It reports whether the
// identity was new.
func (r *Registry) Subscribe(identity string, sink alerting.Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if e, ok := r.entries[identity]; ok {
		e.sub.Sink = sink
		e.sub.Generation = r.seq
		r.entries[identity] = e
		return false
	}

	r.entries[identity] = entry{
		seq: r.seq,
		sub: Subscriber{Identity: identity, Sink: sink, Since: r.now().UTC(), Generation: r.seq},
	}
	return true
}

// Unsubscribe removes identity and reports whether it was present.
func (r *Registry) Unsubscribe(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[identity]; !ok {
		return false
	}
	delete(r.entries, identity)
	return true
}

// UnsubscribeIf removes identity only while it is still registered with the
// given generation, so a sink replaced by a newer Subscribe survives.
func (r *Registry) UnsubscribeIf(identity string, generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok || e.sub.Generation != generation {
		return false
	}
	delete(r.entries, identity)
	return true
}

// Contains reports whether identity is subscribed.
func (r *Registry) Contains(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[identity]
	return ok
}

// Len returns the number of subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot copies the subscriber set in subscription order.
func (r *Registry) Snapshot() []Subscriber {
	r.mu.RLock()
	entries := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Subscriber, len(entries))
	for i, e := range entries {
		out[i] = e.sub
	}
	return out
}
