package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-relay/internal/signal"
)

func makeSignal(instrument string, seq int) signal.Signal {
	return signal.Signal{
		ID:          fmt.Sprintf("%s-%d", instrument, seq),
		Instrument:  instrument,
		Direction:   signal.Buy,
		EntryPrice:  decimal.NewFromInt(int64(seq + 1)),
		Timeframe:   1,
		Confidence:  70,
		RiskLevel:   signal.RiskFor(70),
		GeneratedAt: time.Unix(int64(seq), 0).UTC(),
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := NewStore(5)
	sig := makeSignal("EURUSD", 1)

	require.NoError(t, s.Put("EURUSD", sig))

	got, ok := s.Get("EURUSD")
	require.True(t, ok)
	assert.Equal(t, sig, got)
}

func TestStore_GetUnknown(t *testing.T) {
	s := NewStore(5)

	_, ok := s.Get("GBPUSD")
	assert.False(t, ok)
	assert.Empty(t, s.History("GBPUSD"))
	assert.NotNil(t, s.History("GBPUSD"))
	assert.Empty(t, s.Instruments())
}

func TestStore_PutRejectsMismatch(t *testing.T) {
	s := NewStore(5)

	assert.ErrorIs(t, s.Put("", makeSignal("EURUSD", 0)), signal.ErrInvalidInput)
	assert.ErrorIs(t, s.Put("GBPUSD", makeSignal("EURUSD", 0)), signal.ErrInvalidInput)
	assert.Empty(t, s.Instruments())
}

func TestStore_HistoryEvictsOldest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Put("EURUSD", makeSignal("EURUSD", i)))
	}

	hist := s.History("EURUSD")
	require.Len(t, hist, 3)
	assert.Equal(t, "EURUSD-3", hist[0].ID)
	assert.Equal(t, "EURUSD-2", hist[1].ID)
	assert.Equal(t, "EURUSD-1", hist[2].ID)

	current, ok := s.Get("EURUSD")
	require.True(t, ok)
	assert.Equal(t, hist[0], current)
}

func TestStore_HistoryBounded_Property(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("history never exceeds capacity and head equals Get", prop.ForAll(
		func(capacity, puts int) bool {
			s := NewStore(capacity)
			for i := 0; i < puts; i++ {
				if err := s.Put("BTCUSD", makeSignal("BTCUSD", i)); err != nil {
					return false
				}
			}

			hist := s.History("BTCUSD")
			want := puts
			if want > capacity {
				want = capacity
			}
			if len(hist) != want {
				return false
			}
			for i := range hist {
				if hist[i].ID != fmt.Sprintf("BTCUSD-%d", puts-1-i) {
					return false
				}
			}
			current, ok := s.Get("BTCUSD")
			return ok && current == hist[0]
		},
		gen.IntRange(1, 25),
		gen.IntRange(1, 80),
	))

	properties.TestingRun(t)
}

func TestStore_ConcurrentDistinctInstruments(t *testing.T) {
	const writers = 32
	const perWriter = 50
	s := NewStore(10)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			inst := fmt.Sprintf("PAIR%02d", w)
			for i := 0; i < perWriter; i++ {
				_ = s.Put(inst, makeSignal(inst, i))
				_, _ = s.Get(inst)
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, s.Instruments(), writers)
	for w := 0; w < writers; w++ {
		inst := fmt.Sprintf("PAIR%02d", w)
		got, ok := s.Get(inst)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("%s-%d", inst, perWriter-1), got.ID)
	}
	assert.Len(t, s.Latest(), writers)
}

func TestStore_ConcurrentSameInstrumentReadsAreWhole(t *testing.T) {
	s := NewStore(4)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = s.Put("EURUSD", makeSignal("EURUSD", i))
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		if got, ok := s.Get("EURUSD"); ok {
			seq := got.GeneratedAt.Unix()
			require.Equal(t, fmt.Sprintf("EURUSD-%d", seq), got.ID)
			require.True(t, got.EntryPrice.Equal(decimal.NewFromInt(seq+1)))
		}
	}
}

func TestStore_Reset(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, DefaultHistorySize, s.Capacity())

	require.NoError(t, s.Put("EURUSD", makeSignal("EURUSD", 0)))
	s.Reset()
	assert.Empty(t, s.Instruments())
}
