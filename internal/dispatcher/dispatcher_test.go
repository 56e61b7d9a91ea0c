package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-relay/internal/alerting"
	"signal-relay/internal/signal"
	"signal-relay/internal/subscription"
)

func sig(id string) signal.Signal {
	return signal.Signal{ID: id, Instrument: "EURUSD", Direction: signal.Buy, Timeframe: 1}
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) sink() alerting.Sink {
	return alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		r.mu.Lock()
		r.ids = append(r.ids, s.ID)
		r.mu.Unlock()
		return nil
	})
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newDispatcher(reg *subscription.Registry, opts Options) *Dispatcher {
	return New(reg, opts, nil, zerolog.Nop())
}

func TestDispatcher_FansOutToAllSubscribers(t *testing.T) {
	reg := subscription.NewRegistry()
	recs := make([]*recorder, 5)
	for i := range recs {
		recs[i] = &recorder{}
		reg.Subscribe(fmt.Sprintf("tg:%d", i), recs[i].sink())
	}

	d := newDispatcher(reg, Options{Timeout: time.Second})
	d.Publish(sig("a"))
	d.Publish(sig("b"))
	d.Close()

	for _, r := range recs {
		assert.Equal(t, []string{"a", "b"}, r.got())
	}
}

func TestDispatcher_SlowSinkDoesNotDelayOthers(t *testing.T) {
	const timeout = 200 * time.Millisecond
	reg := subscription.NewRegistry()

	reg.Subscribe("slow", alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		// ignores ctx on purpose
		time.Sleep(2 * time.Second)
		return nil
	}))

	fastAt := make(chan time.Time, 1)
	reg.Subscribe("fast", alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		fastAt <- time.Now()
		return nil
	}))

	d := newDispatcher(reg, Options{Timeout: timeout})

	start := time.Now()
	d.Publish(sig("x"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "publish must not block")

	select {
	case at := <-fastAt:
		assert.Less(t, at.Sub(start), timeout)
	case <-time.After(timeout):
		t.Fatal("fast subscriber was delayed by the slow one")
	}

	d.Close()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 2*timeout, "slow delivery should be abandoned at the timeout")
}

func TestDispatcher_PrunesAfterConsecutiveFailures(t *testing.T) {
	reg := subscription.NewRegistry()
	var calls atomic.Int32
	reg.Subscribe("dead", alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		calls.Add(1)
		return errors.New("chat not found")
	}))
	healthy := &recorder{}
	reg.Subscribe("ok", healthy.sink())

	d := newDispatcher(reg, Options{Timeout: time.Second, MaxFailures: 3})
	for i := 0; i < 5; i++ {
		d.Publish(sig(fmt.Sprint(i)))
	}
	d.Close()

	assert.False(t, reg.Contains("dead"))
	assert.True(t, reg.Contains("ok"))
	assert.Equal(t, int32(3), calls.Load(), "no attempts after pruning")
	assert.Len(t, healthy.got(), 5)
}

func TestDispatcher_PruneSparesResubscribedSink(t *testing.T) {
	reg := subscription.NewRegistry()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	reg.Subscribe("chat", alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		if calls.Add(1) == 2 {
			close(entered)
			<-release
		}
		return errors.New("forbidden")
	}))

	d := newDispatcher(reg, Options{Timeout: time.Second, MaxFailures: 2})
	d.Publish(sig("1"))
	d.Publish(sig("2"))

	<-entered
	fresh := &recorder{}
	assert.False(t, reg.Subscribe("chat", fresh.sink()))
	close(release)

	d.Publish(sig("3"))
	d.Close()

	assert.True(t, reg.Contains("chat"), "stale failures must not remove the new sink")
	assert.Equal(t, []string{"3"}, fresh.got())
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_FailureStreakResetsOnResubscribe(t *testing.T) {
	reg := subscription.NewRegistry()
	var calls atomic.Int32
	failing := alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		calls.Add(1)
		return errors.New("blocked")
	})
	reg.Subscribe("chat", failing)

	d := newDispatcher(reg, Options{Timeout: time.Second, MaxFailures: 3})
	d.Publish(sig("1"))
	d.Publish(sig("2"))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	// registering again starts a new streak even with the same sink
	reg.Subscribe("chat", failing)
	d.Publish(sig("3"))
	d.Publish(sig("4"))
	d.Close()

	assert.Equal(t, int32(4), calls.Load())
	assert.True(t, reg.Contains("chat"))
}

func TestDispatcher_SuccessResetsFailureCounter(t *testing.T) {
	script := []bool{false, false, true, false, false}
	reg := subscription.NewRegistry()
	var n atomic.Int32
	reg.Subscribe("flaky", alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		i := int(n.Add(1)) - 1
		if i < len(script) && script[i] {
			return nil
		}
		return errors.New("boom")
	}))

	d := newDispatcher(reg, Options{Timeout: time.Second, MaxFailures: 3})
	for i := range script {
		d.Publish(sig(fmt.Sprint(i)))
	}
	d.Close()
	assert.True(t, reg.Contains("flaky"), "two failures after a success must not prune")

	d = newDispatcher(reg, Options{Timeout: time.Second, MaxFailures: 3})
	for i := 0; i < 3; i++ {
		d.Publish(sig(fmt.Sprint(i)))
	}
	d.Close()
	assert.False(t, reg.Contains("flaky"))
}

func TestDispatcher_TimeoutCountsAsFailure(t *testing.T) {
	reg := subscription.NewRegistry()
	reg.Subscribe("hang", alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	d := newDispatcher(reg, Options{Timeout: 20 * time.Millisecond, MaxFailures: 2})
	d.Publish(sig("1"))
	d.Publish(sig("2"))
	d.Close()

	assert.False(t, reg.Contains("hang"))
}

func TestDispatcher_PanickingSinkIsContained(t *testing.T) {
	reg := subscription.NewRegistry()
	reg.Subscribe("panic", alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		panic("sink exploded")
	}))
	healthy := &recorder{}
	reg.Subscribe("ok", healthy.sink())

	d := newDispatcher(reg, Options{Timeout: time.Second, MaxFailures: 1})
	assert.NotPanics(t, func() { d.Publish(sig("1")) })
	d.Close()

	assert.False(t, reg.Contains("panic"))
	assert.Equal(t, []string{"1"}, healthy.got())
}

func TestDispatcher_PerSubscriberOrderingAndNoOverlap(t *testing.T) {
	reg := subscription.NewRegistry()
	var inFlight, maxInFlight atomic.Int32
	rec := &recorder{}
	inner := rec.sink()
	reg.Subscribe("ordered", alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return inner.Send(ctx, s)
	}))

	d := newDispatcher(reg, Options{Timeout: time.Second, QueueSize: 32})
	want := make([]string, 20)
	for i := range want {
		want[i] = fmt.Sprint(i)
		d.Publish(sig(want[i]))
	}
	d.Close()

	assert.Equal(t, want, rec.got())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestDispatcher_DropsOldestWhenBacklogFull(t *testing.T) {
	reg := subscription.NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{}
	inner := rec.sink()
	var once sync.Once
	reg.Subscribe("behind", alerting.SinkFunc(func(ctx context.Context, s signal.Signal) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return inner.Send(ctx, s)
	}))

	d := newDispatcher(reg, Options{Timeout: 5 * time.Second, QueueSize: 1})
	d.Publish(sig("1"))
	<-started
	d.Publish(sig("2"))
	d.Publish(sig("3"))
	close(release)
	d.Close()

	assert.Equal(t, []string{"1", "3"}, rec.got())
}

func TestDispatcher_RetiresWorkersOfUnsubscribedIdentities(t *testing.T) {
	reg := subscription.NewRegistry()
	rec := &recorder{}
	reg.Subscribe("a", rec.sink())

	d := newDispatcher(reg, Options{Timeout: time.Second})
	d.Publish(sig("1"))
	assert.Equal(t, 1, d.Workers())

	reg.Unsubscribe("a")
	d.Publish(sig("2"))
	assert.Equal(t, 0, d.Workers())

	d.Close()
	assert.Equal(t, []string{"1"}, rec.got())
}

func TestDispatcher_PublishAfterCloseIsIgnored(t *testing.T) {
	reg := subscription.NewRegistry()
	rec := &recorder{}
	reg.Subscribe("a", rec.sink())

	d := newDispatcher(reg, Options{})
	d.Close()
	d.Close()
	d.Publish(sig("late"))

	assert.Empty(t, rec.got())
	assert.Equal(t, 0, d.Workers())
}

func TestDeliveryError_Unwraps(t *testing.T) {
	err := &DeliveryError{Identity: "tg:1", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "tg:1")
}

var _ Registry = (*subscription.Registry)(nil)

func TestDispatcher_NoSubscribers(t *testing.T) {
	d := newDispatcher(subscription.NewRegistry(), Options{})
	require.NotPanics(t, func() { d.Publish(sig("1")) })
	d.Close()
}
