package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-relay/internal/alerting"
	"signal-relay/internal/metrics"
	"signal-relay/internal/scheduler"
	"signal-relay/internal/service"
	"signal-relay/internal/signal"
	"signal-relay/internal/storage"
	"signal-relay/internal/subscription"
)

type fixedFactory struct {
	mu    sync.Mutex
	calls int
}

func (f *fixedFactory) Generate(instrument string, timeframe int) (signal.Signal, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	return signal.Signal{
		ID:          fmt.Sprintf("sig-%d", n),
		Instrument:  instrument,
		Direction:   signal.Buy,
		EntryPrice:  decimal.RequireFromString("1.08512").Add(decimal.New(int64(n), -4)),
		Timeframe:   timeframe,
		Confidence:  82,
		RiskLevel:   signal.RiskFor(82),
		Rationale:   "test",
		GeneratedAt: time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC).Add(time.Duration(n) * time.Minute),
	}, nil
}

type stateStub scheduler.State

func (s stateStub) State() scheduler.State { return scheduler.State(s) }

type fixture struct {
	server   *Server
	store    *storage.Store
	factory  *fixedFactory
	registry *subscription.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	factory := &fixedFactory{}
	store := storage.NewStore(storage.DefaultHistorySize)
	registry := subscription.NewRegistry()
	recorder := metrics.New(prometheus.NewRegistry())
	query := service.NewQueryService(factory, store, []string{"EURUSD", "BTCUSD", "GBPUSD", "AUDUSD"}, recorder, zerolog.Nop())

	srv := New(Options{
		DefaultInstrument: "EURUSD",
		DefaultTimeframe:  "1m",
		Instruments:       []string{"EURUSD", "BTCUSD"},
		Timeframes:        []string{"1m", "5m"},
		WebSocketPath:     "/ws",
		PingInterval:      time.Second,
		MetricsPath:       "/metrics",
	}, Dependencies{
		Query:         query,
		Subscriptions: registry,
		Status:        stateStub(scheduler.Running),
		Gatherer:      recorder.Gatherer(),
	}, zerolog.Nop())

	return &fixture{server: srv, store: store, factory: factory, registry: registry}
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, rec.Code, env.Status)
	return env
}

func TestGetSignal_Defaults(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/signal")
	require.Equal(t, http.StatusOK, rec.Code)

	var sig signal.Signal
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &sig))
	assert.Equal(t, "EURUSD", sig.Instrument)
	assert.Equal(t, 1, sig.Timeframe)
	assert.Equal(t, signal.RiskLow, sig.RiskLevel)
}

func TestGetSignal_ServesStoredSignal(t *testing.T) {
	f := newFixture(t)

	first := f.get(t, "/api/signal?instrument=btc/usd&timeframe=5m")
	second := f.get(t, "/api/signal?instrument=BTCUSD&timeframe=1m")
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b signal.Signal
	require.NoError(t, json.Unmarshal(decode(t, first).Data, &a))
	require.NoError(t, json.Unmarshal(decode(t, second).Data, &b))
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 5, b.Timeframe)
	assert.Equal(t, 1, f.factory.calls)
}

func TestGetSignal_InvalidInput(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{
		"/api/signal?instrument=E$",
		"/api/signal?instrument=EURUSD&timeframe=soon",
		"/api/signal?instrument=" + strings.Repeat("X", 30),
	} {
		rec := f.get(t, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		env := decode(t, rec)
		assert.Equal(t, "Bad Request", env.Message)
	}
	assert.Zero(t, f.factory.calls)
}

func TestGetSignal_UnconfiguredInstrumentRejected(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 20; i++ {
		rec := f.get(t, fmt.Sprintf("/api/signal?instrument=ZZ%07d", i))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	assert.Zero(t, f.factory.calls)
	assert.Empty(t, f.store.Instruments())
}

func TestListSignals(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/api/signal?instrument=GBPUSD")
	f.get(t, "/api/signal?instrument=AUDUSD")

	rec := f.get(t, "/api/signals")
	require.Equal(t, http.StatusOK, rec.Code)

	var latest []signal.Signal
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &latest))
	require.Len(t, latest, 2)
	assert.Equal(t, "AUDUSD", latest[0].Instrument)
	assert.Equal(t, "GBPUSD", latest[1].Instrument)
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		sig, _ := f.factory.Generate("EURUSD", 1)
		require.NoError(t, f.store.Put("EURUSD", sig))
	}

	rec := f.get(t, "/api/signals/eurusd/history?limit=3")
	require.Equal(t, http.StatusOK, rec.Code)

	var history []signal.Signal
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &history))
	require.Len(t, history, 3)
	assert.Equal(t, "sig-5", history[0].ID)
	assert.Equal(t, "sig-3", history[2].ID)

	rec = f.get(t, "/api/signals/EURUSD/history?limit=9999")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/api/signals/NZDUSD/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", string(decode(t, rec).Data))
}

func TestGetChart(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/signals/EURUSD/chart.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for i := 0; i < 3; i++ {
		sig, _ := f.factory.Generate("EURUSD", 1)
		require.NoError(t, f.store.Put("EURUSD", sig))
	}
	rec = f.get(t, "/api/signals/EURUSD/chart.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))
}

func TestListPairsAndHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/pairs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"instruments":["EURUSD","BTCUSD"],"timeframes":["1m","5m"]}`, string(decode(t, rec).Data))

	rec = f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &health))
	assert.Equal(t, "running", health.State)
	assert.Zero(t, health.Subscribers)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/api/signal")

	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "signal_relay_")
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found", decode(t, rec).Message)
}

func TestWebSocketSubscription(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var hello alerting.Envelope
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "subscribed", hello.Type)

	subs := f.registry.Snapshot()
	require.Len(t, subs, 1)
	assert.True(t, strings.HasPrefix(subs[0].Identity, "ws:"))

	sig, _ := f.factory.Generate("EURUSD", 5)
	require.NoError(t, subs[0].Sink.Send(context.Background(), sig))

	var frame alerting.Envelope
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "signal", frame.Type)
	require.NotNil(t, frame.Data)
	assert.Equal(t, sig.ID, frame.Data.ID)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello alerting.Envelope
	require.NoError(t, conn.ReadJSON(&hello))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
