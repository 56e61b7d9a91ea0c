package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-relay/internal/signal"
)

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisSink_PublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewRedisSink(pub, "signals")

	require.NoError(t, sink.Send(context.Background(), testSignal()))
	assert.Equal(t, "signals", pub.channel)

	var got signal.Signal
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, "EURUSD", got.Instrument)
	assert.Equal(t, signal.RiskLow, got.RiskLevel)
}

func TestRedisSink_Error(t *testing.T) {
	sink := NewRedisSink(&fakePublisher{err: errors.New("connection refused")}, "signals")
	err := sink.Send(context.Background(), testSignal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func TestKafkaSink_KeysByInstrument(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w)

	require.NoError(t, sink.Send(context.Background(), testSignal()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "EURUSD", string(w.msgs[0].Key))
	assert.True(t, strings.Contains(string(w.msgs[0].Value), `"entry_price":"1.08512"`))
}

func TestNewKafkaWriter_Validation(t *testing.T) {
	_, err := NewKafkaWriter(KafkaOptions{Topic: "signals"})
	assert.Error(t, err)

	_, err = NewKafkaWriter(KafkaOptions{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	w, err := NewKafkaWriter(KafkaOptions{Brokers: []string{"localhost:9092"}, Topic: "signals"})
	require.NoError(t, err)
	assert.Equal(t, "signals", w.Topic)
}

func TestWebSocketSink_WritesEnvelope(t *testing.T) {
	upgrader := websocket.Upgrader{}
	sent := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sent <- err
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sent <- NewWebSocketSink(conn).Send(ctx, testSignal())

		// keep the connection open until the client has read the frame
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	var env Envelope
	require.NoError(t, client.ReadJSON(&env))
	require.NoError(t, <-sent)

	assert.Equal(t, "signal", env.Type)
	require.NotNil(t, env.Data)
	assert.Equal(t, "sig-1", env.Data.ID)
}
