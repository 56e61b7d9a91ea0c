package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signal-relay/internal/signal"
)

const defaultWriteWait = 10 * time.Second

// Envelope frames every message pushed to WebSocket clients.
type Envelope struct {
	Type string         `json:"type"`
	Data *signal.Signal `json:"data,omitempty"`
}

// WebSocketSink writes signals as JSON frames to one client connection.
type WebSocketSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

// Send implements Sink.
func (s *WebSocketSink) Send(ctx context.Context, sig signal.Signal) error {
	return s.write(ctx, Envelope{Type: "signal", Data: &sig})
}

// Ping writes a control frame; used by the connection keepalive loop.
func (s *WebSocketSink) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait))
}

// Hello announces the subscription to the client.
func (s *WebSocketSink) Hello(ctx context.Context) error {
	return s.write(ctx, Envelope{Type: "subscribed"})
}

func (s *WebSocketSink) write(ctx context.Context, env Envelope) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set websocket deadline: %w", err)
	}
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

var _ Sink = (*WebSocketSink)(nil)
