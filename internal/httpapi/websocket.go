package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"signal-relay/internal/alerting"
)

const maxClientMessage = 512

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWebSocket upgrades the request and keeps the client subscribed until
// it disconnects or the server shuts down. Client messages are ignored.
func (s *Server) serveWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already replied
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	identity := "ws:" + uuid.NewString()
	sink := alerting.NewWebSocketSink(conn)
	logger := s.logger.With().Str("subscriber", identity).Logger()

	s.deps.Subscriptions.Subscribe(identity, sink)
	defer s.deps.Subscriptions.Unsubscribe(identity)
	logger.Info().Msg("websocket client subscribed")

	if err := sink.Hello(c.Request().Context()); err != nil {
		logger.Warn().Err(err).Msg("websocket greeting failed")
		return nil
	}

	pongWait := 2 * s.opts.PingInterval
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			logger.Info().Msg("websocket client disconnected")
			return nil
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return nil
		case <-ticker.C:
			if err := sink.Ping(); err != nil {
				logger.Info().Err(err).Msg("websocket ping failed")
				return nil
			}
		}
	}
}
