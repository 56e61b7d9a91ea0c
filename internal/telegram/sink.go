package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"

	"signal-relay/internal/alerting"
	"signal-relay/internal/signal"
)

// chatSink pushes signals to one chat through the bot connection.
type chatSink struct {
	api    botAPI
	chatID int64
}

func (s *chatSink) Send(ctx context.Context, sig signal.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(s.chatID, alerting.RenderMessage(sig))
	msg.ParseMode = parseMode
	if _, err := s.api.Send(msg); err != nil {
		return fmt.Errorf("send to chat %d: %w", s.chatID, err)
	}
	return nil
}

var _ alerting.Sink = (*chatSink)(nil)
