package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/rs/zerolog"

	"signal-relay/internal/alerting"
	"signal-relay/internal/scheduler"
	"signal-relay/internal/signal"
)

const (
	// IdentityPrefix marks registry identities owned by chat subscribers.
	IdentityPrefix = "tg:"

	parseMode = "Markdown"
)

type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) (tgbotapi.UpdatesChannel, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Querier answers /signal.
type Querier interface {
	Query(instrument, timeframe string) (signal.Signal, error)
}

// Subscriptions is the registry the bot writes chat subscribers to.
type Subscriptions interface {
	Subscribe(identity string, sink alerting.Sink) bool
	Unsubscribe(identity string) bool
	Contains(identity string) bool
}

// StatusReporter answers /status.
type StatusReporter interface {
	State() scheduler.State
}

// Options configure command defaults and polling.
type Options struct {
	Instruments       []string
	Timeframes        []string
	DefaultInstrument string
	DefaultTimeframe  string
	PollTimeout       int
}

// Bot serves chat commands and turns /subscribe into push deliveries.
type Bot struct {
	api    botAPI
	stop   func()
	query  Querier
	subs   Subscriptions
	status StatusReporter
	opts   Options
	logger zerolog.Logger
}

// NewBot connects to the Bot API with token and verifies it.
func NewBot(token string, client *http.Client, opts Options, query Querier, subs Subscriptions, status StatusReporter, logger zerolog.Logger) (*Bot, error) {
	if client == nil {
		client = http.DefaultClient
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, client)
	if err != nil {
		return nil, fmt.Errorf("error creating bot: %w", err)
	}
	b := newBot(api, opts, query, subs, status, logger)
	b.stop = api.StopReceivingUpdates
	b.logger.Info().Str("username", api.Self.UserName).Msg("telegram bot authorized")
	return b, nil
}

func newBot(api botAPI, opts Options, query Querier, subs Subscriptions, status StatusReporter, logger zerolog.Logger) *Bot {
	if opts.DefaultInstrument == "" {
		opts.DefaultInstrument = "EURUSD"
	}
	if opts.DefaultTimeframe == "" {
		opts.DefaultTimeframe = "1m"
	}
	return &Bot{
		api:    api,
		query:  query,
		subs:   subs,
		status: status,
		opts:   opts,
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

// Run polls for updates and handles them one at a time until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.PollTimeout

	updates, err := b.api.GetUpdatesChan(u)
	if err != nil {
		return fmt.Errorf("telegram updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if b.stop != nil {
				b.stop()
			}
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handle(ctx, update)
		}
	}
}

func (b *Bot) handle(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}

	chatID := msg.Chat.ID
	logger := b.logger.With().Int64("chat_id", chatID).Str("command", msg.Command()).Logger()
	logger.Debug().Msg("command received")

	var r reply
	switch msg.Command() {
	case "start", "help":
		r = markdown(b.helpText())
	case "subscribe":
		r = markdown(b.subscribe(chatID))
	case "unsubscribe":
		r = markdown(b.unsubscribe(chatID))
	case "signal":
		r = b.signal(msg.CommandArguments())
	case "pairs":
		r = markdown(b.pairs())
	case "status":
		r = markdown(b.statusText(chatID))
	default:
		r = plain("Unknown command. Try /help.")
	}

	if err := ctx.Err(); err != nil {
		return
	}
	out := tgbotapi.NewMessage(chatID, r.text)
	out.ParseMode = r.parseMode
	if _, err := b.api.Send(out); err != nil {
		logger.Warn().Err(err).Msg("failed to reply")
	}
}

func (b *Bot) helpText() string {
	return strings.Join([]string{
		"*Signal relay*",
		"/subscribe - receive every new signal",
		"/unsubscribe - stop receiving signals",
		"/signal [PAIR] [TF] - current signal, e.g. `/signal EURUSD 5m`",
		"/pairs - instruments and timeframes",
		"/status - service and subscription status",
	}, "\n")
}

func (b *Bot) subscribe(chatID int64) string {
	if b.subs.Subscribe(Identity(chatID), &chatSink{api: b.api, chatID: chatID}) {
		b.logger.Info().Int64("chat_id", chatID).Msg("chat subscribed")
		return "Subscribed. New signals will be pushed to this chat."
	}
	return "This chat is already subscribed."
}

func (b *Bot) unsubscribe(chatID int64) string {
	if b.subs.Unsubscribe(Identity(chatID)) {
		b.logger.Info().Int64("chat_id", chatID).Msg("chat unsubscribed")
		return "Unsubscribed."
	}
	return "This chat was not subscribed."
}

// reply is an outgoing chat message. Text that may echo user input is sent
// without a parse mode so Telegram never rejects it as malformed markup.
type reply struct {
	text      string
	parseMode string
}

func markdown(text string) reply { return reply{text: text, parseMode: parseMode} }

func plain(text string) reply { return reply{text: text} }

func (b *Bot) signal(args string) reply {
	instrument, timeframe := b.opts.DefaultInstrument, b.opts.DefaultTimeframe
	fields := strings.Fields(args)
	if len(fields) > 0 {
		instrument = fields[0]
	}
	if len(fields) > 1 {
		timeframe = fields[1]
	}

	sig, err := b.query.Query(instrument, timeframe)
	if err != nil {
		if errors.Is(err, signal.ErrInvalidInput) {
			return plain("Invalid request: " + err.Error())
		}
		b.logger.Error().Err(err).Str("instrument", instrument).Msg("query failed")
		return plain("Could not produce a signal right now.")
	}
	return markdown(alerting.RenderMessage(sig))
}

func (b *Bot) pairs() string {
	return fmt.Sprintf("Instruments: %s\nTimeframes: %s",
		strings.Join(b.opts.Instruments, ", "),
		strings.Join(b.opts.Timeframes, ", "))
}

func (b *Bot) statusText(chatID int64) string {
	state := "unknown"
	if b.status != nil {
		state = b.status.State().String()
	}
	subscribed := "no"
	if b.subs.Contains(Identity(chatID)) {
		subscribed = "yes"
	}
	return fmt.Sprintf("Generator: %s\nSubscribed: %s", state, subscribed)
}

// Identity is the registry identity of a chat.
func Identity(chatID int64) string {
	return IdentityPrefix + strconv.FormatInt(chatID, 10)
}
