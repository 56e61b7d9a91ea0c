package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"signal-relay/internal/signal"
)

// Sink is an opaque delivery target for signals. Implementations should
// honour ctx; the dispatcher abandons calls that outlive its deadline.
type Sink interface {
	Send(ctx context.Context, sig signal.Signal) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, sig signal.Signal) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, sig signal.Signal) error {
	return f(ctx, sig)
}

// TelegramSink pushes rendered signals to one chat through the Bot API.
type TelegramSink struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramSink constructs a Bot API sink bound to chatID.
func NewTelegramSink(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramSink{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "sink_telegram").Logger(),
	}
}

// Send calls sendMessage with the rendered signal.
func (n *TelegramSink) Send(ctx context.Context, sig signal.Signal) error {
	payload := map[string]string{
		"chat_id":    n.chatID,
		"text":       RenderMessage(sig),
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false: %s", result.Description)
		}
	}

	n.logger.Debug().Str("instrument", sig.Instrument).
		Str("signal_id", sig.ID).
		Msg("signal sent to telegram chat")
	return nil
}

// RenderMessage formats a signal for chat delivery.
func RenderMessage(sig signal.Signal) string {
	arrow := "🟢"
	if sig.Direction == signal.Sell {
		arrow = "🔴"
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("%s *%s %s*\n", arrow, sig.Instrument, sig.Direction))
	builder.WriteString(fmt.Sprintf("Entry: %s\n", sig.EntryPrice.String()))
	builder.WriteString(fmt.Sprintf("Expiry: %s\n", signal.FormatTimeframe(sig.Timeframe)))
	builder.WriteString(fmt.Sprintf("Confidence: %d%% (risk %s)\n", sig.Confidence, sig.RiskLevel))
	if sig.Rationale != "" {
		builder.WriteString(fmt.Sprintf("Why: %s\n", sig.Rationale))
	}
	builder.WriteString(fmt.Sprintf("Generated: %s UTC", sig.GeneratedAt.UTC().Format(time.RFC3339)))
	return builder.String()
}

var _ Sink = (*TelegramSink)(nil)
var _ Sink = SinkFunc(nil)
