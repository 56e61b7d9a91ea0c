package signal

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidInput marks a malformed instrument or timeframe.
var ErrInvalidInput = errors.New("invalid input")

// Direction is the recommended side of a signal.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// RiskLevel is derived from confidence, see RiskFor.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

const (
	lowRiskConfidence    = 80
	mediumRiskConfidence = 65

	minInstrumentLen = 3
	maxInstrumentLen = 12
)

// Signal is one generated trading recommendation. Values are never mutated
// after creation; a refresh produces a new Signal.
type Signal struct {
	ID          string          `json:"id"`
	Instrument  string          `json:"instrument"`
	Direction   Direction       `json:"direction"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	Timeframe   int             `json:"timeframe"`
	Confidence  int             `json:"confidence"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	Rationale   string          `json:"rationale"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// RiskFor maps a confidence percentage onto a risk level.
func RiskFor(confidence int) RiskLevel {
	switch {
	case confidence >= lowRiskConfidence:
		return RiskLow
	case confidence >= mediumRiskConfidence:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// NormalizeInstrument upper-cases the identifier and strips separators, so
// "eur/usd", "EUR-USD" and "EURUSD" all resolve to "EURUSD".
func NormalizeInstrument(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		switch {
		case r == '/' || r == '-' || r == '_' || r == '.' || r == ' ':
			continue
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			return "", fmt.Errorf("%w: instrument %q contains %q", ErrInvalidInput, raw, r)
		}
	}

	out := b.String()
	if len(out) < minInstrumentLen || len(out) > maxInstrumentLen {
		return "", fmt.Errorf("%w: instrument %q must have %d-%d symbols", ErrInvalidInput, raw, minInstrumentLen, maxInstrumentLen)
	}
	return out, nil
}

// maxTimeframe is the longest timeframe, in minutes, whose expiry still fits
// in a time.Duration.
const maxTimeframe = int(math.MaxInt64 / int64(time.Minute))

// ParseTimeframe converts "5", "5m" or "1h" into minutes to expiry.
func ParseTimeframe(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("%w: empty timeframe", ErrInvalidInput)
	}

	mult := 1
	switch {
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "h"):
		s = strings.TrimSuffix(s, "h")
		mult = 60
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: timeframe %q", ErrInvalidInput, raw)
	}
	if n > maxTimeframe/mult {
		return 0, fmt.Errorf("%w: timeframe %q is too long", ErrInvalidInput, raw)
	}
	return n * mult, nil
}

// FormatTimeframe renders minutes back in the short form used by clients.
func FormatTimeframe(minutes int) string {
	if minutes >= 60 && minutes%60 == 0 {
		return fmt.Sprintf("%dh", minutes/60)
	}
	return fmt.Sprintf("%dm", minutes)
}
