package signal

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Factory produces one Signal per call. Implementations must be safe for
// concurrent use.
type Factory interface {
	Generate(instrument string, timeframe int) (Signal, error)
}

// Source is the randomness consumed by RandomFactory.
type Source interface {
	IntN(n int) int
	Float64() float64
}

// PriceRange bounds the plausible entry price of an instrument.
type PriceRange struct {
	Min    decimal.Decimal
	Max    decimal.Decimal
	Places int32
}

// FactoryConfig parameterises RandomFactory.
type FactoryConfig struct {
	PriceRanges   map[string]PriceRange
	DefaultRange  PriceRange
	ConfidenceMin int
	ConfidenceMax int
}

// DefaultFactoryConfig mirrors the ranges of the major FX pairs.
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		PriceRanges: map[string]PriceRange{
			"EURUSD": {Min: decimal.RequireFromString("1.05"), Max: decimal.RequireFromString("1.12"), Places: 5},
			"GBPUSD": {Min: decimal.RequireFromString("1.22"), Max: decimal.RequireFromString("1.32"), Places: 5},
			"USDJPY": {Min: decimal.RequireFromString("140"), Max: decimal.RequireFromString("155"), Places: 3},
			"AUDUSD": {Min: decimal.RequireFromString("0.63"), Max: decimal.RequireFromString("0.69"), Places: 5},
			"USDCAD": {Min: decimal.RequireFromString("1.33"), Max: decimal.RequireFromString("1.39"), Places: 5},
			"BTCUSD": {Min: decimal.RequireFromString("40000"), Max: decimal.RequireFromString("70000"), Places: 2},
		},
		DefaultRange:  PriceRange{Min: decimal.RequireFromString("0.5"), Max: decimal.RequireFromString("2"), Places: 5},
		ConfidenceMin: 55,
		ConfidenceMax: 95,
	}
}

var rationales = map[Direction][]string{
	Buy: {
		"RSI recovering from oversold territory on %s",
		"Bullish engulfing pattern near support on %s",
		"Price reclaimed the 20-period EMA on %s",
		"MACD crossed above signal line on %s",
	},
	Sell: {
		"RSI rolling over from overbought territory on %s",
		"Bearish rejection at resistance on %s",
		"Price lost the 20-period EMA on %s",
		"MACD crossed below signal line on %s",
	},
}

// RandomFactory draws every field from a pseudo-random Source.
type RandomFactory struct {
	cfg FactoryConfig
	src Source
	now func() time.Time
}

// NewRandomFactory builds a factory. A nil src uses the math/rand/v2 global
// generator, which is safe for concurrent use.
func NewRandomFactory(cfg FactoryConfig, src Source) *RandomFactory {
	if src == nil {
		src = globalSource{}
	}
	if cfg.ConfidenceMax <= 0 || cfg.ConfidenceMax > 100 {
		cfg.ConfidenceMax = 100
	}
	if cfg.ConfidenceMin < 0 || cfg.ConfidenceMin > cfg.ConfidenceMax {
		cfg.ConfidenceMin = 0
	}
	if !cfg.DefaultRange.Min.IsPositive() || cfg.DefaultRange.Max.LessThan(cfg.DefaultRange.Min) {
		cfg.DefaultRange = DefaultFactoryConfig().DefaultRange
	}
	return &RandomFactory{cfg: cfg, src: src, now: time.Now}
}

// SetClock replaces the time source stamped on generated signals. It must be
// called before the factory is shared between goroutines.
func (f *RandomFactory) SetClock(now func() time.Time) {
	if now != nil {
		f.now = now
	}
}

// Generate implements Factory.
func (f *RandomFactory) Generate(instrument string, timeframe int) (Signal, error) {
	inst, err := NormalizeInstrument(instrument)
	if err != nil {
		return Signal{}, err
	}
	if timeframe <= 0 {
		return Signal{}, fmt.Errorf("%w: timeframe must be positive, got %d", ErrInvalidInput, timeframe)
	}

	direction := Buy
	if f.src.IntN(2) == 1 {
		direction = Sell
	}

	span := f.cfg.ConfidenceMax - f.cfg.ConfidenceMin + 1
	confidence := f.cfg.ConfidenceMin + f.src.IntN(span)

	templates := rationales[direction]
	rationale := fmt.Sprintf(templates[f.src.IntN(len(templates))], FormatTimeframe(timeframe))

	return Signal{
		ID:          uuid.NewString(),
		Instrument:  inst,
		Direction:   direction,
		EntryPrice:  f.price(inst),
		Timeframe:   timeframe,
		Confidence:  confidence,
		RiskLevel:   RiskFor(confidence),
		Rationale:   rationale,
		GeneratedAt: f.now().UTC(),
	}, nil
}

func (f *RandomFactory) price(instrument string) decimal.Decimal {
	rng, ok := f.cfg.PriceRanges[instrument]
	if !ok || !rng.Min.IsPositive() || rng.Max.LessThan(rng.Min) {
		rng = f.cfg.DefaultRange
	}

	width := rng.Max.Sub(rng.Min)
	price := rng.Min.Add(width.Mul(decimal.NewFromFloat(f.src.Float64()))).Round(rng.Places)
	if !price.IsPositive() {
		return rng.Min
	}
	return price
}

type globalSource struct{}

func (globalSource) IntN(n int) int    { return rand.IntN(n) }
func (globalSource) Float64() float64 { return rand.Float64() }

var _ Factory = (*RandomFactory)(nil)
