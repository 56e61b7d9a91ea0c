package report

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"slices"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"signal-relay/internal/signal"
)

// ErrNoData is returned by RenderChart when there is nothing to plot.
var ErrNoData = errors.New("no signals to render")

var csvHeader = []string{"generated_at", "id", "instrument", "direction", "entry_price", "timeframe", "confidence", "risk_level", "rationale"}

// WriteCSV writes signals in the given order with a header row.
func WriteCSV(w io.Writer, signals []signal.Signal) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, sig := range signals {
		record := []string{
			sig.GeneratedAt.UTC().Format(time.RFC3339),
			sig.ID,
			sig.Instrument,
			string(sig.Direction),
			sig.EntryPrice.String(),
			signal.FormatTimeframe(sig.Timeframe),
			strconv.Itoa(sig.Confidence),
			string(sig.RiskLevel),
			sig.Rationale,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// RenderChart draws entry price and confidence of one instrument over time
// as a PNG. Input order does not matter; points are plotted chronologically.
func RenderChart(w io.Writer, instrument string, signals []signal.Signal) error {
	points := make([]signal.Signal, 0, len(signals))
	for _, sig := range signals {
		if sig.Instrument == instrument {
			points = append(points, sig)
		}
	}
	if len(points) == 0 {
		return ErrNoData
	}
	slices.SortStableFunc(points, func(a, b signal.Signal) int {
		return a.GeneratedAt.Compare(b.GeneratedAt)
	})
	// go-chart needs at least two points per series to compute ranges.
	if len(points) == 1 {
		extra := points[0]
		extra.GeneratedAt = extra.GeneratedAt.Add(time.Second)
		points = append(points, extra)
	}

	x := make([]time.Time, len(points))
	prices := make([]float64, len(points))
	confidence := make([]float64, len(points))
	places := 2
	for i, sig := range points {
		x[i] = sig.GeneratedAt
		prices[i] = sig.EntryPrice.InexactFloat64()
		confidence[i] = float64(sig.Confidence)
		if exp := int(-sig.EntryPrice.Exponent()); exp > places {
			places = exp
		}
	}
	places = int(math.Min(float64(places), 8))

	priceAxis := chart.YAxis{
		Name: "Entry price",
		ValueFormatter: func(v interface{}) string {
			return chart.FloatValueFormatterWithFormat(v, "%."+strconv.Itoa(places)+"f")
		},
	}
	if lo, hi := slices.Min(prices), slices.Max(prices); lo == hi {
		// flat series: go-chart rejects a zero-width range
		priceAxis.Range = &chart.ContinuousRange{Min: lo * 0.99, Max: hi*1.01 + 0.01}
	}

	graph := chart.Chart{
		Title:  instrument,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: priceAxis,
		YAxisSecondary: chart.YAxis{
			Name: "Confidence (%)",
			Range: &chart.ContinuousRange{
				Min: 0,
				Max: 100,
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Entry",
				XValues: x,
				YValues: prices,
			},
			chart.TimeSeries{
				Name:    "Confidence",
				XValues: x,
				YValues: confidence,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}
