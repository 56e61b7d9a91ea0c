package httpapi

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"signal-relay/internal/report"
	"signal-relay/internal/signal"
	"signal-relay/internal/version"
)

type signalRequest struct {
	Instrument string `query:"instrument" default:"EURUSD" validate:"required,max=24"`
	Timeframe  string `query:"timeframe" default:"1m" validate:"required,max=8"`
}

type historyRequest struct {
	Instrument string `param:"instrument" validate:"required,max=24"`
	Limit      int    `query:"limit" default:"20" validate:"gte=1,lte=500"`
}

type chartRequest struct {
	Instrument string `param:"instrument" validate:"required,max=24"`
}

type pairsResponse struct {
	Instruments []string `json:"instruments"`
	Timeframes  []string `json:"timeframes"`
}

type healthResponse struct {
	State       string `json:"state"`
	Version     string `json:"version"`
	Subscribers int    `json:"subscribers"`
}

// getSignal handles GET /api/signal.
func (s *Server) getSignal(c echo.Context) error {
	req := &signalRequest{
		Instrument: s.opts.DefaultInstrument,
		Timeframe:  s.opts.DefaultTimeframe,
	}
	if verr := readAndValidateRequest(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}

	sig, err := s.deps.Query.Query(req.Instrument, req.Timeframe)
	if err != nil {
		if !errors.Is(err, signal.ErrInvalidInput) {
			s.logger.Error().Err(err).Str("instrument", req.Instrument).Msg("query failed")
		}
		return errorResponse(c, err)
	}
	return successResponse(c, sig)
}

// listSignals handles GET /api/signals.
func (s *Server) listSignals(c echo.Context) error {
	return successResponse(c, s.deps.Query.Latest())
}

// getHistory handles GET /api/signals/:instrument/history.
func (s *Server) getHistory(c echo.Context) error {
	req := &historyRequest{}
	if verr := readAndValidateRequest(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}

	history, err := s.deps.Query.History(req.Instrument)
	if err != nil {
		return errorResponse(c, err)
	}
	if len(history) > req.Limit {
		history = history[:req.Limit]
	}
	return successResponse(c, history)
}

// getChart handles GET /api/signals/:instrument/chart.png.
func (s *Server) getChart(c echo.Context) error {
	req := &chartRequest{}
	if verr := readAndValidateRequest(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}

	instrument, err := signal.NormalizeInstrument(req.Instrument)
	if err != nil {
		return errorResponse(c, err)
	}
	history, err := s.deps.Query.History(instrument)
	if err != nil {
		return errorResponse(c, err)
	}

	var buf bytes.Buffer
	if err := report.RenderChart(&buf, instrument, history); err != nil {
		if errors.Is(err, report.ErrNoData) {
			return notFoundResponse(c, "no signals recorded for "+instrument)
		}
		s.logger.Error().Err(err).Str("instrument", instrument).Msg("chart rendering failed")
		return errorResponse(c, err)
	}
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}

// listPairs handles GET /api/pairs.
func (s *Server) listPairs(c echo.Context) error {
	return successResponse(c, pairsResponse{
		Instruments: nonNil(s.opts.Instruments),
		Timeframes:  nonNil(s.opts.Timeframes),
	})
}

// health handles GET /healthz.
func (s *Server) health(c echo.Context) error {
	resp := healthResponse{Version: version.String(), State: "unknown"}
	if s.deps.Status != nil {
		resp.State = s.deps.Status.State().String()
	}
	if s.deps.Subscriptions != nil {
		resp.Subscribers = s.deps.Subscriptions.Len()
	}
	return successResponse(c, resp)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
