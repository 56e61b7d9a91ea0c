package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"signal-relay/internal/alerting"
	"signal-relay/internal/scheduler"
	"signal-relay/internal/signal"
)

// Querier is the read side the API serves from.
type Querier interface {
	Query(instrument, timeframe string) (signal.Signal, error)
	History(instrument string) ([]signal.Signal, error)
	Latest() []signal.Signal
}

// Subscriptions registers push subscribers such as WebSocket clients.
type Subscriptions interface {
	Subscribe(identity string, sink alerting.Sink) bool
	Unsubscribe(identity string) bool
	Len() int
}

// StatusReporter exposes the generation lifecycle for /healthz.
type StatusReporter interface {
	State() scheduler.State
}

// Options configure the HTTP surface.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	DefaultInstrument string
	DefaultTimeframe  string
	Instruments       []string
	Timeframes        []string

	WebSocketPath string
	PingInterval  time.Duration
	MetricsPath   string
}

// Dependencies are the collaborators behind the routes. Subscriptions and
// Gatherer are optional; their routes are not registered when nil.
type Dependencies struct {
	Query         Querier
	Subscriptions Subscriptions
	Status        StatusReporter
	Gatherer      prometheus.Gatherer
}

// Server wraps an echo instance serving the query API.
type Server struct {
	echo   *echo.Echo
	srv    *http.Server
	opts   Options
	deps   Dependencies
	logger zerolog.Logger

	closeOnce sync.Once
	closing   chan struct{}
}

// New builds the server and registers its routes.
func New(opts Options, deps Dependencies, logger zerolog.Logger) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	s := &Server{
		echo:    e,
		opts:    opts,
		deps:    deps,
		logger:  logger.With().Str("component", "http").Logger(),
		closing: make(chan struct{}),
	}

	e.Use(recoverer(s.logger))
	e.Use(requestLogger(s.logger))
	s.registerRoutes()

	s.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      e,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	g := s.echo.Group("/api")
	g.GET("/signal", s.getSignal)
	g.GET("/signals", s.listSignals)
	g.GET("/signals/:instrument/history", s.getHistory)
	g.GET("/signals/:instrument/chart.png", s.getChart)
	g.GET("/pairs", s.listPairs)

	s.echo.GET("/healthz", s.health)

	if s.deps.Subscriptions != nil && s.opts.WebSocketPath != "" {
		s.echo.GET(s.opts.WebSocketPath, s.serveWebSocket)
	}
	if s.deps.Gatherer != nil && s.opts.MetricsPath != "" {
		s.echo.GET(s.opts.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests and closes open WebSocket sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
