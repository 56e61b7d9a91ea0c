package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"signal-relay/internal/alerting"
	"signal-relay/internal/config"
	"signal-relay/internal/dispatcher"
	"signal-relay/internal/httpapi"
	"signal-relay/internal/metrics"
	"signal-relay/internal/scheduler"
	"signal-relay/internal/service"
	sig "signal-relay/internal/signal"
	"signal-relay/internal/storage"
	"signal-relay/internal/subscription"
	"signal-relay/internal/telegram"
	"signal-relay/internal/version"
)

// Broadcast identities registered for the configured fan-out channels.
const (
	BroadcastTelegram = "broadcast:telegram"
	BroadcastRedis    = "broadcast:redis"
	BroadcastKafka    = "broadcast:kafka"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// engine is the wired generation pipeline shared by all commands.
type engine struct {
	store      *storage.Store
	factory    *sig.RandomFactory
	registry   *subscription.Registry
	metrics    *metrics.Recorder
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	service    *service.Service
	query      *service.QueryService

	closers []func()
}

func (e *engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (a *App) newEngine(reg *prometheus.Registry) (*engine, error) {
	timeframes, err := a.Config.TimeframeMinutes()
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewNop()
	if reg != nil {
		recorder = metrics.New(reg)
	}

	store := storage.NewStore(a.Config.Signals.HistorySize)
	factory := sig.NewRandomFactory(a.Config.FactoryConfig(), nil)
	registry := subscription.NewRegistry()

	disp := dispatcher.New(registry, dispatcher.Options{
		Timeout:     a.Config.Dispatcher.DeliveryTimeout,
		MaxFailures: a.Config.Dispatcher.FailureThreshold,
		QueueSize:   a.Config.Dispatcher.QueueSize,
	}, recorder, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.Logger)

	svc := service.New(service.Options{
		Instruments: a.Config.Signals.Instruments,
		Timeframes:  timeframes,
	}, sched, factory, store, disp, recorder, a.Logger)

	return &engine{
		store:      store,
		factory:    factory,
		registry:   registry,
		metrics:    recorder,
		dispatcher: disp,
		scheduler:  sched,
		service:    svc,
		query:      service.NewQueryService(factory, store, a.Config.QueryableInstruments(), recorder, a.Logger),
	}, nil
}

// attachBroadcasts subscribes the configured fan-out channels. A channel
// that cannot be opened is reported and skipped.
func (a *App) attachBroadcasts(ctx context.Context, e *engine) []error {
	var errs []error

	if tg := a.Config.Telegram; tg.BotToken != "" && tg.BroadcastChatID != "" {
		e.registry.Subscribe(BroadcastTelegram,
			alerting.NewTelegramSink(tg.BotToken, tg.BroadcastChatID, tg.APIBase, tg.RequestTimeout, a.Logger))
		a.Logger.Info().Str("chat_id", tg.BroadcastChatID).Msg("telegram broadcast enabled")
	}

	if rc := a.Config.Redis; rc.Enabled {
		client, err := alerting.DialRedis(ctx, alerting.RedisOptions{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err != nil {
			errs = append(errs, err)
			a.Logger.Error().Err(err).Str("addr", rc.Addr).Msg("redis broadcast disabled")
		} else {
			e.registry.Subscribe(BroadcastRedis, alerting.NewRedisSink(client, rc.Channel))
			e.closers = append(e.closers, func() { _ = client.Close() })
			a.Logger.Info().Str("channel", rc.Channel).Msg("redis broadcast enabled")
		}
	}

	if kc := a.Config.Kafka; kc.Enabled {
		writer, err := alerting.NewKafkaWriter(alerting.KafkaOptions{
			Brokers:      kc.Brokers,
			Topic:        kc.Topic,
			WriteTimeout: kc.WriteTimeout,
		})
		if err != nil {
			errs = append(errs, err)
			a.Logger.Error().Err(err).Msg("kafka broadcast disabled")
		} else {
			e.registry.Subscribe(BroadcastKafka, alerting.NewKafkaSink(writer))
			e.closers = append(e.closers, func() { _ = writer.Close() })
			a.Logger.Info().Str("topic", kc.Topic).Msg("kafka broadcast enabled")
		}
	}

	return errs
}

// Run executes the long-running service: generation, query API and chat bot.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var reg *prometheus.Registry
	if a.Config.Metrics.Enabled {
		reg = prometheus.NewRegistry()
	}
	eng, err := a.newEngine(reg)
	if err != nil {
		return err
	}
	defer eng.close()
	a.attachBroadcasts(ctx, eng)

	a.Logger.Info().Str("version", version.String()).
		Strs("instruments", a.Config.Signals.Instruments).
		Msg("starting signal relay")

	if err := eng.service.Start(ctx); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	if a.Config.HTTP.Enabled {
		server := a.newHTTPServer(eng)
		group.Go(func() error { return server.Run(gctx) })
	}

	if a.Config.Telegram.BotToken != "" {
		bot, err := a.newBot(eng)
		if err != nil {
			a.Logger.Error().Err(err).Msg("telegram bot unavailable; continuing without it")
		} else {
			group.Go(func() error { return bot.Run(gctx) })
		}
	} else {
		a.Logger.Warn().Msg("telegram.bot_token not configured; chat bot disabled")
	}

	<-gctx.Done()

	// Generation stops first so no publish races the dispatcher shutdown.
	eng.service.Stop()
	eng.dispatcher.Close()
	err = group.Wait()
	eng.store.Reset()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Int64("cycles", eng.scheduler.Cycles()).Msg("signal relay stopped")
	return nil
}

func (a *App) newHTTPServer(e *engine) *httpapi.Server {
	cfg := a.Config.HTTP
	opts := httpapi.Options{
		Addr:              cfg.Addr,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		DefaultInstrument: cfg.DefaultInstrument,
		DefaultTimeframe:  cfg.DefaultTimeframe,
		Instruments:       a.Config.Signals.Instruments,
		Timeframes:        a.Config.Signals.Timeframes,
	}
	deps := httpapi.Dependencies{
		Query:  e.query,
		Status: e.service,
	}
	if a.Config.WebSocket.Enabled {
		opts.WebSocketPath = a.Config.WebSocket.Path
		opts.PingInterval = a.Config.WebSocket.PingInterval
		deps.Subscriptions = e.registry
	}
	if a.Config.Metrics.Enabled {
		opts.MetricsPath = a.Config.Metrics.Path
		deps.Gatherer = e.metrics.Gatherer()
	}
	return httpapi.New(opts, deps, a.Logger)
}

func (a *App) newBot(e *engine) (*telegram.Bot, error) {
	cfg := a.Config.Telegram
	// long polling holds the request open for PollTimeout seconds
	client := &http.Client{Timeout: time.Duration(cfg.PollTimeout)*time.Second + cfg.RequestTimeout}
	return telegram.NewBot(cfg.BotToken, client, telegram.Options{
		Instruments:       a.Config.Signals.Instruments,
		Timeframes:        a.Config.Signals.Timeframes,
		DefaultInstrument: a.Config.HTTP.DefaultInstrument,
		DefaultTimeframe:  a.Config.HTTP.DefaultTimeframe,
		PollTimeout:       cfg.PollTimeout,
	}, e.query, e.registry, e.service, a.Logger)
}

// QueryOptions configure the query command.
type QueryOptions struct {
	Instruments []string
	Timeframe   string
}

// ExportOptions configure the export command.
type ExportOptions struct {
	Cycles     int
	Instrument string
	CSVPath    string
	PNGPath    string
}

// BroadcastTestOptions configure the broadcast-test command.
type BroadcastTestOptions struct {
	Instrument string
	Timeframe  string
}

func requireInstrument(raw string) (string, error) {
	inst, err := sig.NormalizeInstrument(raw)
	if err != nil {
		return "", fmt.Errorf("instrument: %w", err)
	}
	return inst, nil
}
