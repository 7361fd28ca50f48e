package app

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"manipwatch/internal/alerting"
	"manipwatch/internal/api"
	"manipwatch/internal/config"
	"manipwatch/internal/engine"
	"manipwatch/internal/ensemble"
	"manipwatch/internal/fetcher"
	"manipwatch/internal/market"
	"manipwatch/internal/metrics"
	"manipwatch/internal/scheduler"
	"manipwatch/internal/service"
	"manipwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	closers []func()
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// OnClose registers cleanup run by Close in reverse order.
func (a *App) OnClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything registered with OnClose.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newSource builds the Binance client behind the shared retry and rate-limit policy.
// The liquidation stream is returned so the caller can run it.
func (a *App) newSource(typ market.Type) (fetcher.Source, *fetcher.LiquidationStream) {
	ex := a.Config.Exchange

	var stream *fetcher.LiquidationStream
	if ex.Liquidations.Enabled && typ == market.Futures {
		stream = fetcher.NewLiquidationStream(fetcher.LiquidationStreamOptions{
			URL:       ex.Liquidations.URL,
			PerMarket: ex.Liquidations.PerMarket,
			Retention: ex.Liquidations.Retention,
		}, a.Logger)
	}

	binance := fetcher.NewBinance(fetcher.BinanceOptions{
		SpotBaseURL:    ex.SpotBaseURL,
		FuturesBaseURL: ex.FuturesBaseURL,
		Timeout:        ex.RequestTimeout,
		UserAgent:      ex.UserAgent,
		Liquidations:   stream,
	}, a.Logger)

	policy := fetcher.NewPolicy(fetcher.PolicyOptions{
		RequestsPerMinute: ex.RequestsPerMinute,
		Burst:             ex.Burst,
		MaxRetries:        ex.MaxRetries,
		InitialInterval:   ex.RetryInitial,
		MaxInterval:       ex.RetryMax,
		Timeout:           ex.FetchTimeout,
	}, a.Logger)

	return fetcher.NewGuarded(binance, policy), stream
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) newCooldown() alerting.CooldownStore {
	rc := a.Config.Alerting.Redis
	if rc.Addr == "" {
		return alerting.NewMemoryCooldown()
	}
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	a.OnClose(func() { _ = client.Close() })
	a.Logger.Info().Str("addr", rc.Addr).Msg("alert cooldowns shared through redis")
	return alerting.NewRedisCooldown(client, rc.Prefix)
}

func (a *App) newSinks(store *storage.Store) []alerting.Sink {
	cfg := a.Config
	var sinks []alerting.Sink
	if cfg.SinkEnabled("log") {
		sinks = append(sinks, alerting.NewLogSink(a.Logger))
	}
	if cfg.SinkEnabled("postgres") {
		if store != nil {
			sinks = append(sinks, alerting.NewStoreSink(store))
		} else {
			a.Logger.Warn().Msg("postgres sink requested but database.dsn not configured")
		}
	}
	if cfg.SinkEnabled("telegram") {
		sinks = append(sinks, alerting.NewTelegramNotifier(cfg.Alerting.Telegram.TelegramOptions, a.Logger))
	}
	if cfg.SinkEnabled("kafka") {
		k := alerting.NewKafkaSink(cfg.Alerting.Kafka.KafkaOptions, a.Logger)
		a.OnClose(func() { _ = k.Close() })
		sinks = append(sinks, k)
	}
	return sinks
}

func (a *App) newEngine() *engine.Engine {
	ens, closeModels := ensemble.Build(a.Config.Ensemble, a.Logger)
	a.OnClose(closeModels)
	return engine.New(engine.Options{
		Features:       a.Config.Features,
		ModelFlagScore: a.Config.Monitor.ModelFlagScore,
	}, ens, a.Logger)
}

func (a *App) monitorOptions() service.Options {
	m := a.Config.Monitor
	return service.Options{
		Type:             m.Type,
		QuoteCurrency:    m.QuoteCurrency,
		MinVolume:        m.MinVolume,
		Markets:          m.Markets,
		BookDepth:        m.BookDepth,
		KlineInterval:    m.KlineInterval,
		KlineLimit:       m.KlineLimit,
		TradeLimit:       m.TradeLimit,
		FundingHistory:   m.FundingHistory,
		BasisInterval:    m.BasisInterval,
		BasisLimit:       m.BasisLimit,
		LiquidationLimit: m.LiquidationLimit,
		CycleBudget:      m.CycleBudget,
		Rediscovery:      m.Rediscovery,
		DiscoveryTimeout: m.DiscoveryTimeout,
		Limits:           m.Window,
		Promotion:        service.Promotion(m.Promotion),
		AdvisoryLockKey:  a.Config.Scheduler.AdvisoryLockKey,
		LockRetry:        a.Config.Scheduler.LockRetry,
	}
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context, req service.MonitorRequest) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	typ := req.Type
	if typ == "" {
		typ = a.Config.Monitor.Type
	}

	m := metrics.New()
	source, stream := a.newSource(typ)
	alerts := alerting.NewManager(a.Config.Alerting.Options, a.newCooldown(), a.newSinks(store), m, a.Logger)

	deps := service.Deps{
		Source:    source,
		Engine:    a.newEngine(),
		Scheduler: scheduler.New(a.Config.Scheduler.Options, a.Logger),
		Alerts:    alerts,
		Metrics:   m,
	}
	if store != nil {
		deps.Events = store
		deps.Locker = store
	}
	monitor := service.New(a.monitorOptions(), deps, a.Config.Detection, a.Logger)

	var wg sync.WaitGroup
	background := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Str("worker", name).Msg("background worker stopped")
			}
		}()
	}

	background("alert_delivery", alerts.Run)
	if stream != nil {
		background("liquidation_stream", stream.Run)
	}
	if a.Config.HTTP.Enabled {
		srv := api.NewServer(api.Options{Addr: a.Config.HTTP.Addr, Metrics: m.Handler()}, monitor, alerts, a.Logger)
		background("ops_server", srv.Run)
	}

	a.Logger.Info().Msg("starting monitoring service")
	err = monitor.Run(ctx, req)
	cancel()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}
