package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"manipwatch/internal/alerting"
	"manipwatch/internal/detector"
	"manipwatch/internal/engine"
	"manipwatch/internal/features"
	"manipwatch/internal/fetcher"
	"manipwatch/internal/logging"
	"manipwatch/internal/market"
	"manipwatch/internal/metrics"
	"manipwatch/internal/scheduler"
	"manipwatch/internal/storage"
)

var (
	// ErrAlreadyRunning is returned by Start while a monitoring session is active.
	ErrAlreadyRunning = errors.New("service: monitor already running")
	// ErrNoMarkets is returned when discovery and the request yield nothing to watch.
	ErrNoMarkets = errors.New("service: no markets to monitor")
)

// Options tune the multi-market monitor.
type Options struct {
	Type          market.Type
	QuoteCurrency string
	MinVolume     float64
	Markets       []string

	BookDepth        int
	KlineInterval    string
	KlineLimit       int
	TradeLimit       int
	FundingHistory   int
	BasisInterval    string
	BasisLimit       int
	LiquidationLimit int

	CycleBudget      time.Duration
	Rediscovery      string
	DiscoveryTimeout time.Duration

	Limits    features.Limits
	Promotion Promotion

	AdvisoryLockKey int64
	LockRetry       time.Duration
}

// DefaultOptions returns the documented monitor defaults.
func DefaultOptions() Options {
	return Options{
		Type:             market.Spot,
		QuoteCurrency:    "USDT",
		MinVolume:        1_000_000,
		BookDepth:        20,
		KlineInterval:    "1h",
		KlineLimit:       48,
		TradeLimit:       500,
		FundingHistory:   30,
		BasisInterval:    "5m",
		BasisLimit:       30,
		LiquidationLimit: 100,
		CycleBudget:      2 * time.Second,
		Rediscovery:      "@every 15m",
		DiscoveryTimeout: 2 * time.Minute,
		Limits:           features.DefaultLimits(),
		Promotion:        DefaultPromotion(),
		LockRetry:        30 * time.Second,
	}
}

// Deps are the collaborators of the monitor. Events, Locker and Metrics are optional.
type Deps struct {
	Source    fetcher.Source
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Alerts    *alerting.Manager
	Events    storage.EventStore
	Locker    storage.AdvisoryLocker
	Metrics   *metrics.Metrics
}

// MonitorRequest starts a monitoring session. Empty fields fall back to Options.
type MonitorRequest struct {
	Markets       []string    `json:"markets,omitempty"`
	Type          market.Type `json:"type,omitempty"`
	QuoteCurrency string      `json:"quote_currency,omitempty"`
	MinVolume     float64     `json:"min_volume,omitempty"`
}

// Monitor discovers markets, schedules their cycles and records the outcome.
type Monitor struct {
	opts    Options
	deps    Deps
	logger  zerolog.Logger
	now     func() time.Time
	stats   *counters
	windows *windowTable

	thMu       sync.RWMutex
	thresholds detector.Thresholds

	runMu   sync.Mutex
	running bool
	active  bool
	req     MonitorRequest
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs the monitor with the given initial thresholds.
func New(opts Options, deps Deps, thresholds detector.Thresholds, logger zerolog.Logger) *Monitor {
	m := &Monitor{
		opts:       opts,
		deps:       deps,
		logger:     logger.With().Str("component", "monitor").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		stats:      newCounters(),
		windows:    newWindowTable(opts.Limits),
		thresholds: thresholds,
	}
	if deps.Scheduler != nil {
		deps.Scheduler.OnEvent(m.recordEvent)
	}
	return m
}

// Thresholds returns the active rule thresholds.
func (m *Monitor) Thresholds() detector.Thresholds {
	m.thMu.RLock()
	defer m.thMu.RUnlock()
	return m.thresholds
}

// UpdateThresholds validates and swaps the thresholds; the next cycle of every market uses them.
func (m *Monitor) UpdateThresholds(th detector.Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	m.thMu.Lock()
	m.thresholds = th
	m.thMu.Unlock()
	m.logger.Info().Msg("detection thresholds updated")
	return nil
}

// Discover lists markets quoted in quote whose 24h quote volume is at least minVolume,
// highest volume first.
func (m *Monitor) Discover(ctx context.Context, quote string, minVolume float64, typ market.Type) ([]string, error) {
	var (
		tickers []market.Ticker
		err     error
	)
	if typ == market.Futures {
		tickers, err = m.deps.Source.GetAllFuturesTickers(ctx)
	} else {
		tickers, err = m.deps.Source.GetAllTickers(ctx)
	}
	if err != nil {
		return nil, &fetcher.DiscoveryError{Err: err}
	}

	quote = strings.ToUpper(quote)
	kept := make([]market.Ticker, 0, len(tickers))
	for _, t := range tickers {
		if quote != "" && !strings.HasSuffix(t.Symbol, quote) {
			continue
		}
		if t.QuoteVolume24h < minVolume {
			continue
		}
		kept = append(kept, t)
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].QuoteVolume24h != kept[j].QuoteVolume24h {
			return kept[i].QuoteVolume24h > kept[j].QuoteVolume24h
		}
		return kept[i].Symbol < kept[j].Symbol
	})

	out := make([]string, len(kept))
	for i, t := range kept {
		out[i] = t.Symbol
	}
	return out, nil
}

// discoverWithRetry retries discovery with exponential backoff until DiscoveryTimeout.
func (m *Monitor) discoverWithRetry(ctx context.Context, req MonitorRequest) ([]string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = m.opts.DiscoveryTimeout

	var markets []string
	op := func() error {
		var err error
		markets, err = m.Discover(ctx, req.QuoteCurrency, req.MinVolume, req.Type)
		if err != nil {
			m.recordEvent(market.MonitorEvent{Kind: market.EventDiscoveryFail, Time: m.now(), Message: err.Error()})
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn().Err(err).Dur("retry_in", wait).Msg("market discovery failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return markets, nil
}

func (m *Monitor) resolve(req MonitorRequest) MonitorRequest {
	if req.Type == "" {
		req.Type = m.opts.Type
	}
	if req.QuoteCurrency == "" {
		req.QuoteCurrency = m.opts.QuoteCurrency
	}
	if req.MinVolume <= 0 {
		req.MinVolume = m.opts.MinVolume
	}
	if len(req.Markets) == 0 {
		req.Markets = m.opts.Markets
	}
	return req
}

// Run admits the requested markets and blocks in the scheduling loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, req MonitorRequest) error {
	req = m.resolve(req)

	markets := normalize(req.Markets)
	if len(markets) == 0 {
		found, err := m.discoverWithRetry(ctx, req)
		if err != nil {
			return fmt.Errorf("discover markets: %w", err)
		}
		markets = found
	}
	if len(markets) == 0 {
		return ErrNoMarkets
	}

	m.runMu.Lock()
	m.req = req
	m.started = m.now()
	m.active = true
	m.runMu.Unlock()
	defer func() {
		m.runMu.Lock()
		m.active = false
		m.runMu.Unlock()
	}()

	for _, symbol := range markets {
		m.admit(symbol, req.Type)
	}
	m.logger.Info().Int("markets", len(markets)).Str("type", string(req.Type)).Msg("monitoring started")

	stopCron, err := m.startRediscovery(ctx, req, len(req.Markets) > 0)
	if err != nil {
		return err
	}
	defer stopCron()

	return m.runLeader(ctx)
}

// Start runs a monitoring session in the background.
func (m *Monitor) Start(ctx context.Context, req MonitorRequest) error {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.runMu.Unlock()

	go func() {
		defer close(done)
		if err := m.Run(ctx, req); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("monitoring stopped with error")
		}
		m.runMu.Lock()
		m.running = false
		m.runMu.Unlock()
	}()
	return nil
}

// Stop ends the background session started by Start and waits for in-flight cycles.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Readmit returns a suspended market to scheduling.
func (m *Monitor) Readmit(symbol string) bool {
	return m.deps.Scheduler.Readmit(strings.ToUpper(symbol))
}

func (m *Monitor) sessionType() market.Type {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.req.Type != "" {
		return m.req.Type
	}
	return m.opts.Type
}

func (m *Monitor) admit(symbol string, typ market.Type) {
	m.windows.ensure(symbol, typ)
	m.deps.Scheduler.Add(symbol, scheduler.TierMedium)
}

// runLeader runs the scheduler while holding the advisory lock, when a locker is configured.
func (m *Monitor) runLeader(ctx context.Context) error {
	if m.deps.Locker == nil {
		return m.deps.Scheduler.Run(ctx, m.check)
	}
	for {
		unlock, acquired, err := m.deps.Locker.TryAdvisoryLock(ctx, m.opts.AdvisoryLockKey)
		switch {
		case err != nil:
			m.logger.Error().Err(err).Msg("advisory lock attempt failed")
		case acquired:
			m.logger.Info().Int64("lock_key", m.opts.AdvisoryLockKey).Msg("advisory lock acquired, monitoring as leader")
			err := m.deps.Scheduler.Run(ctx, m.check)
			unlock()
			return err
		default:
			m.logger.Debug().Msg("advisory lock held elsewhere, standing by")
		}

		timer := time.NewTimer(m.opts.LockRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// startRediscovery periodically re-admits suspended markets and, for discovered sessions,
// admits newly listed markets.
func (m *Monitor) startRediscovery(ctx context.Context, req MonitorRequest, fixed bool) (func(), error) {
	if m.opts.Rediscovery == "" {
		return func() {}, nil
	}
	c := cron.New()
	_, err := c.AddFunc(m.opts.Rediscovery, func() { m.rediscover(ctx, req, fixed) })
	if err != nil {
		return nil, fmt.Errorf("schedule rediscovery %q: %w", m.opts.Rediscovery, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func (m *Monitor) rediscover(ctx context.Context, req MonitorRequest, fixed bool) {
	added, removed := 0, 0
	if !fixed {
		markets, err := m.Discover(ctx, req.QuoteCurrency, req.MinVolume, req.Type)
		if err != nil {
			m.logger.Warn().Err(err).Msg("periodic rediscovery failed")
			m.recordEvent(market.MonitorEvent{Kind: market.EventDiscoveryFail, Time: m.now(), Message: err.Error()})
		} else if len(markets) == 0 {
			m.logger.Warn().Msg("rediscovery returned no markets, keeping the current set")
		} else {
			listed := make(map[string]struct{}, len(markets))
			for _, symbol := range markets {
				listed[symbol] = struct{}{}
				if _, known := m.deps.Scheduler.Task(symbol); !known {
					m.admit(symbol, req.Type)
					added++
				}
			}
			for _, t := range m.deps.Scheduler.Tasks() {
				if _, ok := listed[t.Market]; !ok && m.remove(t.Market, "no longer listed above the volume floor") {
					removed++
				}
			}
		}
	}
	readmitted := m.deps.Scheduler.ReadmitSuspended()
	m.logger.Info().Int("readmitted", readmitted).Int("added", added).Int("removed", removed).Msg("rediscovery complete")
}

// remove destroys a market's task and feature window.
func (m *Monitor) remove(symbol, reason string) bool {
	if !m.deps.Scheduler.Remove(symbol) {
		return false
	}
	m.windows.remove(symbol)
	m.stats.forget(symbol)
	m.logger.Info().Str("market", symbol).Str("reason", reason).Msg("market removed")
	m.recordEvent(market.MonitorEvent{Market: symbol, Kind: market.EventRemoved, Time: m.now(), Message: reason})
	return true
}

// check is the scheduler work function for one market.
func (m *Monitor) check(ctx context.Context, task scheduler.TaskView) scheduler.Outcome {
	res, err := m.ProcessMarket(ctx, task.Market)
	if err != nil {
		return scheduler.Outcome{Err: err}
	}
	return scheduler.Outcome{Signal: m.opts.Promotion.Signal(res.Vector)}
}

// ProcessMarket runs one fetch, extract, detect and emit cycle. A fetch failure returns the
// classified error and produces no alerts.
func (m *Monitor) ProcessMarket(ctx context.Context, symbol string) (engine.Result, error) {
	start := time.Now()
	w := m.windows.get(symbol)
	if w == nil {
		w = m.windows.ensure(symbol, m.sessionType())
	}
	log := logging.ForMarket(m.logger, symbol)
	defer m.checkBudget(log, symbol, start)

	if err := m.fetch(ctx, w); err != nil {
		kind := fetcher.Classify(err)
		m.stats.fetchError(kind)
		m.deps.Metrics.FetchError(string(kind))
		m.deps.Metrics.ObserveCycle(string(w.Type), "fetch_error", time.Since(start))
		log.Warn().Err(err).Str("kind", string(kind)).Msg("fetch failed")
		return engine.Result{Market: symbol}, err
	}

	res := m.deps.Engine.Analyze(w, m.Thresholds())
	m.stats.check(symbol, res.Risk)
	if res.Skipped != nil {
		m.deps.Metrics.ObserveCycle(string(w.Type), "skipped", time.Since(start))
		log.Debug().Err(res.Skipped).Msg("no feature vector this cycle")
		return res, nil
	}
	m.deps.Metrics.EnsembleScore(res.EnsembleScore)

	outcome := "quiet"
	if len(res.Alerts) > 0 {
		emitted := m.deps.Alerts.Submit(ctx, res.Alerts)
		m.stats.alerts(len(emitted))
		outcome = "alerted"
		log.Info().Int("triggered", len(res.Alerts)).Int("emitted", len(emitted)).
			Float64("score", res.Score).Str("risk", string(res.Risk)).Msg("suspicious activity detected")
	}

	m.deps.Metrics.ObserveCycle(string(w.Type), outcome, time.Since(start))
	return res, nil
}

// checkBudget raises a warning event when a cycle, failed or not, ran past CycleBudget.
// The overrun is reported only; the next cycle is scheduled as usual.
func (m *Monitor) checkBudget(log zerolog.Logger, symbol string, start time.Time) {
	elapsed := time.Since(start)
	if m.opts.CycleBudget <= 0 || elapsed <= m.opts.CycleBudget {
		return
	}
	log.Warn().Dur("elapsed", elapsed).Dur("budget", m.opts.CycleBudget).Msg("cycle exceeded budget")
	m.recordEvent(market.MonitorEvent{
		Market: symbol, Kind: market.EventOverBudget, Time: m.now(),
		Message: fmt.Sprintf("cycle took %s, budget %s", elapsed.Round(time.Millisecond), m.opts.CycleBudget),
	})
}

// fetch refreshes the window. Ticker, book, klines and trades are required;
// futures extras are best effort.
func (m *Monitor) fetch(ctx context.Context, w *features.Window) error {
	src := m.deps.Source
	symbol, typ := w.Market, w.Type

	ticker, err := src.GetTicker(ctx, symbol, typ)
	if err != nil {
		return err
	}
	book, err := src.GetOrderBook(ctx, symbol, typ, m.opts.BookDepth)
	if err != nil {
		return err
	}
	klines, err := src.GetKlines(ctx, symbol, typ, m.opts.KlineInterval, m.opts.KlineLimit)
	if err != nil {
		return err
	}
	trades, err := src.GetRecentTrades(ctx, symbol, typ, m.opts.TradeLimit)
	if err != nil {
		return err
	}

	now := m.now()
	snap := market.Snapshot{
		Market:         symbol,
		Type:           typ,
		Time:           now,
		Price:          ticker.Price,
		Volume24h:      ticker.Volume24h,
		PriceChangePct: ticker.PriceChangePct,
		Book:           book,
	}
	if typ == market.Futures {
		snap.OpenInterest = m.fetchFutures(ctx, w, now)
	}

	w.SetKlines(klines)
	w.AddTrades(trades)
	w.AddSnapshot(snap)
	return nil
}

func (m *Monitor) fetchFutures(ctx context.Context, w *features.Window, now time.Time) float64 {
	src := m.deps.Source
	symbol := w.Market
	log := m.logger.With().Str("market", symbol).Logger()
	optional := func(op string, err error) {
		if err == nil || errors.Is(err, fetcher.ErrUnsupported) {
			return
		}
		kind := fetcher.Classify(err)
		m.stats.fetchError(kind)
		m.deps.Metrics.FetchError(string(kind))
		log.Debug().Err(err).Str("op", op).Msg("optional futures fetch failed")
	}

	history, err := src.GetFundingHistory(ctx, symbol, m.opts.FundingHistory)
	optional("funding_history", err)
	w.AddFunding(history...)
	if current, err := src.GetFundingRate(ctx, symbol); err == nil {
		w.AddFunding(current)
	} else {
		optional("funding_rate", err)
	}

	basis, err := src.GetBasisHistory(ctx, symbol, m.opts.BasisInterval, m.opts.BasisLimit)
	optional("basis", err)
	w.AddBasis(basis...)

	liqs, err := src.GetLiquidations(ctx, symbol, m.opts.LiquidationLimit)
	optional("liquidations", err)
	w.AddLiquidations(now, liqs...)

	if tiers, err := src.GetPositionTiers(ctx, symbol); err == nil {
		w.SetTiers(tiers)
	} else {
		optional("position_tiers", err)
	}

	oi, err := src.GetOpenInterest(ctx, symbol)
	optional("open_interest", err)
	return oi
}

func (m *Monitor) recordEvent(ev market.MonitorEvent) {
	m.stats.event(ev)
	m.deps.Metrics.MonitorEvent(string(ev.Kind))
	if m.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Events.InsertEvent(ctx, ev); err != nil {
		m.logger.Error().Err(err).Str("market", ev.Market).Str("kind", string(ev.Kind)).Msg("failed to persist monitor event")
	}
}

func normalize(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
