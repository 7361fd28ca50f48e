package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manipwatch/internal/alerting"
	"manipwatch/internal/detector"
	"manipwatch/internal/engine"
	"manipwatch/internal/features"
	"manipwatch/internal/fetcher"
	"manipwatch/internal/market"
	"manipwatch/internal/scheduler"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	tickers      []market.Ticker
	tickersErr   error
	bookErr      error
	liquidations []market.LiquidationEvent
	fundingErr   error
	delay        time.Duration
	tiers        []market.PositionTier
}

var _ fetcher.Source = (*fakeSource)(nil)

func (f *fakeSource) GetTicker(_ context.Context, symbol string, _ market.Type) (market.Ticker, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return market.Ticker{Symbol: symbol, Price: 100, Volume24h: 5000, Time: t0}, nil
}

func (f *fakeSource) GetOrderBook(context.Context, string, market.Type, int) (market.OrderBook, error) {
	if f.bookErr != nil {
		return market.OrderBook{}, f.bookErr
	}
	return market.OrderBook{
		Bids: []market.Level{{Price: 99.9, Volume: 10}},
		Asks: []market.Level{{Price: 100.1, Volume: 10}},
		Time: t0,
	}, nil
}

func (f *fakeSource) GetKlines(context.Context, string, market.Type, string, int) ([]market.Kline, error) {
	return nil, nil
}

func (f *fakeSource) GetRecentTrades(context.Context, string, market.Type, int) ([]market.Trade, error) {
	return nil, nil
}

func (f *fakeSource) GetFundingRate(_ context.Context, symbol string) (market.FundingRecord, error) {
	if f.fundingErr != nil {
		return market.FundingRecord{}, f.fundingErr
	}
	return market.FundingRecord{Market: symbol, Rate: 0.0001, FundingTime: t0}, nil
}

func (f *fakeSource) GetFundingHistory(context.Context, string, int) ([]market.FundingRecord, error) {
	return nil, f.fundingErr
}

func (f *fakeSource) GetPremiumIndex(context.Context, string) (market.PremiumIndex, error) {
	return market.PremiumIndex{}, fetcher.ErrUnsupported
}

func (f *fakeSource) GetBasisHistory(context.Context, string, string, int) ([]market.BasisRecord, error) {
	return nil, nil
}

func (f *fakeSource) GetLiquidations(context.Context, string, int) ([]market.LiquidationEvent, error) {
	return f.liquidations, nil
}

func (f *fakeSource) GetPositionTiers(context.Context, string) ([]market.PositionTier, error) {
	if f.tiers == nil {
		return nil, fetcher.ErrUnsupported
	}
	return f.tiers, nil
}

func (f *fakeSource) GetOpenInterest(context.Context, string) (float64, error) {
	return 1200, nil
}

func (f *fakeSource) GetAllTickers(context.Context) ([]market.Ticker, error) {
	return f.tickers, f.tickersErr
}

func (f *fakeSource) GetAllFuturesTickers(context.Context) ([]market.Ticker, error) {
	return f.tickers, f.tickersErr
}

func newTestMonitor(t *testing.T, src fetcher.Source, typ market.Type) (*Monitor, *alerting.Manager) {
	t.Helper()
	logger := zerolog.Nop()
	opts := DefaultOptions()
	opts.Type = typ
	opts.Rediscovery = ""
	opts.DiscoveryTimeout = 50 * time.Millisecond

	alerts := alerting.NewManager(alerting.DefaultOptions(), alerting.NewMemoryCooldown(), nil, nil, logger)
	m := New(opts, Deps{
		Source:    src,
		Engine:    engine.New(engine.Options{}, nil, logger),
		Scheduler: scheduler.New(scheduler.DefaultOptions(), logger),
		Alerts:    alerts,
	}, detector.DefaultThresholds(), logger)
	m.now = func() time.Time { return t0 }
	return m, alerts
}

func TestProcessMarketFetchFailureProducesNoAlerts(t *testing.T) {
	src := &fakeSource{bookErr: &fetcher.FetchError{Kind: fetcher.KindTimeout, Op: "depth", Market: "BTCUSDT", Err: context.DeadlineExceeded}}
	m, alerts := newTestMonitor(t, src, market.Spot)

	res, err := m.ProcessMarket(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, fetcher.KindTimeout, fetcher.Classify(err))
	assert.Empty(t, res.Alerts)
	assert.Empty(t, alerts.Recent(10))

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.FetchErrors["timeout"])
	assert.Zero(t, stats.Checks)
}

func TestProcessMarketFuturesCascadeEmitsAlert(t *testing.T) {
	var liqs []market.LiquidationEvent
	for i := 0; i < 6; i++ {
		liqs = append(liqs, market.LiquidationEvent{
			Market: "ETHUSDT", Side: "SELL", Price: 2000, Volume: 5,
			Time: t0.Add(-time.Duration(30-i*5) * time.Second),
		})
	}
	src := &fakeSource{liquidations: liqs}
	m, alerts := newTestMonitor(t, src, market.Futures)

	res, err := m.ProcessMarket(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, res.Vector)

	var cascade *market.Alert
	for i := range res.Alerts {
		if res.Alerts[i].Pattern == market.PatternLiquidationCascade {
			cascade = &res.Alerts[i]
		}
	}
	require.NotNil(t, cascade)
	assert.Equal(t, 90.0, cascade.Score)
	assert.Equal(t, market.RiskHigh, cascade.Risk)
	assert.Equal(t, 6, cascade.Evidence["liquidations"])

	assert.NotEmpty(t, alerts.Recent(10))
	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Checks)
	assert.Equal(t, int64(len(res.Alerts)), stats.AlertsEmitted)
	assert.Equal(t, []string{"ETHUSDT"}, stats.HighRiskMarkets)

	// Same window again: cooldown suppresses the repeat.
	_, err = m.ProcessMarket(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(len(res.Alerts)), m.Stats().AlertsEmitted)
}

func TestProcessMarketIgnoresOptionalFuturesFailures(t *testing.T) {
	src := &fakeSource{fundingErr: fetcher.ErrUnsupported}
	m, _ := newTestMonitor(t, src, market.Futures)

	res, err := m.ProcessMarket(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	require.NotNil(t, res.Vector)
	require.NotNil(t, res.Vector.Futures)
	assert.Empty(t, m.Stats().FetchErrors)

	latest, ok := m.windows.get("SOLUSDT").Latest()
	require.True(t, ok)
	assert.Equal(t, 1200.0, latest.OpenInterest)
}

func TestProcessMarketPositionConcentrationFromReportedTiers(t *testing.T) {
	src := &fakeSource{tiers: []market.PositionTier{
		{Tier: 1, NotionalCap: 50_000, OpenInterest: 700},
		{Tier: 2, NotionalFloor: 50_000, NotionalCap: 250_000, OpenInterest: 200},
		{Tier: 3, NotionalFloor: 250_000, NotionalCap: 1_000_000, OpenInterest: 100},
	}}
	m, _ := newTestMonitor(t, src, market.Futures)

	res, err := m.ProcessMarket(context.Background(), "BNBUSDT")
	require.NoError(t, err)
	require.NotNil(t, res.Vector)
	require.NotNil(t, res.Vector.Futures)
	assert.InDelta(t, 70.0, res.Vector.Futures.TierConcentration, 1e-9)

	var found bool
	for _, a := range res.Alerts {
		if a.Pattern == market.PatternPositionConcentration {
			found = true
			assert.Equal(t, 60.0, a.Score)
			assert.Equal(t, 1, a.Evidence["tier"])
		}
	}
	assert.True(t, found)
}

func TestDiscoverFiltersByQuoteAndVolume(t *testing.T) {
	src := &fakeSource{tickers: []market.Ticker{
		{Symbol: "BTCUSDT", QuoteVolume24h: 9e8},
		{Symbol: "ETHUSDT", QuoteVolume24h: 4e8},
		{Symbol: "ETHBTC", QuoteVolume24h: 5e8},
		{Symbol: "DOGEUSDT", QuoteVolume24h: 999_999},
		{Symbol: "XRPUSDT", QuoteVolume24h: 1_000_000},
	}}
	m, _ := newTestMonitor(t, src, market.Spot)

	got, err := m.Discover(context.Background(), "usdt", 1_000_000, market.Spot)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"}, got)
}

func TestDiscoverWrapsFailure(t *testing.T) {
	src := &fakeSource{tickersErr: errors.New("connection refused")}
	m, _ := newTestMonitor(t, src, market.Spot)

	_, err := m.Discover(context.Background(), "USDT", 0, market.Spot)
	require.Error(t, err)
	assert.ErrorIs(t, err, fetcher.ErrDiscovery)

	err = m.Run(context.Background(), MonitorRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, fetcher.ErrDiscovery)
	assert.Positive(t, m.Stats().Events[string(market.EventDiscoveryFail)])
}

func TestUpdateThresholds(t *testing.T) {
	m, _ := newTestMonitor(t, &fakeSource{}, market.Spot)

	th := m.Thresholds()
	th.LiquidationCount = 8
	require.NoError(t, m.UpdateThresholds(th))
	assert.Equal(t, 8, m.Thresholds().LiquidationCount)

	bad := th
	bad.LiquidationCount = 0
	require.Error(t, m.UpdateThresholds(bad))
	assert.Equal(t, 8, m.Thresholds().LiquidationCount)
}

func TestStartRejectsSecondSession(t *testing.T) {
	m, _ := newTestMonitor(t, &fakeSource{}, market.Spot)

	require.NoError(t, m.Start(context.Background(), MonitorRequest{Markets: []string{"btcusdt", "BTCUSDT"}}))
	assert.ErrorIs(t, m.Start(context.Background(), MonitorRequest{}), ErrAlreadyRunning)

	assert.Eventually(t, func() bool { return m.Stats().TotalMarkets == 1 }, time.Second, 10*time.Millisecond)
	m.Stop()
	assert.False(t, m.Stats().Running)
	require.NoError(t, m.Start(context.Background(), MonitorRequest{Markets: []string{"ETHUSDT"}}))
	m.Stop()
}

func TestPromotionSignal(t *testing.T) {
	p := DefaultPromotion()
	calm := &features.Vector{Oscillator: features.Oscillator{RSI: 50}}
	assert.False(t, p.Signal(calm))
	assert.False(t, p.Signal(nil))

	cases := map[string]*features.Vector{
		"volatility": {PriceImpact: features.PriceImpact{VolatilityPct: 2.5}},
		"spike":      {Volume: features.Volume{SpikeRatio: 1.6}},
		"imbalance":  {PriceImpact: features.PriceImpact{Imbalance: -0.65}},
		"rsi low":    {Oscillator: features.Oscillator{RSI: 25}},
		"rsi high":   {Oscillator: features.Oscillator{RSI: 75}},
	}
	for name, v := range cases {
		assert.True(t, p.Signal(v), name)
	}
	assert.False(t, p.Signal(&features.Vector{PriceImpact: features.PriceImpact{Imbalance: 0.6}}))
}

func TestRepeatedFetchFailuresDemoteWithoutAlerts(t *testing.T) {
	src := &fakeSource{bookErr: &fetcher.FetchError{Kind: fetcher.KindTimeout, Op: "depth", Market: "BTCUSDT", Err: context.DeadlineExceeded}}
	m, alerts := newTestMonitor(t, src, market.Spot)
	m.deps.Scheduler = scheduler.New(scheduler.Options{
		MaxConcurrent:    2,
		HighInterval:     5 * time.Millisecond,
		MediumInterval:   5 * time.Millisecond,
		LowInterval:      5 * time.Millisecond,
		FailureThreshold: 3,
		FailureCeiling:   1000,
		MaxBackoff:       20 * time.Millisecond,
	}, zerolog.Nop())
	m.deps.Scheduler.OnEvent(m.recordEvent)

	require.NoError(t, m.Start(context.Background(), MonitorRequest{Markets: []string{"BTCUSDT"}}))
	defer m.Stop()

	assert.Eventually(t, func() bool {
		task, ok := m.deps.Scheduler.Task("BTCUSDT")
		return ok && task.Failures >= 3 && task.Tier == scheduler.TierLow
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return m.Stats().Events[string(market.EventDemoted)] == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, alerts.Recent(0))
	stats := m.Stats()
	assert.Zero(t, stats.AlertsEmitted)
	assert.Zero(t, stats.Checks)
	assert.GreaterOrEqual(t, stats.FetchErrors["timeout"], int64(3))
}

func TestRediscoverRemovesDelistedMarkets(t *testing.T) {
	src := &fakeSource{tickers: []market.Ticker{
		{Symbol: "AAAUSDT", QuoteVolume24h: 5e6},
		{Symbol: "BBBUSDT", QuoteVolume24h: 4e6},
	}}
	m, _ := newTestMonitor(t, src, market.Spot)
	req := MonitorRequest{Type: market.Spot, QuoteCurrency: "USDT", MinVolume: 1e6}
	m.admit("AAAUSDT", market.Spot)
	m.admit("BBBUSDT", market.Spot)

	src.tickers = []market.Ticker{
		{Symbol: "AAAUSDT", QuoteVolume24h: 5e6},
		{Symbol: "BBBUSDT", QuoteVolume24h: 2e5},
		{Symbol: "CCCUSDT", QuoteVolume24h: 3e6},
	}
	m.rediscover(context.Background(), req, false)

	_, ok := m.deps.Scheduler.Task("BBBUSDT")
	assert.False(t, ok, "market below the volume floor is unscheduled")
	assert.Nil(t, m.windows.get("BBBUSDT"))
	_, ok = m.deps.Scheduler.Task("CCCUSDT")
	assert.True(t, ok)
	assert.NotNil(t, m.windows.get("AAAUSDT"))
	assert.Equal(t, 2, m.Stats().TotalMarkets)
	assert.Equal(t, int64(1), m.Stats().Events[string(market.EventRemoved)])

	src.tickers = nil
	m.rediscover(context.Background(), req, false)
	assert.Equal(t, 2, m.Stats().TotalMarkets, "an empty listing keeps the current set")

	src.tickersErr = errors.New("connection reset")
	m.rediscover(context.Background(), req, false)
	assert.Equal(t, 2, m.Stats().TotalMarkets, "a failed listing keeps the current set")
}

func TestRediscoverKeepsFixedMarkets(t *testing.T) {
	src := &fakeSource{tickers: []market.Ticker{{Symbol: "AAAUSDT", QuoteVolume24h: 5e6}}}
	m, _ := newTestMonitor(t, src, market.Spot)
	m.admit("ZZZUSDT", market.Spot)

	m.rediscover(context.Background(), MonitorRequest{Type: market.Spot, QuoteCurrency: "USDT"}, true)
	_, ok := m.deps.Scheduler.Task("ZZZUSDT")
	assert.True(t, ok)
	assert.Equal(t, 1, m.Stats().TotalMarkets)
}

func TestSlowCycleRaisesOverBudgetWithoutBlocking(t *testing.T) {
	src := &fakeSource{delay: 20 * time.Millisecond}
	m, alerts := newTestMonitor(t, src, market.Spot)
	m.opts.CycleBudget = 5 * time.Millisecond
	m.deps.Scheduler = scheduler.New(scheduler.Options{
		MaxConcurrent:  1,
		HighInterval:   time.Millisecond,
		MediumInterval: time.Millisecond,
		LowInterval:    time.Millisecond,
	}, zerolog.Nop())
	m.deps.Scheduler.OnEvent(m.recordEvent)

	require.NoError(t, m.Start(context.Background(), MonitorRequest{Markets: []string{"SLOWUSDT"}}))
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return m.Stats().Events[string(market.EventOverBudget)] >= 3
	}, 2*time.Second, 5*time.Millisecond, "later cycles still run after an overrun")

	task, ok := m.deps.Scheduler.Task("SLOWUSDT")
	require.True(t, ok)
	assert.Zero(t, task.Failures, "an overrun is not a failure")
	assert.False(t, task.Suspended)
	assert.Empty(t, alerts.Recent(0))
}

func TestFastCycleStaysWithinBudget(t *testing.T) {
	m, _ := newTestMonitor(t, &fakeSource{}, market.Spot)
	m.opts.CycleBudget = time.Minute

	_, err := m.ProcessMarket(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, m.Stats().Events[string(market.EventOverBudget)])
}
