package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manipwatch/internal/features"
	"manipwatch/internal/market"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func futuresWindow() *features.Window {
	w := features.NewWindow("BTCUSDT", market.Futures, features.Limits{})
	w.AddSnapshot(market.Snapshot{Market: "BTCUSDT", Type: market.Futures, Time: t0, Price: 100})
	return w
}

func futuresVector(f features.Futures) *features.Vector {
	return &features.Vector{Market: "BTCUSDT", Type: market.Futures, Time: t0, Futures: &f}
}

func liquidations(n int, spacing time.Duration) []market.LiquidationEvent {
	out := make([]market.LiquidationEvent, n)
	for i := range out {
		out[i] = market.LiquidationEvent{
			Market: "BTCUSDT",
			Side:   "SELL",
			Price:  100 + float64(i),
			Volume: 10,
			Time:   t0.Add(time.Duration(i) * spacing),
			Type:   market.LiquidationForced,
		}
	}
	return out
}

func TestLiquidationCascadeBoundary(t *testing.T) {
	th := DefaultThresholds()

	w := futuresWindow()
	events := liquidations(5, 10*time.Second)
	w.AddLiquidations(events[4].Time, events...)
	c := LiquidationCascade(futuresVector(features.Futures{}), w, th)
	require.NotNil(t, c)
	assert.Equal(t, market.PatternLiquidationCascade, c.Pattern)
	assert.Equal(t, 5, c.Evidence["liquidations"])
	assert.Equal(t, 90.0, c.BaseScore)

	w = futuresWindow()
	events = liquidations(4, 10*time.Second)
	w.AddLiquidations(events[3].Time, events...)
	assert.Nil(t, LiquidationCascade(futuresVector(features.Futures{}), w, th))
}

func TestLiquidationCascadeSpreadOutDoesNotFire(t *testing.T) {
	w := futuresWindow()
	events := liquidations(6, 20*time.Second)
	w.AddLiquidations(events[5].Time, events...)
	// any 60s span covers at most 4 of them
	assert.Nil(t, LiquidationCascade(futuresVector(features.Futures{}), w, DefaultThresholds()))
}

func fundingWindow(z float64) *features.Window {
	w := futuresWindow()
	rates := []float64{0.0001, 0.0002, 0.0001, 0.0003, 0.0002, 0.0001, 0.0002, 0.0003}
	for i, r := range rates {
		w.AddFunding(market.FundingRecord{Market: "BTCUSDT", Rate: r, FundingTime: t0.Add(time.Duration(i-len(rates)) * 8 * time.Hour)})
	}
	mean, std := features.MeanStd(rates)
	w.AddFunding(market.FundingRecord{Market: "BTCUSDT", Rate: mean + z*std, FundingTime: t0})
	return w
}

func TestFundingManipulationBoundary(t *testing.T) {
	th := DefaultThresholds()
	ext := features.NewExtractor(features.Options{})

	v := ext.Extract(fundingWindow(3.0))
	require.NotNil(t, v)
	require.Equal(t, 8, v.Futures.FundingHistory)
	assert.Nil(t, FundingManipulation(v, fundingWindow(3.0), th), "exactly 3 sigma must not fire")

	w := fundingWindow(3.01)
	v = ext.Extract(w)
	require.NotNil(t, v)
	c := FundingManipulation(v, w, th)
	require.NotNil(t, c)
	assert.Equal(t, 85.0, c.BaseScore)
	assert.InDelta(t, 3.01, c.Evidence["z_score"], 1e-3)
}

func TestFundingManipulationNeedsHistory(t *testing.T) {
	v := futuresVector(features.Futures{FundingZScore: 10, FundingHistory: 4})
	assert.Nil(t, FundingManipulation(v, futuresWindow(), DefaultThresholds()))
}

func TestPumpDump(t *testing.T) {
	th := DefaultThresholds()
	v := &features.Vector{Market: "PUMPUSDT", Type: market.Spot}
	v.PriceImpact.RunUpPct = 60
	v.PriceImpact.ReversalPct = 12.5
	v.Volume.MaxSpikeRatio = 4

	c := PumpDump(v, nil, th)
	require.NotNil(t, c)
	assert.Equal(t, market.PatternPumpDump, c.Pattern)

	v.PriceImpact.ReversalPct = 0
	assert.NotNil(t, PumpDump(v, nil, th), "retrace is not required by default")

	th.PumpReversalPct = 10
	v.PriceImpact.ReversalPct = 2
	assert.Nil(t, PumpDump(v, nil, th), "retrace below the configured minimum")
	th.PumpReversalPct = 0

	v.PriceImpact.ReversalPct = 12.5
	v.Volume.MaxSpikeRatio = 2
	assert.Nil(t, PumpDump(v, nil, th), "no volume spike")
}

func TestSpoofing(t *testing.T) {
	th := DefaultThresholds()
	v := &features.Vector{Market: "BTCUSDT", Type: market.Spot}
	v.Churn.Cancellations = []features.CancelledLevel{
		{Side: features.SideBid, Price: 95, Volume: 1000, Notional: 95_000, DistancePct: 5, Lifetime: 30 * time.Second},
		{Side: features.SideAsk, Price: 100.5, Volume: 10, Notional: 1005, DistancePct: 0.5, Lifetime: 30 * time.Second},
	}
	c := Spoofing(v, nil, th)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Evidence["cancelled_orders"])
	assert.Equal(t, "bid", c.Evidence["largest_side"])

	v.Churn.Cancellations[0].Lifetime = 10 * time.Minute
	assert.Nil(t, Spoofing(v, nil, th), "long-lived orders are not spoofs")
}

func TestLayering(t *testing.T) {
	th := DefaultThresholds()
	v := &features.Vector{Market: "BTCUSDT", Type: market.Spot}
	recent := []time.Duration{time.Minute, time.Minute, time.Minute, time.Minute, 10 * time.Minute}
	cancels := make([]features.CancelledLevel, 3)
	for i := range cancels {
		cancels[i] = features.CancelledLevel{Side: features.SideAsk, Price: 101 + float64(i), Lifetime: time.Minute}
	}
	v.Churn.Transitions = []features.BookTransition{{Time: t0, Side: features.SideAsk, Ages: recent, Cancels: cancels}}

	c := Layering(v, nil, th)
	require.NotNil(t, c)
	assert.Equal(t, 3, c.Evidence["cancelled"])
	assert.Equal(t, 4, c.Evidence["recent_levels"])

	v.Churn.Transitions[0].Cancels = cancels[:2]
	assert.Nil(t, Layering(v, nil, th))
}

func TestHFT(t *testing.T) {
	th := DefaultThresholds()
	v := &features.Vector{}
	v.Frequency.TradesPerHour = 100
	assert.Nil(t, HFT(v, nil, th))
	v.Frequency.TradesPerHour = 150
	assert.NotNil(t, HFT(v, nil, th))
	v.Frequency.TradesPerHour = 10
	v.Frequency.OrdersPerMinute = 60
	assert.NotNil(t, HFT(v, nil, th))
}

func TestBasisManipulation(t *testing.T) {
	th := DefaultThresholds()
	w := futuresWindow()
	for i, rate := range []float64{0.5, 2.5, 3.0, 2.2} {
		w.AddBasis(market.BasisRecord{Market: "BTCUSDT", Time: t0.Add(time.Duration(i) * 5 * time.Minute), BasisRate: rate})
	}
	c := BasisManipulation(futuresVector(features.Futures{}), w, th)
	require.NotNil(t, c)
	assert.Equal(t, 3, c.Evidence["samples"])

	w.AddBasis(market.BasisRecord{Market: "BTCUSDT", Time: t0.Add(time.Hour), BasisRate: 1.0})
	assert.Nil(t, BasisManipulation(futuresVector(features.Futures{}), w, th))
}

func TestPositionConcentration(t *testing.T) {
	th := DefaultThresholds()
	w := futuresWindow()
	w.SetTiers([]market.PositionTier{{Tier: 1, OpenInterest: 800}, {Tier: 2, OpenInterest: 200}})
	c := PositionConcentration(futuresVector(features.Futures{TierConcentration: 80}), w, th)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Evidence["tier"])

	assert.Nil(t, PositionConcentration(futuresVector(features.Futures{TierConcentration: 25}), w, th))
}

func TestWashTrading(t *testing.T) {
	th := DefaultThresholds()
	w := features.NewWindow("XUSDT", market.Spot, features.Limits{})
	w.AddTrades([]market.Trade{
		{ID: "1", Price: 10.00, Volume: 5, Time: t0, BuyerID: "acct-a", SellerID: "acct-b"},
		{ID: "2", Price: 10.005, Volume: 5, Time: t0.Add(time.Minute), BuyerID: "acct-b", SellerID: "acct-a"},
		{ID: "3", Price: 10.00, Volume: 5, Time: t0.Add(2 * time.Minute), BuyerID: "acct-a", SellerID: "acct-c"},
		{ID: "4", Price: 10.001, Volume: 5, Time: t0.Add(3 * time.Minute), BuyerID: "acct-c", SellerID: "acct-a"},
	})
	c := WashTrading(&features.Vector{}, w, th)
	require.NotNil(t, c)
	assert.GreaterOrEqual(t, c.Evidence["matched_pairs"], 2)

	anon := features.NewWindow("XUSDT", market.Spot, features.Limits{})
	anon.AddTrades([]market.Trade{
		{ID: "1", Price: 10, Volume: 5, Time: t0},
		{ID: "2", Price: 10, Volume: 5, Time: t0.Add(time.Second)},
	})
	assert.Nil(t, WashTrading(&features.Vector{}, anon, th), "public trades carry no identifiers")
}

func TestEvaluateSkipsFuturesRulesOnSpot(t *testing.T) {
	th := DefaultThresholds()
	w := features.NewWindow("BTCUSDT", market.Spot, features.Limits{})
	w.AddSnapshot(market.Snapshot{Market: "BTCUSDT", Type: market.Spot, Time: t0, Price: 100})
	v := &features.Vector{Market: "BTCUSDT", Type: market.Spot, Futures: &features.Futures{TierConcentration: 90}}
	assert.Empty(t, Evaluate(v, w, th))

	v.Type = market.Futures
	got := Evaluate(v, w, th)
	require.Len(t, got, 1)
	assert.Equal(t, market.PatternPositionConcentration, got[0].Pattern)
}

func TestThresholdsValidate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())

	th := DefaultThresholds()
	th.FundingZScore = 0
	th.LayeringCancelRatio = 1.5
	err := th.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "funding_z_score")
	assert.Contains(t, err.Error(), "layering_cancel_ratio")
}
