package features

import (
	"time"

	"manipwatch/internal/market"
)

// Frequency features.
type Frequency struct {
	TradeCount        int     `json:"trade_count"`
	TradesPerHour     float64 `json:"trades_per_hour"`
	OrderToTradeRatio float64 `json:"order_to_trade_ratio"`
	CancellationRate  float64 `json:"cancellation_rate"`
	OrdersPerMinute   float64 `json:"orders_per_minute"`
}

// Volume features. SpikeRatio is the latest candle against its trailing average;
// MaxSpikeRatio is the largest such ratio inside the pump horizon.
type Volume struct {
	TradeMean       float64 `json:"trade_mean"`
	TradeMedian     float64 `json:"trade_median"`
	TradeStd        float64 `json:"trade_std"`
	Current         float64 `json:"current"`
	TrailingAverage float64 `json:"trailing_average"`
	SpikeRatio      float64 `json:"spike_ratio"`
	MaxSpikeRatio   float64 `json:"max_spike_ratio"`
}

// Temporal features, inter-arrival values in seconds.
type Temporal struct {
	HourBucket       int     `json:"hour_bucket"`
	InterArrivalMean float64 `json:"inter_arrival_mean"`
	InterArrivalStd  float64 `json:"inter_arrival_std"`
	InterArrivalMin  float64 `json:"inter_arrival_min"`
}

// PriceImpact features. Percent values are in percent, Imbalance is in [-1,1].
type PriceImpact struct {
	LastPrice      float64 `json:"last_price"`
	MovingAverage  float64 `json:"moving_average"`
	MADeviationPct float64 `json:"ma_deviation_pct"`
	SpreadBps      float64 `json:"spread_bps"`
	Imbalance      float64 `json:"imbalance"`
	VolatilityPct  float64 `json:"volatility_pct"`
	RunUpPct       float64 `json:"run_up_pct"`
	ReversalPct    float64 `json:"reversal_pct"`
}

// Oscillator features.
type Oscillator struct {
	RSI                float64 `json:"rsi"`
	BollingerPosition  float64 `json:"bollinger_position"`
	BollingerBandwidth float64 `json:"bollinger_bandwidth"`
}

// Futures features; nil for spot markets.
type Futures struct {
	FundingRate       float64 `json:"funding_rate"`
	FundingMean       float64 `json:"funding_mean"`
	FundingStd        float64 `json:"funding_std"`
	FundingZScore     float64 `json:"funding_z_score"`
	FundingHistory    int     `json:"funding_history"`
	BasisRate         float64 `json:"basis_rate"`
	LiquidationCount  int     `json:"liquidation_count"`
	LiquidationVolume float64 `json:"liquidation_volume"`
	TierConcentration float64 `json:"tier_concentration"`
	OpenInterestDelta float64 `json:"open_interest_delta"`
}

// Vector is the fixed-schema summary of one market window.
type Vector struct {
	Market      string      `json:"market"`
	Type        market.Type `json:"type"`
	WindowID    string      `json:"window_id"`
	Time        time.Time   `json:"time"`
	Frequency   Frequency   `json:"frequency"`
	Volume      Volume      `json:"volume"`
	Temporal    Temporal    `json:"temporal"`
	PriceImpact PriceImpact `json:"price_impact"`
	Oscillator  Oscillator  `json:"oscillator"`
	Futures     *Futures    `json:"futures,omitempty"`
	Churn       Churn       `json:"-"`
}

var featureNames = []string{
	"trades_per_hour",
	"order_to_trade_ratio",
	"cancellation_rate",
	"orders_per_minute",
	"trade_volume_mean",
	"trade_volume_std",
	"volume_spike_ratio",
	"inter_arrival_mean",
	"inter_arrival_std",
	"ma_deviation_pct",
	"spread_bps",
	"imbalance",
	"volatility_pct",
	"run_up_pct",
	"reversal_pct",
	"rsi",
	"bollinger_position",
	"bollinger_bandwidth",
	"funding_z_score",
	"basis_rate",
	"liquidation_count",
	"liquidation_volume",
	"tier_concentration",
	"open_interest_delta",
}

// Names lists the model input columns in Numeric order.
func Names() []string {
	return append([]string(nil), featureNames...)
}

// Numeric flattens the vector into model input columns; futures columns are 0 for spot.
func (v *Vector) Numeric() []float64 {
	out := []float64{
		v.Frequency.TradesPerHour,
		v.Frequency.OrderToTradeRatio,
		v.Frequency.CancellationRate,
		v.Frequency.OrdersPerMinute,
		v.Volume.TradeMean,
		v.Volume.TradeStd,
		v.Volume.SpikeRatio,
		v.Temporal.InterArrivalMean,
		v.Temporal.InterArrivalStd,
		v.PriceImpact.MADeviationPct,
		v.PriceImpact.SpreadBps,
		v.PriceImpact.Imbalance,
		v.PriceImpact.VolatilityPct,
		v.PriceImpact.RunUpPct,
		v.PriceImpact.ReversalPct,
		v.Oscillator.RSI,
		v.Oscillator.BollingerPosition,
		v.Oscillator.BollingerBandwidth,
		0, 0, 0, 0, 0, 0,
	}
	if f := v.Futures; f != nil {
		copy(out[18:], []float64{
			f.FundingZScore,
			f.BasisRate,
			float64(f.LiquidationCount),
			f.LiquidationVolume,
			f.TierConcentration,
			f.OpenInterestDelta,
		})
	}
	for i := range out {
		out[i] = finite(out[i])
	}
	return out
}
