package service

import (
	"math"

	"manipwatch/internal/features"
)

// Promotion holds the feature limits that move a market to the high tier.
type Promotion struct {
	VolatilityPct float64 `mapstructure:"volatility_pct"`
	VolumeSpike   float64 `mapstructure:"volume_spike"`
	ImbalancePct  float64 `mapstructure:"imbalance_pct"`
	RSILow        float64 `mapstructure:"rsi_low"`
	RSIHigh       float64 `mapstructure:"rsi_high"`
}

// DefaultPromotion returns 2% volatility, 1.5x spike, 60% imbalance and RSI outside [30,70].
func DefaultPromotion() Promotion {
	return Promotion{VolatilityPct: 2, VolumeSpike: 1.5, ImbalancePct: 60, RSILow: 30, RSIHigh: 70}
}

// Signal reports whether v warrants high-frequency checks.
func (p Promotion) Signal(v *features.Vector) bool {
	if v == nil {
		return false
	}
	if v.PriceImpact.VolatilityPct > p.VolatilityPct {
		return true
	}
	if v.Volume.SpikeRatio > p.VolumeSpike {
		return true
	}
	if math.Abs(v.PriceImpact.Imbalance)*100 > p.ImbalancePct {
		return true
	}
	// The extractor reports a neutral 50 on short history; 0 means no oscillator was computed.
	rsi := v.Oscillator.RSI
	return rsi > 0 && (rsi < p.RSILow || rsi > p.RSIHigh)
}
