package detector

import (
	"errors"
	"fmt"
	"time"
)

// Thresholds enumerates every rule parameter. Values are tunable defaults, not calibrated constants.
type Thresholds struct {
	// Wash trading: same identifier on both sides within WashWindow at prices within WashPriceTolerancePct.
	WashWindow            time.Duration `mapstructure:"wash_window" json:"wash_window"`
	WashPriceTolerancePct float64       `mapstructure:"wash_price_tolerance_pct" json:"wash_price_tolerance_pct"`
	WashMinMatches        int           `mapstructure:"wash_min_matches" json:"wash_min_matches"`

	// Pump and dump: run-up and volume spike inside the horizon. A positive PumpReversalPct
	// additionally requires the last price to have retraced that far from the peak.
	PumpPriceChangePct float64 `mapstructure:"pump_price_change_pct" json:"pump_price_change_pct"`
	PumpVolumeSpike    float64 `mapstructure:"pump_volume_spike" json:"pump_volume_spike"`
	PumpReversalPct    float64 `mapstructure:"pump_reversal_pct" json:"pump_reversal_pct"`

	// Spoofing: a large resting order far from mid that is cancelled quickly.
	SpoofLargeOrderNotional float64       `mapstructure:"spoof_large_order_notional" json:"spoof_large_order_notional"`
	SpoofDistancePct        float64       `mapstructure:"spoof_distance_pct" json:"spoof_distance_pct"`
	SpoofMaxLifetime        time.Duration `mapstructure:"spoof_max_lifetime" json:"spoof_max_lifetime"`

	// Layering: at least LayeringMinLevels recent levels on one side, more than LayeringCancelRatio of them cancelled.
	LayeringMinLevels   int           `mapstructure:"layering_min_levels" json:"layering_min_levels"`
	LayeringCancelRatio float64       `mapstructure:"layering_cancel_ratio" json:"layering_cancel_ratio"`
	LayeringWindow      time.Duration `mapstructure:"layering_window" json:"layering_window"`

	HFTTradesPerHour   float64 `mapstructure:"hft_trades_per_hour" json:"hft_trades_per_hour"`
	HFTOrdersPerMinute float64 `mapstructure:"hft_orders_per_minute" json:"hft_orders_per_minute"`

	FundingZScore     float64 `mapstructure:"funding_z_score" json:"funding_z_score"`
	FundingMinHistory int     `mapstructure:"funding_min_history" json:"funding_min_history"`

	LiquidationCount  int           `mapstructure:"liquidation_count" json:"liquidation_count"`
	LiquidationWindow time.Duration `mapstructure:"liquidation_window" json:"liquidation_window"`

	BasisRatePct    float64 `mapstructure:"basis_rate_pct" json:"basis_rate_pct"`
	BasisMinSamples int     `mapstructure:"basis_min_samples" json:"basis_min_samples"`

	ConcentrationPct float64 `mapstructure:"concentration_pct" json:"concentration_pct"`
}

// DefaultThresholds returns the documented rule defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WashWindow:              5 * time.Minute,
		WashPriceTolerancePct:   0.1,
		WashMinMatches:          2,
		PumpPriceChangePct:      50,
		PumpVolumeSpike:         3.0,
		PumpReversalPct:         0,
		SpoofLargeOrderNotional: 50_000,
		SpoofDistancePct:        2,
		SpoofMaxLifetime:        2 * time.Minute,
		LayeringMinLevels:       3,
		LayeringCancelRatio:     0.5,
		LayeringWindow:          2 * time.Minute,
		HFTTradesPerHour:        100,
		HFTOrdersPerMinute:      50,
		FundingZScore:           3,
		FundingMinHistory:       8,
		LiquidationCount:        5,
		LiquidationWindow:       60 * time.Second,
		BasisRatePct:            2,
		BasisMinSamples:         3,
		ConcentrationPct:        30,
	}
}

// Validate rejects thresholds that would make a rule meaningless.
func (t Thresholds) Validate() error {
	var errs []error
	positive := func(name string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("detection.%s must be greater than zero", name))
		}
	}
	atLeastOne := func(name string, v int) {
		if v < 1 {
			errs = append(errs, fmt.Errorf("detection.%s must be at least 1", name))
		}
	}

	positive("wash_window", float64(t.WashWindow))
	if t.WashPriceTolerancePct < 0 {
		errs = append(errs, errors.New("detection.wash_price_tolerance_pct cannot be negative"))
	}
	atLeastOne("wash_min_matches", t.WashMinMatches)
	positive("pump_price_change_pct", t.PumpPriceChangePct)
	positive("pump_volume_spike", t.PumpVolumeSpike)
	if t.PumpReversalPct < 0 {
		errs = append(errs, errors.New("detection.pump_reversal_pct cannot be negative"))
	}
	positive("spoof_large_order_notional", t.SpoofLargeOrderNotional)
	positive("spoof_distance_pct", t.SpoofDistancePct)
	positive("spoof_max_lifetime", float64(t.SpoofMaxLifetime))
	atLeastOne("layering_min_levels", t.LayeringMinLevels)
	if t.LayeringCancelRatio < 0 || t.LayeringCancelRatio >= 1 {
		errs = append(errs, errors.New("detection.layering_cancel_ratio must be in [0,1)"))
	}
	positive("layering_window", float64(t.LayeringWindow))
	positive("hft_trades_per_hour", t.HFTTradesPerHour)
	positive("hft_orders_per_minute", t.HFTOrdersPerMinute)
	positive("funding_z_score", t.FundingZScore)
	if t.FundingMinHistory < 2 {
		errs = append(errs, errors.New("detection.funding_min_history must be at least 2"))
	}
	atLeastOne("liquidation_count", t.LiquidationCount)
	positive("liquidation_window", float64(t.LiquidationWindow))
	positive("basis_rate_pct", t.BasisRatePct)
	atLeastOne("basis_min_samples", t.BasisMinSamples)
	positive("concentration_pct", t.ConcentrationPct)
	if t.ConcentrationPct > 100 {
		errs = append(errs, errors.New("detection.concentration_pct cannot exceed 100"))
	}

	return errors.Join(errs...)
}
