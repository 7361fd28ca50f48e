package detector

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"manipwatch/internal/features"
	"manipwatch/internal/market"
)

// zEpsilon keeps a z-score sitting exactly on the threshold from firing on rounding noise.
const zEpsilon = 1e-9

// Candidate is one triggered rule before the engine turns it into an Alert.
type Candidate struct {
	Pattern     market.PatternType
	BaseScore   float64
	Explanation string
	Evidence    map[string]any
}

// Func is a pure detector over a vector and its raw window.
type Func func(v *features.Vector, w *features.Window, th Thresholds) *Candidate

// Rule binds a pattern to its detector.
type Rule struct {
	Pattern     market.PatternType
	FuturesOnly bool
	Detect      Func
}

var baseScores = map[market.PatternType]float64{
	market.PatternWashTrading:           75,
	market.PatternPumpDump:              80,
	market.PatternSpoofing:              70,
	market.PatternLayering:              70,
	market.PatternHFT:                   65,
	market.PatternFundingManipulation:   85,
	market.PatternLiquidationCascade:    90,
	market.PatternBasisManipulation:     75,
	market.PatternPositionConcentration: 60,
}

// BaseScore returns the fixed score of a rule pattern, 0 for unknown patterns.
func BaseScore(p market.PatternType) float64 {
	return baseScores[p]
}

// Rules returns every detector in evaluation order.
func Rules() []Rule {
	return []Rule{
		{Pattern: market.PatternWashTrading, Detect: WashTrading},
		{Pattern: market.PatternPumpDump, Detect: PumpDump},
		{Pattern: market.PatternSpoofing, Detect: Spoofing},
		{Pattern: market.PatternLayering, Detect: Layering},
		{Pattern: market.PatternHFT, Detect: HFT},
		{Pattern: market.PatternFundingManipulation, FuturesOnly: true, Detect: FundingManipulation},
		{Pattern: market.PatternLiquidationCascade, FuturesOnly: true, Detect: LiquidationCascade},
		{Pattern: market.PatternBasisManipulation, FuturesOnly: true, Detect: BasisManipulation},
		{Pattern: market.PatternPositionConcentration, FuturesOnly: true, Detect: PositionConcentration},
	}
}

// Evaluate runs every applicable rule; at most one candidate per pattern.
func Evaluate(v *features.Vector, w *features.Window, th Thresholds) []Candidate {
	if v == nil || w == nil {
		return nil
	}
	var out []Candidate
	for _, rule := range Rules() {
		if rule.FuturesOnly && v.Type != market.Futures {
			continue
		}
		if c := rule.Detect(v, w, th); c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func candidate(p market.PatternType, explanation string, evidence map[string]any) *Candidate {
	return &Candidate{Pattern: p, BaseScore: BaseScore(p), Explanation: explanation, Evidence: evidence}
}

// WashTrading flags identifiers that appear as buyer and seller at near-identical prices.
func WashTrading(v *features.Vector, w *features.Window, th Thresholds) *Candidate {
	trades := w.Trades()
	matches := 0
	accounts := make(map[string]int)

	for i, a := range trades {
		if a.BuyerID == "" && a.SellerID == "" {
			continue
		}
		if a.BuyerID != "" && a.BuyerID == a.SellerID {
			matches++
			accounts[a.BuyerID]++
			continue
		}
		for j := i + 1; j < len(trades); j++ {
			b := trades[j]
			if b.Time.Sub(a.Time) > th.WashWindow {
				break
			}
			var id string
			switch {
			case a.BuyerID != "" && a.BuyerID == b.SellerID:
				id = a.BuyerID
			case a.SellerID != "" && a.SellerID == b.BuyerID:
				id = a.SellerID
			default:
				continue
			}
			if pctDiff(a.Price, b.Price) <= th.WashPriceTolerancePct {
				matches++
				accounts[id]++
				break
			}
		}
	}
	if matches < th.WashMinMatches {
		return nil
	}

	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return candidate(market.PatternWashTrading,
		fmt.Sprintf("%d trade pairs with the same account on both sides within %s at prices within %.2f%% (accounts: %s)",
			matches, th.WashWindow, th.WashPriceTolerancePct, strings.Join(ids, ",")),
		map[string]any{
			"matched_pairs": matches,
			"accounts":      ids,
			"window":        th.WashWindow.String(),
		})
}

// PumpDump flags a large run-up on a volume spike. The retrace from the peak is
// reported as evidence and gated only when PumpReversalPct is set.
func PumpDump(v *features.Vector, w *features.Window, th Thresholds) *Candidate {
	p := v.PriceImpact
	if p.RunUpPct <= th.PumpPriceChangePct || v.Volume.MaxSpikeRatio <= th.PumpVolumeSpike || p.ReversalPct < th.PumpReversalPct {
		return nil
	}
	return candidate(market.PatternPumpDump,
		fmt.Sprintf("price ran up %.1f%% on %.1fx trailing volume, %.1f%% off the peak",
			p.RunUpPct, v.Volume.MaxSpikeRatio, p.ReversalPct),
		map[string]any{
			"run_up_pct":     round(p.RunUpPct, 2),
			"volume_spike":   round(v.Volume.MaxSpikeRatio, 2),
			"reversal_pct":   round(p.ReversalPct, 2),
			"last_price":     p.LastPrice,
			"price_horizon":  "24h",
			"volume_average": round(v.Volume.TrailingAverage, 4),
		})
}

// Spoofing flags large far-from-mid orders cancelled shortly after appearing.
func Spoofing(v *features.Vector, w *features.Window, th Thresholds) *Candidate {
	var hits []features.CancelledLevel
	for _, c := range v.Churn.Cancellations {
		if c.Notional > th.SpoofLargeOrderNotional && c.DistancePct > th.SpoofDistancePct && c.Lifetime <= th.SpoofMaxLifetime {
			hits = append(hits, c)
		}
	}
	if len(hits) == 0 {
		return nil
	}
	largest := hits[0]
	for _, h := range hits[1:] {
		if h.Notional > largest.Notional {
			largest = h
		}
	}
	return candidate(market.PatternSpoofing,
		fmt.Sprintf("%d large %s orders %.1f%% from mid cancelled within %s without filling (largest notional %.0f)",
			len(hits), largest.Side, largest.DistancePct, largest.Lifetime, largest.Notional),
		map[string]any{
			"cancelled_orders": len(hits),
			"largest_side":     string(largest.Side),
			"largest_price":    largest.Price,
			"largest_notional": round(largest.Notional, 2),
			"distance_pct":     round(largest.DistancePct, 2),
			"lifetime":         largest.Lifetime.String(),
		})
}

// Layering flags several recently placed levels on one side where most were cancelled together.
func Layering(v *features.Vector, w *features.Window, th Thresholds) *Candidate {
	var best *features.BookTransition
	var bestRapid, bestRecent int
	for i := range v.Churn.Transitions {
		tr := &v.Churn.Transitions[i]
		recent := 0
		for _, age := range tr.Ages {
			if age <= th.LayeringWindow {
				recent++
			}
		}
		rapid := 0
		for _, c := range tr.Cancels {
			if c.Lifetime <= th.LayeringWindow {
				rapid++
			}
		}
		if rapid < th.LayeringMinLevels || recent < th.LayeringMinLevels {
			continue
		}
		if features.Ratio(float64(rapid), float64(recent)) <= th.LayeringCancelRatio {
			continue
		}
		if best == nil || rapid > bestRapid {
			best, bestRapid, bestRecent = tr, rapid, recent
		}
	}
	if best == nil {
		return nil
	}
	return candidate(market.PatternLayering,
		fmt.Sprintf("%d of %d recently placed %s levels cancelled together at %s",
			bestRapid, bestRecent, best.Side, best.Time.UTC().Format(time.RFC3339)),
		map[string]any{
			"side":            string(best.Side),
			"cancelled":       bestRapid,
			"recent_levels":   bestRecent,
			"transition_time": best.Time.UTC().Format(time.RFC3339),
		})
}

// HFT flags quote stuffing and abnormal trade rates.
func HFT(v *features.Vector, w *features.Window, th Thresholds) *Candidate {
	f := v.Frequency
	if f.TradesPerHour <= th.HFTTradesPerHour && f.OrdersPerMinute <= th.HFTOrdersPerMinute {
		return nil
	}
	return candidate(market.PatternHFT,
		fmt.Sprintf("%.0f trades/hour and %.1f new orders/minute exceed the high-frequency limits", f.TradesPerHour, f.OrdersPerMinute),
		map[string]any{
			"trades_per_hour":   round(f.TradesPerHour, 2),
			"orders_per_minute": round(f.OrdersPerMinute, 2),
			"cancellation_rate": round(f.CancellationRate, 4),
		})
}

// FundingManipulation flags a funding rate far outside its trailing distribution.
func FundingManipulation(v *features.Vector, w *features.Window, th Thresholds) *Candidate {
	f := v.Futures
	if f == nil || f.FundingHistory < th.FundingMinHistory {
		return nil
	}
	if math.Abs(f.FundingZScore) <= th.FundingZScore+zEpsilon {
		return nil
	}
	return candidate(market.PatternFundingManipulation,
		fmt.Sprintf("funding rate %.6f is %.2f standard deviations from its trailing mean %.6f",
			f.FundingRate, f.FundingZScore, f.FundingMean),
		map[string]any{
			"funding_rate":    f.FundingRate,
			"trailing_mean":   f.FundingMean,
			"trailing_std":    f.FundingStd,
			"z_score":         round(f.FundingZScore, 4),
			"history_records": f.FundingHistory,
		})
}

// LiquidationCascade flags bursts of liquidations inside any window of the configured length.
func LiquidationCascade(v *features.Vector, w *features.Window, th Thresholds) *Candidate {
	events := w.Liquidations()
	bestCount, bestStart := 0, 0
	start := 0
	for end := range events {
		for events[end].Time.Sub(events[start].Time) > th.LiquidationWindow {
			start++
		}
		if n := end - start + 1; n > bestCount {
			bestCount, bestStart = n, start
		}
	}
	if bestCount < th.LiquidationCount {
		return nil
	}

	burst := events[bestStart : bestStart+bestCount]
	var notional float64
	sides := make(map[string]int)
	for _, ev := range burst {
		notional += ev.Notional()
		sides[ev.Side]++
	}
	return candidate(market.PatternLiquidationCascade,
		fmt.Sprintf("%d liquidations within %s totalling %.0f notional", bestCount, th.LiquidationWindow, notional),
		map[string]any{
			"liquidations": bestCount,
			"notional":     round(notional, 2),
			"sides":        sides,
			"first":        burst[0].Time.UTC().Format(time.RFC3339),
			"last":         burst[len(burst)-1].Time.UTC().Format(time.RFC3339),
		})
}

// BasisManipulation flags a basis rate beyond the limit on every one of the latest samples.
func BasisManipulation(v *features.Vector, w *features.Window, th Thresholds) *Candidate {
	records := w.Basis()
	if len(records) < th.BasisMinSamples {
		return nil
	}
	recent := records[len(records)-th.BasisMinSamples:]
	var sum float64
	for _, r := range recent {
		if math.Abs(r.BasisRate) <= th.BasisRatePct {
			return nil
		}
		sum += r.BasisRate
	}
	mean := sum / float64(len(recent))
	last := recent[len(recent)-1]
	return candidate(market.PatternBasisManipulation,
		fmt.Sprintf("basis rate beyond %.2f%% for %d consecutive samples (latest %.3f%%)", th.BasisRatePct, len(recent), last.BasisRate),
		map[string]any{
			"latest_basis_rate": round(last.BasisRate, 4),
			"mean_basis_rate":   round(mean, 4),
			"samples":           len(recent),
			"futures_price":     last.FuturesPrice,
			"spot_price":        last.SpotPrice,
		})
}

// PositionConcentration flags open interest concentrated in a single margin tier.
func PositionConcentration(v *features.Vector, w *features.Window, th Thresholds) *Candidate {
	f := v.Futures
	if f == nil || f.TierConcentration <= th.ConcentrationPct {
		return nil
	}
	tier := 0
	var largest float64
	for _, t := range w.Tiers() {
		if t.OpenInterest > largest {
			largest, tier = t.OpenInterest, t.Tier
		}
	}
	return candidate(market.PatternPositionConcentration,
		fmt.Sprintf("%.1f%% of open interest sits in margin tier %d", f.TierConcentration, tier),
		map[string]any{
			"tier":          tier,
			"share_pct":     round(f.TierConcentration, 2),
			"tier_notional": largest,
		})
}

func pctDiff(a, b float64) float64 {
	if a == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / math.Abs(a) * 100
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
