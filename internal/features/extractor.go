package features

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"manipwatch/internal/market"
)

var (
	// ErrEmptyWindow is reported by Check for a window without snapshots.
	ErrEmptyWindow = errors.New("features: window has no snapshots")
	// ErrMalformedWindow is reported by Check when the latest snapshot is unusable.
	ErrMalformedWindow = errors.New("features: malformed window")
)

// Options tune the indicator lookbacks.
type Options struct {
	MAPeriod          int           `mapstructure:"ma_period"`
	RSIPeriod         int           `mapstructure:"rsi_period"`
	BollingerPeriod   int           `mapstructure:"bollinger_period"`
	BollingerDev      float64       `mapstructure:"bollinger_dev"`
	VolumeTrailing    int           `mapstructure:"volume_trailing"`
	BookLevels        int           `mapstructure:"book_levels"`
	LiquidationWindow time.Duration `mapstructure:"liquidation_window"`
	PumpHorizon       time.Duration `mapstructure:"pump_horizon"`
}

// DefaultOptions returns the standard lookbacks.
func DefaultOptions() Options {
	return Options{
		MAPeriod:          20,
		RSIPeriod:         14,
		BollingerPeriod:   20,
		BollingerDev:      2,
		VolumeTrailing:    7,
		BookLevels:        5,
		LiquidationWindow: 60 * time.Second,
		PumpHorizon:       24 * time.Hour,
	}
}

// Extractor turns windows into vectors. It holds no per-market state.
type Extractor struct {
	opts Options
}

// NewExtractor constructs an Extractor, filling unset options with defaults.
func NewExtractor(opts Options) *Extractor {
	d := DefaultOptions()
	if opts.MAPeriod <= 0 {
		opts.MAPeriod = d.MAPeriod
	}
	if opts.RSIPeriod <= 0 {
		opts.RSIPeriod = d.RSIPeriod
	}
	if opts.BollingerPeriod <= 1 {
		opts.BollingerPeriod = d.BollingerPeriod
	}
	if opts.BollingerDev <= 0 {
		opts.BollingerDev = d.BollingerDev
	}
	if opts.VolumeTrailing <= 0 {
		opts.VolumeTrailing = d.VolumeTrailing
	}
	if opts.BookLevels <= 0 {
		opts.BookLevels = d.BookLevels
	}
	if opts.LiquidationWindow <= 0 {
		opts.LiquidationWindow = d.LiquidationWindow
	}
	if opts.PumpHorizon <= 0 {
		opts.PumpHorizon = d.PumpHorizon
	}
	return &Extractor{opts: opts}
}

// Check reports why a window cannot produce a vector, or nil.
func Check(w *Window) error {
	if w == nil || w.Len() == 0 {
		return ErrEmptyWindow
	}
	latest, _ := w.Latest()
	if latest.Price <= 0 || math.IsNaN(latest.Price) || math.IsInf(latest.Price, 0) {
		return fmt.Errorf("%w: latest price %v", ErrMalformedWindow, latest.Price)
	}
	return nil
}

// Extract computes the feature vector, or nil when the window has no usable snapshot.
func (e *Extractor) Extract(w *Window) *Vector {
	if Check(w) != nil {
		return nil
	}
	latest, _ := w.Latest()

	v := &Vector{
		Market:   w.Market,
		Type:     w.Type,
		WindowID: fmt.Sprintf("%s-%d-%d", w.Market, latest.Time.UnixMilli(), w.Len()),
		Time:     latest.Time,
	}

	closes := closePrices(w.Klines())
	v.Churn = analyzeChurn(w.Snapshots(), w.Trades())
	v.Frequency = e.frequency(w, v.Churn)
	v.Volume = e.volume(w)
	v.Temporal = e.temporal(w, latest)
	v.PriceImpact = e.priceImpact(w, latest, closes)
	v.Oscillator = e.oscillator(closes)
	if w.Type == market.Futures {
		v.Futures = e.futures(w, latest)
	}
	return v
}

func (e *Extractor) frequency(w *Window, churn Churn) Frequency {
	trades := w.Trades()
	f := Frequency{TradeCount: len(trades)}
	if len(trades) >= 2 {
		span := trades[len(trades)-1].Time.Sub(trades[0].Time)
		if span < time.Second {
			span = time.Second
		}
		f.TradesPerHour = Ratio(float64(len(trades)), span.Hours())
	}

	f.CancellationRate = Ratio(float64(churn.Cancels), float64(churn.Observed))
	f.OrdersPerMinute = Ratio(float64(churn.Placements), churn.SpanMinutes)

	snaps := w.Snapshots()
	if len(snaps) >= 2 {
		from, to := snaps[0].Time, snaps[len(snaps)-1].Time
		inSpan := 0
		for _, t := range trades {
			if t.Time.After(from) && !t.Time.After(to) {
				inSpan++
			}
		}
		f.OrderToTradeRatio = Ratio(float64(churn.Placements), float64(inSpan))
	}
	return f
}

func (e *Extractor) volume(w *Window) Volume {
	var out Volume
	trades := w.Trades()
	if len(trades) > 0 {
		sizes := make([]float64, len(trades))
		for i, t := range trades {
			sizes[i] = t.Volume
		}
		out.TradeMean, out.TradeStd = MeanStd(sizes)
		out.TradeMedian = Median(sizes)
	}

	klines := w.Klines()
	if len(klines) == 0 {
		return out
	}
	vols := make([]float64, len(klines))
	for i, k := range klines {
		vols[i] = k.Volume
	}
	last := len(vols) - 1
	out.Current = vols[last]
	out.TrailingAverage = trailingMean(vols, last, e.opts.VolumeTrailing)
	out.SpikeRatio = Ratio(out.Current, out.TrailingAverage)

	first := horizonStart(klines, e.opts.PumpHorizon)
	for i := first; i <= last; i++ {
		if r := Ratio(vols[i], trailingMean(vols, i, e.opts.VolumeTrailing)); r > out.MaxSpikeRatio {
			out.MaxSpikeRatio = r
		}
	}
	return out
}

func (e *Extractor) temporal(w *Window, latest market.Snapshot) Temporal {
	out := Temporal{HourBucket: latest.Time.UTC().Hour()}
	trades := w.Trades()
	if len(trades) < 2 {
		return out
	}
	gaps := make([]float64, 0, len(trades)-1)
	for i := 1; i < len(trades); i++ {
		gaps = append(gaps, trades[i].Time.Sub(trades[i-1].Time).Seconds())
	}
	out.InterArrivalMean, out.InterArrivalStd = MeanStd(gaps)
	out.InterArrivalMin = minFloat(gaps)
	return out
}

func (e *Extractor) priceImpact(w *Window, latest market.Snapshot, closes []float64) PriceImpact {
	out := PriceImpact{LastPrice: latest.Price}

	if len(closes) > 0 {
		tail := closes
		if len(tail) > e.opts.MAPeriod {
			tail = tail[len(tail)-e.opts.MAPeriod:]
		}
		out.MovingAverage, _ = MeanStd(tail)
		out.MADeviationPct = Ratio(latest.Price-out.MovingAverage, out.MovingAverage) * 100
	}

	book := latest.Book
	if mid := book.Mid(); mid > 0 {
		bid, _ := book.BestBid()
		ask, _ := book.BestAsk()
		out.SpreadBps = Ratio(ask.Price-bid.Price, mid) * 10_000
	}
	bidVol := topVolume(book.Bids, e.opts.BookLevels)
	askVol := topVolume(book.Asks, e.opts.BookLevels)
	out.Imbalance = Ratio(bidVol-askVol, bidVol+askVol)

	if len(closes) >= 3 {
		returns := make([]float64, 0, len(closes)-1)
		for i := 1; i < len(closes); i++ {
			if closes[i-1] > 0 && closes[i] > 0 {
				returns = append(returns, math.Log(closes[i]/closes[i-1]))
			}
		}
		_, std := MeanStd(returns)
		out.VolatilityPct = finite(std * 100)
	}

	klines := w.Klines()
	if len(klines) >= 2 {
		first := horizonStart(klines, e.opts.PumpHorizon)
		start := klines[first].Open
		peak, peakIdx := klines[first].Close, first
		for i := first; i < len(klines); i++ {
			if klines[i].Close > peak {
				peak, peakIdx = klines[i].Close, i
			}
		}
		if start > 0 && peak > start {
			out.RunUpPct = Ratio(peak-start, start) * 100
		}
		last := klines[len(klines)-1].Close
		if peakIdx < len(klines)-1 && last < peak {
			out.ReversalPct = Ratio(peak-last, peak) * 100
		}
	}
	return out
}

func (e *Extractor) oscillator(closes []float64) Oscillator {
	out := Oscillator{RSI: 50}

	if len(closes) > e.opts.RSIPeriod && !flat(closes) {
		rsi := talib.Rsi(closes, e.opts.RSIPeriod)
		if v := rsi[len(rsi)-1]; !math.IsNaN(v) && !math.IsInf(v, 0) {
			out.RSI = v
		}
	}

	if len(closes) >= e.opts.BollingerPeriod {
		upper, middle, lower := talib.BBands(closes, e.opts.BollingerPeriod, e.opts.BollingerDev, e.opts.BollingerDev, talib.SMA)
		u, m, l := upper[len(upper)-1], middle[len(middle)-1], lower[len(lower)-1]
		width := u - l
		out.BollingerPosition = Ratio(closes[len(closes)-1]-l, width)
		out.BollingerBandwidth = Ratio(width, m)
	}
	return out
}

func (e *Extractor) futures(w *Window, latest market.Snapshot) *Futures {
	out := &Futures{}

	if funding := w.Funding(); len(funding) > 0 {
		out.FundingRate = funding[len(funding)-1].Rate
		trailing := make([]float64, 0, len(funding)-1)
		for _, r := range funding[:len(funding)-1] {
			trailing = append(trailing, r.Rate)
		}
		out.FundingHistory = len(trailing)
		out.FundingMean, out.FundingStd = MeanStd(trailing)
		if len(trailing) >= 2 {
			out.FundingZScore = Ratio(out.FundingRate-out.FundingMean, out.FundingStd)
		}
	}

	if basis := w.Basis(); len(basis) > 0 {
		out.BasisRate = finite(basis[len(basis)-1].BasisRate)
	}

	cutoff := latest.Time.Add(-e.opts.LiquidationWindow)
	for _, ev := range w.Liquidations() {
		if ev.Time.Before(cutoff) {
			continue
		}
		out.LiquidationCount++
		out.LiquidationVolume += ev.Notional()
	}
	out.LiquidationVolume = finite(out.LiquidationVolume)

	var total, largest float64
	for _, t := range w.Tiers() {
		total += t.OpenInterest
		if t.OpenInterest > largest {
			largest = t.OpenInterest
		}
	}
	out.TierConcentration = Ratio(largest, total) * 100

	if snaps := w.Snapshots(); len(snaps) >= 2 {
		prev := snaps[len(snaps)-2].OpenInterest
		if prev > 0 && latest.OpenInterest > 0 {
			out.OpenInterestDelta = Ratio(latest.OpenInterest-prev, prev) * 100
		}
	}
	return out
}

func closePrices(klines []market.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// trailingMean averages up to n values strictly before idx.
func trailingMean(xs []float64, idx, n int) float64 {
	from := idx - n
	if from < 0 {
		from = 0
	}
	if from >= idx {
		return 0
	}
	mean, _ := MeanStd(xs[from:idx])
	return mean
}

// horizonStart returns the first candle opening within horizon of the last candle.
func horizonStart(klines []market.Kline, horizon time.Duration) int {
	if len(klines) == 0 {
		return 0
	}
	cutoff := klines[len(klines)-1].OpenTime.Add(-horizon)
	for i, k := range klines {
		if !k.OpenTime.Before(cutoff) {
			return i
		}
	}
	return len(klines) - 1
}

func topVolume(levels []market.Level, n int) float64 {
	var sum float64
	for i, l := range levels {
		if i >= n {
			break
		}
		sum += l.Volume
	}
	return sum
}

func flat(xs []float64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}
