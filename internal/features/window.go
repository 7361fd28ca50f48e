package features

import (
	"sort"
	"time"

	"manipwatch/internal/market"
)

// Limits bound the per-market ring buffers.
type Limits struct {
	Snapshots      int           `mapstructure:"snapshots"`
	Trades         int           `mapstructure:"trades"`
	Funding        int           `mapstructure:"funding"`
	Basis          int           `mapstructure:"basis"`
	LiquidationAge time.Duration `mapstructure:"liquidation_age"`
}

// DefaultLimits returns the buffer sizes used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Snapshots:      120,
		Trades:         2000,
		Funding:        200,
		Basis:          100,
		LiquidationAge: 10 * time.Minute,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.Snapshots <= 0 {
		l.Snapshots = d.Snapshots
	}
	if l.Trades <= 0 {
		l.Trades = d.Trades
	}
	if l.Funding <= 0 {
		l.Funding = d.Funding
	}
	if l.Basis <= 0 {
		l.Basis = d.Basis
	}
	if l.LiquidationAge <= 0 {
		l.LiquidationAge = d.LiquidationAge
	}
	return l
}

// Window is the rolling raw history of one market. It has a single writer:
// the task currently processing that market.
type Window struct {
	Market string
	Type   market.Type

	limits       Limits
	snapshots    []market.Snapshot
	klines       []market.Kline
	trades       []market.Trade
	tradeIDs     map[string]struct{}
	funding      []market.FundingRecord
	basis        []market.BasisRecord
	liquidations []market.LiquidationEvent
	tiers        []market.PositionTier
}

// NewWindow creates an empty window.
func NewWindow(symbol string, typ market.Type, limits Limits) *Window {
	return &Window{
		Market:   symbol,
		Type:     typ,
		limits:   limits.withDefaults(),
		tradeIDs: make(map[string]struct{}),
	}
}

// AddSnapshot appends one poll result.
func (w *Window) AddSnapshot(s market.Snapshot) {
	w.snapshots = append(w.snapshots, s)
	if n := len(w.snapshots); n > 1 && s.Time.Before(w.snapshots[n-2].Time) {
		sort.SliceStable(w.snapshots, func(i, j int) bool { return w.snapshots[i].Time.Before(w.snapshots[j].Time) })
	}
	w.snapshots = keepLast(w.snapshots, w.limits.Snapshots)
}

// SetKlines replaces the candle series; candles are refetched every cycle.
func (w *Window) SetKlines(klines []market.Kline) {
	w.klines = append([]market.Kline(nil), klines...)
	sort.SliceStable(w.klines, func(i, j int) bool { return w.klines[i].OpenTime.Before(w.klines[j].OpenTime) })
}

// AddTrades merges trades, skipping ids already held.
func (w *Window) AddTrades(trades []market.Trade) {
	added := false
	for _, t := range trades {
		if t.ID != "" {
			if _, seen := w.tradeIDs[t.ID]; seen {
				continue
			}
			w.tradeIDs[t.ID] = struct{}{}
		}
		w.trades = append(w.trades, t)
		added = true
	}
	if !added {
		return
	}
	sort.SliceStable(w.trades, func(i, j int) bool { return w.trades[i].Time.Before(w.trades[j].Time) })
	if len(w.trades) > w.limits.Trades {
		w.trades = keepLast(w.trades, w.limits.Trades)
		w.tradeIDs = make(map[string]struct{}, len(w.trades))
		for _, t := range w.trades {
			if t.ID != "" {
				w.tradeIDs[t.ID] = struct{}{}
			}
		}
	}
}

// fundingSlot is the granularity settlements are keyed on. Exchanges settle on the hour,
// but the predicted and settled timestamps of one settlement can differ by milliseconds.
const fundingSlot = time.Hour

// AddFunding merges funding records keyed by settlement slot; a newer observation
// of the same settlement replaces the older one.
func (w *Window) AddFunding(records ...market.FundingRecord) {
	for _, r := range records {
		if r.FundingTime.IsZero() {
			continue
		}
		r.FundingTime = r.FundingTime.Round(fundingSlot)
		replaced := false
		for i := range w.funding {
			if w.funding[i].FundingTime.Equal(r.FundingTime) {
				w.funding[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			w.funding = append(w.funding, r)
		}
	}
	sort.SliceStable(w.funding, func(i, j int) bool { return w.funding[i].FundingTime.Before(w.funding[j].FundingTime) })
	w.funding = keepLast(w.funding, w.limits.Funding)
}

// AddBasis merges basis samples keyed by timestamp.
func (w *Window) AddBasis(records ...market.BasisRecord) {
	for _, r := range records {
		replaced := false
		for i := range w.basis {
			if w.basis[i].Time.Equal(r.Time) {
				w.basis[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			w.basis = append(w.basis, r)
		}
	}
	sort.SliceStable(w.basis, func(i, j int) bool { return w.basis[i].Time.Before(w.basis[j].Time) })
	w.basis = keepLast(w.basis, w.limits.Basis)
}

// AddLiquidations merges events and drops those older than the retention age relative to now.
func (w *Window) AddLiquidations(now time.Time, events ...market.LiquidationEvent) {
	for _, ev := range events {
		dup := false
		for _, have := range w.liquidations {
			if have.Time.Equal(ev.Time) && have.Price == ev.Price && have.Volume == ev.Volume && have.Side == ev.Side {
				dup = true
				break
			}
		}
		if !dup {
			w.liquidations = append(w.liquidations, ev)
		}
	}
	sort.SliceStable(w.liquidations, func(i, j int) bool { return w.liquidations[i].Time.Before(w.liquidations[j].Time) })

	cutoff := now.Add(-w.limits.LiquidationAge)
	start := 0
	for start < len(w.liquidations) && w.liquidations[start].Time.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.liquidations = append([]market.LiquidationEvent(nil), w.liquidations[start:]...)
	}
}

// SetTiers replaces the position tier table.
func (w *Window) SetTiers(tiers []market.PositionTier) {
	w.tiers = append([]market.PositionTier(nil), tiers...)
}

// Len returns the number of snapshots held.
func (w *Window) Len() int { return len(w.snapshots) }

// Latest returns the newest snapshot.
func (w *Window) Latest() (market.Snapshot, bool) {
	if len(w.snapshots) == 0 {
		return market.Snapshot{}, false
	}
	return w.snapshots[len(w.snapshots)-1], true
}

// The accessors below return the window's own slices; callers must not modify them.

func (w *Window) Snapshots() []market.Snapshot { return w.snapshots }
func (w *Window) Klines() []market.Kline { return w.klines }
func (w *Window) Trades() []market.Trade { return w.trades }
func (w *Window) Funding() []market.FundingRecord { return w.funding }
func (w *Window) Basis() []market.BasisRecord { return w.basis }
func (w *Window) Liquidations() []market.LiquidationEvent { return w.liquidations }
func (w *Window) Tiers() []market.PositionTier { return w.tiers }

func keepLast[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return append([]T(nil), items[len(items)-limit:]...)
}
