package features

import (
	"math"
	"time"

	"manipwatch/internal/market"
)

// Side is an order book side.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// CancelledLevel is a resting level that vanished without a trade printing through its price.
type CancelledLevel struct {
	Side        Side          `json:"side"`
	Price       float64       `json:"price"`
	Volume      float64       `json:"volume"`
	Notional    float64       `json:"notional"`
	DistancePct float64       `json:"distance_pct"`
	Lifetime    time.Duration `json:"lifetime"`
	Time        time.Time     `json:"time"`
}

// BookTransition describes one side between two consecutive snapshots that saw cancellations.
type BookTransition struct {
	Time time.Time
	Side Side
	// Ages of every level visible on this side at the earlier snapshot.
	Ages    []time.Duration
	Cancels []CancelledLevel
}

// Churn summarises order book changes across the window's snapshots.
type Churn struct {
	Placements    int
	Cancels       int
	Fills         int
	Observed      int
	SpanMinutes   float64
	Cancellations []CancelledLevel
	Transitions   []BookTransition
}

type levelKey struct {
	side  Side
	price float64
}

// analyzeChurn diffs consecutive books. Levels falling outside the visible depth
// are not counted, since a depth-limited book cannot tell them apart from cancels.
func analyzeChurn(snaps []market.Snapshot, trades []market.Trade) Churn {
	var c Churn
	if len(snaps) == 0 {
		return c
	}

	firstSeen := make(map[levelKey]time.Time)
	for _, key := range bookKeys(snaps[0].Book) {
		firstSeen[key] = snaps[0].Time
		c.Observed++
	}

	for i := 1; i < len(snaps); i++ {
		prev, cur := snaps[i-1], snaps[i]
		current := make(map[levelKey]struct{})
		for _, key := range bookKeys(cur.Book) {
			current[key] = struct{}{}
		}
		mid := prev.Book.Mid()

		for _, side := range []Side{SideBid, SideAsk} {
			transition := BookTransition{Time: cur.Time, Side: side}
			for _, lvl := range levels(prev.Book, side) {
				key := levelKey{side: side, price: lvl.Price}
				seen, ok := firstSeen[key]
				if !ok {
					seen = prev.Time
				}
				transition.Ages = append(transition.Ages, prev.Time.Sub(seen))

				if _, still := current[key]; still {
					continue
				}
				delete(firstSeen, key)
				if outsideDepth(cur.Book, side, lvl.Price) {
					continue
				}
				if tradedThrough(trades, prev.Time, cur.Time, side, lvl.Price) {
					c.Fills++
					continue
				}
				cancel := CancelledLevel{
					Side:     side,
					Price:    lvl.Price,
					Volume:   lvl.Volume,
					Notional: lvl.Price * lvl.Volume,
					Lifetime: cur.Time.Sub(seen),
					Time:     cur.Time,
				}
				if mid > 0 {
					cancel.DistancePct = math.Abs(lvl.Price-mid) / mid * 100
				}
				transition.Cancels = append(transition.Cancels, cancel)
				c.Cancellations = append(c.Cancellations, cancel)
				c.Cancels++
			}
			if len(transition.Cancels) > 0 {
				c.Transitions = append(c.Transitions, transition)
			}
		}

		for _, key := range bookKeys(cur.Book) {
			if _, ok := firstSeen[key]; ok {
				continue
			}
			firstSeen[key] = cur.Time
			c.Placements++
			c.Observed++
		}
	}

	c.SpanMinutes = snaps[len(snaps)-1].Time.Sub(snaps[0].Time).Minutes()
	return c
}

func levels(book market.OrderBook, side Side) []market.Level {
	if side == SideBid {
		return book.Bids
	}
	return book.Asks
}

func bookKeys(book market.OrderBook) []levelKey {
	keys := make([]levelKey, 0, len(book.Bids)+len(book.Asks))
	for _, l := range book.Bids {
		keys = append(keys, levelKey{side: SideBid, price: l.Price})
	}
	for _, l := range book.Asks {
		keys = append(keys, levelKey{side: SideAsk, price: l.Price})
	}
	return keys
}

// outsideDepth reports whether price lies beyond the worst level still visible on side.
func outsideDepth(book market.OrderBook, side Side, price float64) bool {
	lv := levels(book, side)
	if len(lv) == 0 {
		return false
	}
	worst := lv[len(lv)-1].Price
	if side == SideBid {
		return price < worst
	}
	return price > worst
}

// tradedThrough reports whether any trade in (from, to] printed at or through price.
func tradedThrough(trades []market.Trade, from, to time.Time, side Side, price float64) bool {
	for _, t := range trades {
		if !t.Time.After(from) || t.Time.After(to) {
			continue
		}
		if side == SideBid && t.Price <= price {
			return true
		}
		if side == SideAsk && t.Price >= price {
			return true
		}
	}
	return false
}
