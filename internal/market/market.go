package market

import (
	"fmt"
	"strings"
	"time"
)

// Type distinguishes spot pairs from futures contracts.
type Type string

const (
	Spot    Type = "spot"
	Futures Type = "futures"
)

// ParseType normalises a configured market type.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case Spot:
		return Spot, nil
	case Futures:
		return Futures, nil
	default:
		return "", fmt.Errorf("unsupported market type %q", raw)
	}
}

// Level is one price level of an order book side.
type Level struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// OrderBook holds bids (best first, descending) and asks (best first, ascending).
type OrderBook struct {
	Bids []Level   `json:"bids"`
	Asks []Level   `json:"asks"`
	Time time.Time `json:"time"`
}

// BestBid returns the top bid level.
func (b OrderBook) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level.
func (b OrderBook) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Mid returns the mid price, or 0 when either side is empty.
func (b OrderBook) Mid() float64 {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// Ticker is a 24h rolling summary for one market.
type Ticker struct {
	Symbol         string    `json:"symbol"`
	Price          float64   `json:"price"`
	Volume24h      float64   `json:"volume_24h"`
	QuoteVolume24h float64   `json:"quote_volume_24h"`
	PriceChangePct float64   `json:"price_change_pct"`
	High24h        float64   `json:"high_24h"`
	Low24h         float64   `json:"low_24h"`
	Time           time.Time `json:"time"`
}

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Trades   int64     `json:"trades"`
}

// Trade is one public fill. BuyerID/SellerID are only populated by sources
// that expose counterparty identifiers.
type Trade struct {
	ID           string    `json:"id"`
	Price        float64   `json:"price"`
	Volume       float64   `json:"volume"`
	Time         time.Time `json:"time"`
	BuyerIsMaker bool      `json:"buyer_is_maker"`
	BuyerID      string    `json:"buyer_id,omitempty"`
	SellerID     string    `json:"seller_id,omitempty"`
}

// Snapshot is one fetch cycle's raw state for a market.
type Snapshot struct {
	Market         string    `json:"market"`
	Type           Type      `json:"type"`
	Time           time.Time `json:"time"`
	Price          float64   `json:"price"`
	Volume24h      float64   `json:"volume_24h"`
	PriceChangePct float64   `json:"price_change_pct"`
	Book           OrderBook `json:"book"`
	OpenInterest   float64   `json:"open_interest"`
}

// FundingRecord is one funding-rate observation.
type FundingRecord struct {
	Market          string    `json:"market"`
	Rate            float64   `json:"rate"`
	FundingTime     time.Time `json:"funding_time"`
	NextFundingTime time.Time `json:"next_funding_time"`
}

// PremiumIndex is the mark/index price state of a perpetual contract.
type PremiumIndex struct {
	Market          string    `json:"market"`
	MarkPrice       float64   `json:"mark_price"`
	IndexPrice      float64   `json:"index_price"`
	LastFundingRate float64   `json:"last_funding_rate"`
	NextFundingTime time.Time `json:"next_funding_time"`
	Time            time.Time `json:"time"`
}

// BasisRecord is one futures-vs-spot spread sample. BasisRate is in percent.
type BasisRecord struct {
	Market       string    `json:"market"`
	Time         time.Time `json:"time"`
	FuturesPrice float64   `json:"futures_price"`
	SpotPrice    float64   `json:"spot_price"`
	Basis        float64   `json:"basis"`
	BasisRate    float64   `json:"basis_rate"`
}

// LiquidationType separates forced liquidations from auto-deleveraging.
type LiquidationType string

const (
	LiquidationForced LiquidationType = "FORCED"
	LiquidationADL    LiquidationType = "ADL"
)

// LiquidationEvent is one liquidation fill.
type LiquidationEvent struct {
	Market string          `json:"market"`
	Side   string          `json:"side"`
	Price  float64         `json:"price"`
	Volume float64         `json:"volume"`
	Time   time.Time       `json:"time"`
	Type   LiquidationType `json:"type"`
}

// Notional returns price * volume.
func (e LiquidationEvent) Notional() float64 {
	return e.Price * e.Volume
}

// PositionTier is one margin tier. OpenInterest is the notional currently held
// in the tier, 0 when the source does not report it.
type PositionTier struct {
	Tier             int     `json:"tier"`
	NotionalFloor    float64 `json:"notional_floor"`
	NotionalCap      float64 `json:"notional_cap"`
	MaxLeverage      int     `json:"max_leverage"`
	MaintMarginRatio float64 `json:"maint_margin_ratio"`
	OpenInterest     float64 `json:"open_interest"`
}
