package fetcher

import (
	"context"

	"manipwatch/internal/market"
)

// Guarded routes every call of the wrapped Source through a Policy.
type Guarded struct {
	src    Source
	policy *Policy
}

// NewGuarded wraps src with policy.
func NewGuarded(src Source, policy *Policy) *Guarded {
	return &Guarded{src: src, policy: policy}
}

func (g *Guarded) GetTicker(ctx context.Context, symbol string, typ market.Type) (market.Ticker, error) {
	return call(ctx, g.policy, "get_ticker", symbol, func(ctx context.Context) (market.Ticker, error) {
		return g.src.GetTicker(ctx, symbol, typ)
	})
}

func (g *Guarded) GetOrderBook(ctx context.Context, symbol string, typ market.Type, depth int) (market.OrderBook, error) {
	return call(ctx, g.policy, "get_order_book", symbol, func(ctx context.Context) (market.OrderBook, error) {
		return g.src.GetOrderBook(ctx, symbol, typ, depth)
	})
}

func (g *Guarded) GetKlines(ctx context.Context, symbol string, typ market.Type, interval string, limit int) ([]market.Kline, error) {
	return call(ctx, g.policy, "get_klines", symbol, func(ctx context.Context) ([]market.Kline, error) {
		return g.src.GetKlines(ctx, symbol, typ, interval, limit)
	})
}

func (g *Guarded) GetRecentTrades(ctx context.Context, symbol string, typ market.Type, limit int) ([]market.Trade, error) {
	return call(ctx, g.policy, "get_trades", symbol, func(ctx context.Context) ([]market.Trade, error) {
		return g.src.GetRecentTrades(ctx, symbol, typ, limit)
	})
}

func (g *Guarded) GetFundingRate(ctx context.Context, symbol string) (market.FundingRecord, error) {
	return call(ctx, g.policy, "get_funding_rate", symbol, func(ctx context.Context) (market.FundingRecord, error) {
		return g.src.GetFundingRate(ctx, symbol)
	})
}

func (g *Guarded) GetFundingHistory(ctx context.Context, symbol string, limit int) ([]market.FundingRecord, error) {
	return call(ctx, g.policy, "get_funding_history", symbol, func(ctx context.Context) ([]market.FundingRecord, error) {
		return g.src.GetFundingHistory(ctx, symbol, limit)
	})
}

func (g *Guarded) GetPremiumIndex(ctx context.Context, symbol string) (market.PremiumIndex, error) {
	return call(ctx, g.policy, "get_premium_index", symbol, func(ctx context.Context) (market.PremiumIndex, error) {
		return g.src.GetPremiumIndex(ctx, symbol)
	})
}

func (g *Guarded) GetBasisHistory(ctx context.Context, symbol string, interval string, limit int) ([]market.BasisRecord, error) {
	return call(ctx, g.policy, "get_basis_history", symbol, func(ctx context.Context) ([]market.BasisRecord, error) {
		return g.src.GetBasisHistory(ctx, symbol, interval, limit)
	})
}

func (g *Guarded) GetLiquidations(ctx context.Context, symbol string, limit int) ([]market.LiquidationEvent, error) {
	return call(ctx, g.policy, "get_liquidations", symbol, func(ctx context.Context) ([]market.LiquidationEvent, error) {
		return g.src.GetLiquidations(ctx, symbol, limit)
	})
}

func (g *Guarded) GetPositionTiers(ctx context.Context, symbol string) ([]market.PositionTier, error) {
	return call(ctx, g.policy, "get_position_tiers", symbol, func(ctx context.Context) ([]market.PositionTier, error) {
		return g.src.GetPositionTiers(ctx, symbol)
	})
}

func (g *Guarded) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	return call(ctx, g.policy, "get_open_interest", symbol, func(ctx context.Context) (float64, error) {
		return g.src.GetOpenInterest(ctx, symbol)
	})
}

func (g *Guarded) GetAllTickers(ctx context.Context) ([]market.Ticker, error) {
	return call(ctx, g.policy, "get_all_tickers", "", func(ctx context.Context) ([]market.Ticker, error) {
		return g.src.GetAllTickers(ctx)
	})
}

func (g *Guarded) GetAllFuturesTickers(ctx context.Context) ([]market.Ticker, error) {
	return call(ctx, g.policy, "get_all_futures_tickers", "", func(ctx context.Context) ([]market.Ticker, error) {
		return g.src.GetAllFuturesTickers(ctx)
	})
}

var _ Source = (*Guarded)(nil)
