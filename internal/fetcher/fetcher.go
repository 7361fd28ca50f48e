package fetcher

import (
	"context"

	"manipwatch/internal/market"
)

// Source exposes typed per-market fetch operations against one exchange.
type Source interface {
	GetTicker(ctx context.Context, symbol string, typ market.Type) (market.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, typ market.Type, depth int) (market.OrderBook, error)
	GetKlines(ctx context.Context, symbol string, typ market.Type, interval string, limit int) ([]market.Kline, error)
	GetRecentTrades(ctx context.Context, symbol string, typ market.Type, limit int) ([]market.Trade, error)

	GetFundingRate(ctx context.Context, symbol string) (market.FundingRecord, error)
	GetFundingHistory(ctx context.Context, symbol string, limit int) ([]market.FundingRecord, error)
	GetPremiumIndex(ctx context.Context, symbol string) (market.PremiumIndex, error)
	GetBasisHistory(ctx context.Context, symbol string, interval string, limit int) ([]market.BasisRecord, error)
	GetLiquidations(ctx context.Context, symbol string, limit int) ([]market.LiquidationEvent, error)
	GetPositionTiers(ctx context.Context, symbol string) ([]market.PositionTier, error)
	GetOpenInterest(ctx context.Context, symbol string) (float64, error)

	GetAllTickers(ctx context.Context) ([]market.Ticker, error)
	GetAllFuturesTickers(ctx context.Context) ([]market.Ticker, error)
}
