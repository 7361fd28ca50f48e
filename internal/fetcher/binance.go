package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"manipwatch/internal/market"
	"manipwatch/internal/version"
)

const (
	defaultSpotBaseURL    = "https://api.binance.com"
	defaultFuturesBaseURL = "https://fapi.binance.com"
)

// BinanceOptions parameterise the Binance REST source.
type BinanceOptions struct {
	SpotBaseURL    string
	FuturesBaseURL string
	Timeout        time.Duration
	UserAgent      string
	// Liquidations serves GetLiquidations; Binance has no public REST endpoint for them.
	Liquidations *LiquidationStream
}

// Binance fetches public market data from the Binance spot and USD-M futures APIs.
type Binance struct {
	opts        BinanceOptions
	logger      zerolog.Logger
	client      *http.Client
	spotURL     string
	futuresURL  string
	userAgent   string
	liquidation *LiquidationStream
}

// NewBinance constructs a Binance source.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	spotURL := strings.TrimRight(opts.SpotBaseURL, "/")
	if spotURL == "" {
		spotURL = defaultSpotBaseURL
	}
	futuresURL := strings.TrimRight(opts.FuturesBaseURL, "/")
	if futuresURL == "" {
		futuresURL = defaultFuturesBaseURL
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = version.UserAgent()
	}

	return &Binance{
		opts:        opts,
		logger:      logger.With().Str("component", "binance_source").Logger(),
		client:      &http.Client{Timeout: timeout},
		spotURL:     spotURL,
		futuresURL:  futuresURL,
		userAgent:   ua,
		liquidation: opts.Liquidations,
	}
}

func (b *Binance) baseFor(typ market.Type) (string, string) {
	if typ == market.Futures {
		return b.futuresURL, "/fapi/v1"
	}
	return b.spotURL, "/api/v3"
}

// GetTicker returns the 24h rolling ticker.
func (b *Binance) GetTicker(ctx context.Context, symbol string, typ market.Type) (market.Ticker, error) {
	base, prefix := b.baseFor(typ)
	var raw tickerResponse
	if err := b.getJSON(ctx, base, prefix+"/ticker/24hr", url.Values{"symbol": {symbol}}, &raw); err != nil {
		return market.Ticker{}, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	return raw.toTicker()
}

// GetOrderBook returns the top depth levels per side.
func (b *Binance) GetOrderBook(ctx context.Context, symbol string, typ market.Type, depth int) (market.OrderBook, error) {
	base, prefix := b.baseFor(typ)
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(depthLimit(depth, typ))}}
	var raw depthResponse
	if err := b.getJSON(ctx, base, prefix+"/depth", q, &raw); err != nil {
		return market.OrderBook{}, fmt.Errorf("binance depth %s: %w", symbol, err)
	}

	book := market.OrderBook{Time: time.Now().UTC()}
	if raw.TransactionTime > 0 {
		book.Time = time.UnixMilli(raw.TransactionTime).UTC()
	}
	var err error
	if book.Bids, err = parseLevels(raw.Bids); err != nil {
		return market.OrderBook{}, fmt.Errorf("binance depth %s bids: %w", symbol, err)
	}
	if book.Asks, err = parseLevels(raw.Asks); err != nil {
		return market.OrderBook{}, fmt.Errorf("binance depth %s asks: %w", symbol, err)
	}
	if depth > 0 {
		book.Bids = trimLevels(book.Bids, depth)
		book.Asks = trimLevels(book.Asks, depth)
	}
	return book, nil
}

// GetKlines returns candles oldest first.
func (b *Binance) GetKlines(ctx context.Context, symbol string, typ market.Type, interval string, limit int) ([]market.Kline, error) {
	base, prefix := b.baseFor(typ)
	q := url.Values{"symbol": {symbol}, "interval": {interval}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var rows [][]json.RawMessage
	if err := b.getJSON(ctx, base, prefix+"/klines", q, &rows); err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}

	klines := make([]market.Kline, 0, len(rows))
	for i, row := range rows {
		k, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s row %d: %w", symbol, i, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// GetRecentTrades returns the latest public trades oldest first.
func (b *Binance) GetRecentTrades(ctx context.Context, symbol string, typ market.Type, limit int) ([]market.Trade, error) {
	base, prefix := b.baseFor(typ)
	q := url.Values{"symbol": {symbol}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var raw []tradeResponse
	if err := b.getJSON(ctx, base, prefix+"/trades", q, &raw); err != nil {
		return nil, fmt.Errorf("binance trades %s: %w", symbol, err)
	}

	trades := make([]market.Trade, 0, len(raw))
	for _, t := range raw {
		price, err := parseNum(t.Price)
		if err != nil {
			return nil, fmt.Errorf("binance trades %s price: %w", symbol, err)
		}
		qty, err := parseNum(t.Qty)
		if err != nil {
			return nil, fmt.Errorf("binance trades %s qty: %w", symbol, err)
		}
		trades = append(trades, market.Trade{
			ID:           strconv.FormatInt(t.ID, 10),
			Price:        price,
			Volume:       qty,
			Time:         time.UnixMilli(t.Time).UTC(),
			BuyerIsMaker: t.IsBuyerMaker,
		})
	}
	return trades, nil
}

// GetFundingRate returns the predicted rate for the upcoming settlement.
// FundingTime is the settlement it applies to, so it lines up with history records.
func (b *Binance) GetFundingRate(ctx context.Context, symbol string) (market.FundingRecord, error) {
	idx, err := b.GetPremiumIndex(ctx, symbol)
	if err != nil {
		return market.FundingRecord{}, err
	}
	return market.FundingRecord{
		Market:          symbol,
		Rate:            idx.LastFundingRate,
		FundingTime:     idx.NextFundingTime,
		NextFundingTime: idx.NextFundingTime,
	}, nil
}

// GetFundingHistory returns settled funding records oldest first.
func (b *Binance) GetFundingHistory(ctx context.Context, symbol string, limit int) ([]market.FundingRecord, error) {
	q := url.Values{"symbol": {symbol}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var raw []fundingResponse
	if err := b.getJSON(ctx, b.futuresURL, "/fapi/v1/fundingRate", q, &raw); err != nil {
		return nil, fmt.Errorf("binance funding history %s: %w", symbol, err)
	}

	records := make([]market.FundingRecord, 0, len(raw))
	for _, r := range raw {
		rate, err := parseNum(r.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("binance funding history %s rate: %w", symbol, err)
		}
		records = append(records, market.FundingRecord{
			Market:      symbol,
			Rate:        rate,
			FundingTime: time.UnixMilli(r.FundingTime).UTC(),
		})
	}
	return records, nil
}

// GetPremiumIndex returns mark/index prices and the current funding estimate.
func (b *Binance) GetPremiumIndex(ctx context.Context, symbol string) (market.PremiumIndex, error) {
	var raw premiumIndexResponse
	if err := b.getJSON(ctx, b.futuresURL, "/fapi/v1/premiumIndex", url.Values{"symbol": {symbol}}, &raw); err != nil {
		return market.PremiumIndex{}, fmt.Errorf("binance premium index %s: %w", symbol, err)
	}

	mark, err := parseNum(raw.MarkPrice)
	if err != nil {
		return market.PremiumIndex{}, fmt.Errorf("binance premium index %s mark: %w", symbol, err)
	}
	index, err := parseNum(raw.IndexPrice)
	if err != nil {
		return market.PremiumIndex{}, fmt.Errorf("binance premium index %s index: %w", symbol, err)
	}
	rate, err := parseNum(raw.LastFundingRate)
	if err != nil {
		return market.PremiumIndex{}, fmt.Errorf("binance premium index %s funding: %w", symbol, err)
	}

	return market.PremiumIndex{
		Market:          symbol,
		MarkPrice:       mark,
		IndexPrice:      index,
		LastFundingRate: rate,
		NextFundingTime: time.UnixMilli(raw.NextFundingTime).UTC(),
		Time:            time.UnixMilli(raw.Time).UTC(),
	}, nil
}

// GetBasisHistory returns perpetual basis samples oldest first. BasisRate is converted to percent.
func (b *Binance) GetBasisHistory(ctx context.Context, symbol string, interval string, limit int) ([]market.BasisRecord, error) {
	q := url.Values{"pair": {symbol}, "contractType": {"PERPETUAL"}, "period": {interval}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var raw []basisResponse
	if err := b.getJSON(ctx, b.futuresURL, "/futures/data/basis", q, &raw); err != nil {
		return nil, fmt.Errorf("binance basis %s: %w", symbol, err)
	}

	records := make([]market.BasisRecord, 0, len(raw))
	for _, r := range raw {
		futures, err := parseNum(r.FuturesPrice)
		if err != nil {
			return nil, fmt.Errorf("binance basis %s futures price: %w", symbol, err)
		}
		index, err := parseNum(r.IndexPrice)
		if err != nil {
			return nil, fmt.Errorf("binance basis %s index price: %w", symbol, err)
		}
		basis, err := parseNum(r.Basis)
		if err != nil {
			return nil, fmt.Errorf("binance basis %s basis: %w", symbol, err)
		}
		rate, err := parseNum(r.BasisRate)
		if err != nil {
			return nil, fmt.Errorf("binance basis %s rate: %w", symbol, err)
		}
		records = append(records, market.BasisRecord{
			Market:       symbol,
			Time:         time.UnixMilli(r.Timestamp).UTC(),
			FuturesPrice: futures,
			SpotPrice:    index,
			Basis:        basis,
			BasisRate:    rate * 100,
		})
	}
	return records, nil
}

// GetLiquidations returns recent liquidations collected by the force-order stream.
func (b *Binance) GetLiquidations(ctx context.Context, symbol string, limit int) ([]market.LiquidationEvent, error) {
	if b.liquidation == nil {
		return nil, fmt.Errorf("binance liquidations %s: %w", symbol, ErrUnsupported)
	}
	return b.liquidation.Recent(symbol, limit), nil
}

// GetPositionTiers is not available without account credentials.
func (b *Binance) GetPositionTiers(ctx context.Context, symbol string) ([]market.PositionTier, error) {
	return nil, fmt.Errorf("binance position tiers %s: %w", symbol, ErrUnsupported)
}

// GetOpenInterest returns open interest in contracts.
func (b *Binance) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	var raw struct {
		OpenInterest string `json:"openInterest"`
	}
	if err := b.getJSON(ctx, b.futuresURL, "/fapi/v1/openInterest", url.Values{"symbol": {symbol}}, &raw); err != nil {
		return 0, fmt.Errorf("binance open interest %s: %w", symbol, err)
	}
	oi, err := parseNum(raw.OpenInterest)
	if err != nil {
		return 0, fmt.Errorf("binance open interest %s: %w", symbol, err)
	}
	return oi, nil
}

// GetAllTickers lists every spot 24h ticker.
func (b *Binance) GetAllTickers(ctx context.Context) ([]market.Ticker, error) {
	return b.allTickers(ctx, market.Spot)
}

// GetAllFuturesTickers lists every USD-M futures 24h ticker.
func (b *Binance) GetAllFuturesTickers(ctx context.Context) ([]market.Ticker, error) {
	return b.allTickers(ctx, market.Futures)
}

func (b *Binance) allTickers(ctx context.Context, typ market.Type) ([]market.Ticker, error) {
	base, prefix := b.baseFor(typ)
	var raw []tickerResponse
	if err := b.getJSON(ctx, base, prefix+"/ticker/24hr", nil, &raw); err != nil {
		return nil, fmt.Errorf("binance %s tickers: %w", typ, err)
	}
	tickers := make([]market.Ticker, 0, len(raw))
	for _, r := range raw {
		t, err := r.toTicker()
		if err != nil {
			b.logger.Debug().Err(err).Str("market", r.Symbol).Msg("skip malformed ticker")
			continue
		}
		tickers = append(tickers, t)
	}
	return tickers, nil
}

func (b *Binance) getJSON(ctx context.Context, base, path string, query url.Values, out any) error {
	endpoint := base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", b.userAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type tickerResponse struct {
	Symbol             string `json:"symbol"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	CloseTime          int64  `json:"closeTime"`
}

func (r tickerResponse) toTicker() (market.Ticker, error) {
	t := market.Ticker{Symbol: r.Symbol, Time: time.UnixMilli(r.CloseTime).UTC()}
	targets := []struct {
		raw string
		dst *float64
	}{
		{r.LastPrice, &t.Price},
		{r.Volume, &t.Volume24h},
		{r.QuoteVolume, &t.QuoteVolume24h},
		{r.PriceChangePercent, &t.PriceChangePct},
		{r.HighPrice, &t.High24h},
		{r.LowPrice, &t.Low24h},
	}
	for _, f := range targets {
		v, err := parseNum(f.raw)
		if err != nil {
			return market.Ticker{}, fmt.Errorf("ticker %s: %w", r.Symbol, err)
		}
		*f.dst = v
	}
	return t, nil
}

type depthResponse struct {
	LastUpdateID    int64      `json:"lastUpdateId"`
	TransactionTime int64      `json:"T"`
	Bids            [][]string `json:"bids"`
	Asks            [][]string `json:"asks"`
}

type tradeResponse struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

type fundingResponse struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
}

type premiumIndexResponse struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

type basisResponse struct {
	IndexPrice   string `json:"indexPrice"`
	FuturesPrice string `json:"futuresPrice"`
	Basis        string `json:"basis"`
	BasisRate    string `json:"basisRate"`
	Timestamp    int64  `json:"timestamp"`
}

type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func parseHTTPError(status int, payload []byte) error {
	statusErr := &HTTPStatusError{StatusCode: status}
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && (apiErr.Code != 0 || apiErr.Msg != "") {
		statusErr.Code = apiErr.Code
		statusErr.Message = apiErr.Msg
		return statusErr
	}
	statusErr.Message = strings.TrimSpace(string(payload))
	return statusErr
}

func parseNum(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", raw, err)
	}
	return d.InexactFloat64(), nil
}

func parseLevels(rows [][]string) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("malformed level %v", row)
		}
		price, err := parseNum(row[0])
		if err != nil {
			return nil, err
		}
		qty, err := parseNum(row[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, market.Level{Price: price, Volume: qty})
	}
	return levels, nil
}

func parseKline(row []json.RawMessage) (market.Kline, error) {
	if len(row) < 9 {
		return market.Kline{}, fmt.Errorf("expected at least 9 fields, got %d", len(row))
	}
	var openTime, trades int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return market.Kline{}, fmt.Errorf("open time: %w", err)
	}
	if err := json.Unmarshal(row[8], &trades); err != nil {
		return market.Kline{}, fmt.Errorf("trade count: %w", err)
	}

	values := make([]float64, 5)
	for i := range values {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return market.Kline{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		v, err := parseNum(s)
		if err != nil {
			return market.Kline{}, err
		}
		values[i] = v
	}

	return market.Kline{
		OpenTime: time.UnixMilli(openTime).UTC(),
		Open:     values[0],
		High:     values[1],
		Low:      values[2],
		Close:    values[3],
		Volume:   values[4],
		Trades:   trades,
	}, nil
}

func trimLevels(levels []market.Level, depth int) []market.Level {
	if len(levels) > depth {
		return levels[:depth]
	}
	return levels
}

// depthLimit rounds depth up to a limit the endpoint accepts.
func depthLimit(depth int, typ market.Type) int {
	allowed := []int{5, 10, 20, 50, 100, 500, 1000}
	if typ == market.Spot {
		allowed = []int{5, 10, 20, 50, 100, 500, 1000, 5000}
	}
	for _, l := range allowed {
		if depth <= l {
			return l
		}
	}
	return allowed[len(allowed)-1]
}

var _ Source = (*Binance)(nil)
