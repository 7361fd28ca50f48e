package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"manipwatch/internal/market"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestBinance(srv *httptest.Server) *Binance {
	return NewBinance(BinanceOptions{
		SpotBaseURL:    srv.URL,
		FuturesBaseURL: srv.URL,
		Timeout:        time.Second,
		UserAgent:      "test",
	}, noopLogger())
}

func TestBinanceTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/24hr" {
			t.Fatalf("现货行情路径错误: %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Fatalf("symbol 参数缺失")
		}
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","priceChangePercent":"2.50","lastPrice":"65000.10","volume":"1200.5","quoteVolume":"78000000","highPrice":"66000","lowPrice":"63000","closeTime":1700000000000}`))
	}))
	defer srv.Close()

	tk, err := newTestBinance(srv).GetTicker(context.Background(), "BTCUSDT", market.Spot)
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if tk.Price != 65000.10 || tk.QuoteVolume24h != 78000000 || tk.PriceChangePct != 2.5 {
		t.Fatalf("行情字段解析错误: %+v", tk)
	}
	if !tk.Time.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("closeTime 解析错误: %v", tk.Time)
	}
}

func TestBinanceFuturesDepth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/depth" {
			t.Fatalf("合约深度路径错误: %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Fatalf("limit 应向上取整为 5, 实际 %s", r.URL.Query().Get("limit"))
		}
		_, _ = w.Write([]byte(`{"lastUpdateId":1,"T":1700000000000,"bids":[["100.0","1.5"],["99.5","2"],["99.0","3"]],"asks":[["100.5","1"],["101","2"],["101.5","4"]]}`))
	}))
	defer srv.Close()

	book, err := newTestBinance(srv).GetOrderBook(context.Background(), "BTCUSDT", market.Futures, 2)
	if err != nil {
		t.Fatalf("深度请求不应报错: %v", err)
	}
	if len(book.Bids) != 2 || len(book.Asks) != 2 {
		t.Fatalf("深度应裁剪到 2 档: %+v", book)
	}
	if book.Bids[0].Price != 100 || book.Asks[1].Volume != 2 {
		t.Fatalf("深度档位解析错误: %+v", book)
	}
}

func TestBinanceKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[[1700000000000,"10","12","9","11","500",1700003599999,"5500",42,"250","2750","0"],[1700003600000,"11","13","10","12","600",1700007199999,"7200",50,"300","3600","0"]]`))
	}))
	defer srv.Close()

	klines, err := newTestBinance(srv).GetKlines(context.Background(), "ETHUSDT", market.Spot, "1h", 2)
	if err != nil {
		t.Fatalf("K 线请求不应报错: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("期望 2 根 K 线, 实际 %d", len(klines))
	}
	if klines[1].Close != 12 || klines[1].Volume != 600 || klines[1].Trades != 50 {
		t.Fatalf("K 线字段解析错误: %+v", klines[1])
	}
}

func TestBinanceBasisRateInPercent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/futures/data/basis" {
			t.Fatalf("基差路径错误: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"indexPrice":"100","futuresPrice":"103","basis":"3","basisRate":"0.03","timestamp":1700000000000}]`))
	}))
	defer srv.Close()

	records, err := newTestBinance(srv).GetBasisHistory(context.Background(), "BTCUSDT", "5m", 1)
	if err != nil {
		t.Fatalf("基差请求不应报错: %v", err)
	}
	if len(records) != 1 || records[0].BasisRate != 3 {
		t.Fatalf("基差率应换算为百分比: %+v", records)
	}
}

func TestBinanceHTTPErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Kind
	}{
		{http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`, KindRateLimited},
		{http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`, KindNotFound},
		{http.StatusInternalServerError, `oops`, KindUnknown},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := newTestBinance(srv).GetTicker(context.Background(), "XXX", market.Spot)
		srv.Close()
		if err == nil {
			t.Fatalf("HTTP %d 应返回错误", tc.status)
		}
		if got := Classify(err); got != tc.want {
			t.Fatalf("HTTP %d 分类错误: 期望 %s, 实际 %s", tc.status, tc.want, got)
		}
	}
}

func TestBinanceUnsupportedOperations(t *testing.T) {
	b := NewBinance(BinanceOptions{}, noopLogger())
	if _, err := b.GetPositionTiers(context.Background(), "BTCUSDT"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("未支持的接口应返回 ErrUnsupported: %v", err)
	}
	if _, err := b.GetLiquidations(context.Background(), "BTCUSDT", 10); Classify(err) != KindNotFound {
		t.Fatalf("无强平流时应归类为 not_found: %v", err)
	}
}
