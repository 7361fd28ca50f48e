package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"manipwatch/internal/market"
)

func testPolicy(retries int, timeout time.Duration) *Policy {
	return NewPolicy(PolicyOptions{
		RequestsPerMinute: 6000,
		MaxRetries:        retries,
		InitialInterval:   time.Millisecond,
		MaxInterval:       5 * time.Millisecond,
		Timeout:           timeout,
	}, noopLogger())
}

func TestPolicyRetriesRateLimited(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"openInterest":"1234.5"}`))
	}))
	defer srv.Close()

	src := NewGuarded(newTestBinance(srv), testPolicy(3, time.Second))
	oi, err := src.GetOpenInterest(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("限流后重试应成功: %v", err)
	}
	if oi != 1234.5 {
		t.Fatalf("持仓量解析错误: %v", oi)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("期望调用 3 次, 实际 %d", calls)
	}
}

func TestPolicyDoesNotRetryNotFound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	src := NewGuarded(newTestBinance(srv), testPolicy(5, time.Second))
	_, err := src.GetTicker(context.Background(), "NOPE", market.Spot)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("应返回 *FetchError, 实际 %T", err)
	}
	if fe.Kind != KindNotFound || fe.Market != "NOPE" || fe.Op != "get_ticker" {
		t.Fatalf("FetchError 字段错误: %+v", fe)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("not_found 不应重试, 实际调用 %d 次", calls)
	}
}

func TestPolicyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	src := NewGuarded(newTestBinance(srv), testPolicy(0, 50*time.Millisecond))
	_, err := src.GetTicker(context.Background(), "BTCUSDT", market.Spot)
	if Classify(err) != KindTimeout {
		t.Fatalf("超时应归类为 timeout, 实际 %v (%s)", err, Classify(err))
	}
}

func TestDiscoveryErrorUnwrap(t *testing.T) {
	inner := &FetchError{Kind: KindUnknown, Op: "get_all_tickers", Err: errors.New("boom")}
	err := error(&DiscoveryError{Err: inner})
	if !errors.Is(err, ErrDiscovery) {
		t.Fatal("DiscoveryError 应匹配 ErrDiscovery")
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != KindUnknown {
		t.Fatal("DiscoveryError 应可解出 FetchError")
	}
}
