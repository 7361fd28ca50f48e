package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveCycle("spot", "ok", 120*time.Millisecond)
	m.FetchError("timeout")
	m.AlertEmitted("PUMP_DUMP", "HIGH")
	m.SetMarkets(map[string]int{"high": 2, "suspended": 1})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("请求 metrics 失败: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`manipwatch_checks_total{market_type="spot",outcome="ok"} 1`,
		`manipwatch_fetch_errors_total{kind="timeout"} 1`,
		`manipwatch_alerts_total{pattern="PUMP_DUMP",risk="HIGH"} 1`,
		`manipwatch_markets{state="suspended"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics 输出缺少 %q", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCycle("spot", "ok", time.Second)
	m.AlertDropped()
	m.SetMarkets(map[string]int{"high": 1})
	if m.Registry() != nil {
		t.Fatal("nil Metrics 的 registry 应为 nil")
	}
}
