package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"manipwatch/internal/config"
	"manipwatch/internal/detector"
	"manipwatch/internal/market"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	return cfg
}

func TestPrintThresholdsYAML(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	var buf bytes.Buffer
	if err := a.PrintThresholds(&buf, true); err != nil {
		t.Fatalf("输出阈值失败: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"detection:", "  liquidation_count: 5", "  liquidation_window: 1m0s", "  funding_z_score: 3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("YAML 输出缺少 %q:\n%s", want, out)
		}
	}
}

func TestPrintThresholdsJSON(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	var buf bytes.Buffer
	if err := a.PrintThresholds(&buf, false); err != nil {
		t.Fatalf("输出阈值失败: %v", err)
	}
	if !strings.Contains(buf.String(), `"liquidation_count": 5`) {
		t.Fatalf("JSON 输出错误: %s", buf.String())
	}
}

func TestMonitorOptionsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.Type = market.Futures
	cfg.Monitor.Promotion.VolumeSpike = 2.5
	cfg.Scheduler.AdvisoryLockKey = 42

	opts := NewApp(cfg, zerolog.Nop()).monitorOptions()
	if opts.Type != market.Futures || opts.Promotion.VolumeSpike != 2.5 || opts.AdvisoryLockKey != 42 {
		t.Fatalf("监控参数映射错误: %+v", opts)
	}
	if opts.CycleBudget != 2*time.Second || opts.Limits.Snapshots == 0 {
		t.Fatalf("默认参数缺失: %+v", opts)
	}
}

func TestStoreCommandsNeedDatabase(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	var buf bytes.Buffer
	if err := a.ShowAlerts(context.Background(), AlertsOptions{Limit: 5}, &buf); !errors.Is(err, errNoDatabase) {
		t.Fatalf("未配置数据库时应返回 errNoDatabase, 实际 %v", err)
	}
	if err := a.PruneAlerts(context.Background(), time.Hour, &buf); !errors.Is(err, errNoDatabase) {
		t.Fatalf("未配置数据库时应返回 errNoDatabase, 实际 %v", err)
	}
}

func TestCloseRunsInReverseOrder(t *testing.T) {
	a := NewApp(&config.Config{Detection: detector.DefaultThresholds()}, zerolog.Nop())
	var order []int
	a.OnClose(func() { order = append(order, 1) })
	a.OnClose(func() { order = append(order, 2) })
	a.Close()
	a.Close()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("关闭顺序错误: %v", order)
	}
}
