package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"manipwatch/internal/market"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.Monitor.Type != market.Spot || cfg.Monitor.QuoteCurrency != "USDT" {
		t.Fatalf("monitor 默认值错误: %+v", cfg.Monitor)
	}
	if cfg.Scheduler.HighInterval != 30*time.Second || cfg.Scheduler.LowInterval != 300*time.Second {
		t.Fatalf("层级间隔默认值错误: %+v", cfg.Scheduler.Options)
	}
	if cfg.Detection.LiquidationCount != 5 || cfg.Detection.LiquidationWindow != time.Minute {
		t.Fatalf("检测阈值默认值错误: %+v", cfg.Detection)
	}
	if cfg.Ensemble.Weights.Reconstruction != 0.4 {
		t.Fatalf("集成权重默认值错误: %+v", cfg.Ensemble.Weights)
	}
	if cfg.Alerting.Cooldown != 15*time.Minute || cfg.Alerting.BufferSize != 1000 {
		t.Fatalf("告警默认值错误: %+v", cfg.Alerting.Options)
	}
	if !cfg.SinkEnabled("log") || cfg.SinkEnabled("kafka") {
		t.Fatalf("默认 sink 错误: %v", cfg.Alerting.Sinks)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.yaml")
	body := `
monitor:
  type: futures
  markets: [BTCUSDT, ETHUSDT]
detection:
  liquidation_count: 7
  liquidation_window: 90s
alerting:
  cooldown: 5m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	t.Setenv("MANIPWATCH_SCHEDULER_MAX_CONCURRENT_CHECKS", "4")
	t.Setenv("MANIPWATCH_MONITOR_QUOTE_CURRENCY", "FDUSD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Monitor.Type != market.Futures || len(cfg.Monitor.Markets) != 2 {
		t.Fatalf("文件中的 monitor 配置未生效: %+v", cfg.Monitor)
	}
	if cfg.Detection.LiquidationCount != 7 || cfg.Detection.LiquidationWindow != 90*time.Second {
		t.Fatalf("文件中的阈值未生效: %+v", cfg.Detection)
	}
	if cfg.Alerting.Cooldown != 5*time.Minute {
		t.Fatalf("cooldown 应为 5m, 实际 %s", cfg.Alerting.Cooldown)
	}
	if cfg.Scheduler.MaxConcurrent != 4 || cfg.Monitor.QuoteCurrency != "FDUSD" {
		t.Fatalf("环境变量未生效: %d %s", cfg.Scheduler.MaxConcurrent, cfg.Monitor.QuoteCurrency)
	}
	if cfg.Detection.FundingZScore != 3 {
		t.Fatalf("未覆盖的阈值应保持默认: %v", cfg.Detection.FundingZScore)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.yaml")
	body := `
logging:
  level: chatty
scheduler:
  max_concurrent_checks: 0
monitor:
  type: options
  rediscovery: "every now and then"
detection:
  liquidation_count: -1
alerting:
  sinks: [log, pager]
  telegram:
    enabled: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("非法配置应返回错误")
	}
	for _, want := range []string{
		"logging.level",
		"scheduler.max_concurrent_checks",
		"monitor.type",
		"monitor.rediscovery",
		"detection.liquidation_count",
		`unknown sink "pager"`,
		"alerting.telegram.bot_token",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("错误信息缺少 %q: %v", want, err)
		}
	}
}

func TestDotEnvIsLoaded(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MANIPWATCH_MONITOR_MIN_VOLUME=250000\n"), 0o600); err != nil {
		t.Fatalf("写入 .env 失败: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("MANIPWATCH_MONITOR_MIN_VOLUME") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Monitor.MinVolume != 250000 {
		t.Fatalf(".env 中的 min_volume 未生效: %v", cfg.Monitor.MinVolume)
	}
}
