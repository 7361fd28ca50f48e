package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"manipwatch/internal/market"
)

// Sink 定义告警输送接口。
type Sink interface {
	Name() string
	Deliver(ctx context.Context, alert market.Alert) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	minRisk  market.RiskLevel
	client   *http.Client
	logger   zerolog.Logger
}

// TelegramOptions 描述 Telegram 告警配置。
type TelegramOptions struct {
	BotToken string           `mapstructure:"bot_token"`
	ChatID   string           `mapstructure:"chat_id"`
	BaseURL  string           `mapstructure:"base_url"`
	Timeout  time.Duration    `mapstructure:"timeout"`
	MinRisk  market.RiskLevel `mapstructure:"min_risk"`
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}
	if opts.MinRisk == "" {
		opts.MinRisk = market.RiskMedium
	}

	return &TelegramNotifier{
		botToken: opts.BotToken,
		chatID:   opts.ChatID,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		minRisk:  opts.MinRisk,
		client:   &http.Client{Timeout: opts.Timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

// Deliver 调用 sendMessage API 推送文本；低于 minRisk 的告警直接跳过。
func (n *TelegramNotifier) Deliver(ctx context.Context, alert market.Alert) error {
	if riskRank(alert.Risk) < riskRank(n.minRisk) {
		return nil
	}
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(alert, time.Now()),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("market", alert.Market).
		Str("pattern", string(alert.Pattern)).
		Str("alert_id", alert.ID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(alert market.Alert, now time.Time) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s on %s\n", alert.Risk, alert.Pattern, alert.Market))
	builder.WriteString(fmt.Sprintf("Score: %.1f / 100\n", alert.Score))
	builder.WriteString(fmt.Sprintf("Detected: %s UTC (%s)\n",
		alert.Time.UTC().Format(time.RFC3339), humanize.RelTime(alert.Time, now, "ago", "from now")))
	builder.WriteString(alert.Explanation)
	builder.WriteString("\n")

	keys := make([]string, 0, len(alert.Evidence))
	for k := range alert.Evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		builder.WriteString(fmt.Sprintf("- %s: %s\n", k, formatEvidence(alert.Evidence[k])))
	}
	return builder.String()
}

func formatEvidence(v any) string {
	switch x := v.(type) {
	case float64:
		if x >= 10_000 || x <= -10_000 {
			return humanize.CommafWithDigits(x, 0)
		}
		return humanize.FtoaWithDigits(x, 6)
	case int:
		return humanize.Comma(int64(x))
	default:
		return fmt.Sprint(v)
	}
}

func riskRank(r market.RiskLevel) int {
	switch r {
	case market.RiskHigh:
		return 2
	case market.RiskMedium:
		return 1
	default:
		return 0
	}
}

var _ Sink = (*TelegramNotifier)(nil)
