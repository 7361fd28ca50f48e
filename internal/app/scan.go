package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"manipwatch/internal/alerting"
	"manipwatch/internal/market"
	"manipwatch/internal/scheduler"
	"manipwatch/internal/service"
)

// ScanOptions configure a one-shot scan of a single market.
type ScanOptions struct {
	Market   string
	Type     market.Type
	Cycles   int
	Interval time.Duration
}

// ScanReport is the printed outcome of a scan.
type ScanReport struct {
	Market        string           `json:"market"`
	Type          market.Type      `json:"type"`
	Cycles        int              `json:"cycles"`
	Score         float64          `json:"score"`
	Risk          market.RiskLevel `json:"risk_level"`
	EnsembleScore float64          `json:"ensemble_score"`
	Alerts        []market.Alert   `json:"alerts"`
}

// Scan runs fetch and detect cycles for one market and writes the last result as JSON.
// Alerts are printed, not delivered.
func (a *App) Scan(ctx context.Context, opts ScanOptions, out io.Writer) error {
	symbol := strings.ToUpper(strings.TrimSpace(opts.Market))
	if symbol == "" {
		return fmt.Errorf("market is required")
	}
	if opts.Type == "" {
		opts.Type = a.Config.Monitor.Type
	}
	if opts.Cycles <= 0 {
		opts.Cycles = 1
	}

	source, _ := a.newSource(opts.Type)
	svcOpts := a.monitorOptions()
	svcOpts.Type = opts.Type
	svcOpts.Rediscovery = ""

	alerts := alerting.NewManager(a.Config.Alerting.Options, alerting.NewMemoryCooldown(), nil, nil, a.Logger)
	monitor := service.New(svcOpts, service.Deps{
		Source:    source,
		Engine:    a.newEngine(),
		Scheduler: scheduler.New(a.Config.Scheduler.Options, a.Logger),
		Alerts:    alerts,
	}, a.Config.Detection, a.Logger)

	report := ScanReport{Market: symbol, Type: opts.Type, Alerts: []market.Alert{}}
	for i := 0; i < opts.Cycles; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Interval):
			}
		}
		res, err := monitor.ProcessMarket(ctx, symbol)
		if err != nil {
			return fmt.Errorf("scan %s: %w", symbol, err)
		}
		report.Cycles = i + 1
		report.Score = res.Score
		report.Risk = res.Risk
		report.EnsembleScore = res.EnsembleScore
	}
	if recent := alerts.Recent(0); len(recent) > 0 {
		report.Alerts = recent
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
