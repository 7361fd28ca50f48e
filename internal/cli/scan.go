package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"manipwatch/internal/app"
	"manipwatch/internal/market"
)

var (
	scanMarket   string
	scanType     string
	scanCycles   int
	scanInterval time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run detection cycles for one market and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		if scanMarket == "" {
			return fmt.Errorf("--market is required")
		}
		typ := market.Type(scanType)
		if err := validateType(typ); err != nil {
			return err
		}
		opts := app.ScanOptions{
			Market:   scanMarket,
			Type:     typ,
			Cycles:   scanCycles,
			Interval: scanInterval,
		}
		return getApp().Scan(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanMarket, "market", "", "Market symbol, e.g. BTCUSDT")
	scanCmd.Flags().StringVar(&scanType, "type", "", "Market type: spot or futures (default from config)")
	scanCmd.Flags().IntVar(&scanCycles, "cycles", 1, "Number of cycles; order-book churn needs at least two")
	scanCmd.Flags().DurationVar(&scanInterval, "interval", 5*time.Second, "Pause between cycles")
}

func validateType(t market.Type) error {
	switch t {
	case "", market.Spot, market.Futures:
		return nil
	}
	return fmt.Errorf("--type must be %q or %q", market.Spot, market.Futures)
}
