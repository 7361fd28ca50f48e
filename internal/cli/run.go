package cli

import (
	"github.com/spf13/cobra"

	"manipwatch/internal/market"
	"manipwatch/internal/service"
)

var (
	runMarkets   []string
	runType      string
	runQuote     string
	runMinVolume float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the multi-market monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := service.MonitorRequest{
			Markets:       runMarkets,
			Type:          market.Type(runType),
			QuoteCurrency: runQuote,
			MinVolume:     runMinVolume,
		}
		if err := validateType(req.Type); err != nil {
			return err
		}
		return getApp().Run(cmd.Context(), req)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runMarkets, "markets", nil, "Markets to watch; discovered by volume when empty")
	runCmd.Flags().StringVar(&runType, "type", "", "Market type: spot or futures (default from config)")
	runCmd.Flags().StringVar(&runQuote, "quote", "", "Quote currency used for discovery")
	runCmd.Flags().Float64Var(&runMinVolume, "min-volume", 0, "Minimum 24h quote volume used for discovery")
}
