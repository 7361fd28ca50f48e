package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"manipwatch/internal/app"
)

var (
	alertsLimit    int
	alertsMarket   string
	alertsPattern  string
	eventsLimit    int
	pruneOlderThan time.Duration
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display persisted alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.AlertsOptions{
			Limit:   alertsLimit,
			Market:  alertsMarket,
			Pattern: alertsPattern,
		}

		return getApp().ShowAlerts(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Display monitor warning events (demotions, suspensions)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().ShowEvents(cmd.Context(), eventsLimit, cmd.OutOrStdout())
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete alerts older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PruneAlerts(cmd.Context(), pruneOlderThan, cmd.OutOrStdout())
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsCmd.Flags().StringVar(&alertsMarket, "market", "", "Only alerts for this market")
	alertsCmd.Flags().StringVar(&alertsPattern, "pattern", "", "Only alerts of this pattern, e.g. SPOOFING")

	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Number of events to display")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Retention period")

	alertsCmd.AddCommand(eventsCmd)
	alertsCmd.AddCommand(pruneCmd)
}
