package cli

import (
	"github.com/spf13/cobra"
)

var thresholdsYAML bool

var thresholdsCmd = &cobra.Command{
	Use:   "thresholds",
	Short: "Print the effective detection thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PrintThresholds(cmd.OutOrStdout(), thresholdsYAML)
	},
}

func init() {
	thresholdsCmd.Flags().BoolVar(&thresholdsYAML, "yaml", false, "Print as a config file fragment")
}
