package cli

import (
	"github.com/spf13/cobra"

	"watchlist-scanner/internal/app"
)

var (
	metaSymbol string
)

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Inspect learned provider memory and usage counters for one ticker",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.MetaOptions{
			Symbol: metaSymbol,
		}

		return getApp().Meta(cmd.Context(), opts)
	},
}

func init() {
	metaCmd.Flags().StringVar(&metaSymbol, "symbol", "", "Ticker symbol to inspect (required)")
	_ = metaCmd.MarkFlagRequired("symbol")
}
