package cli

import (
	"github.com/spf13/cobra"

	"watchlist-scanner/internal/app"
)

var (
	resetSymbol string
	resetMemory bool
	resetCache  bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe learned provider memory and/or cached responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ResetOptions{
			Symbol: resetSymbol,
			Memory: resetMemory,
			Cache:  resetCache,
		}

		return getApp().Reset(cmd.Context(), opts)
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetSymbol, "symbol", "", "Restrict memory reset to one ticker")
	resetCmd.Flags().BoolVar(&resetMemory, "memory", false, "Reset per-stock provider memory")
	resetCmd.Flags().BoolVar(&resetCache, "cache", false, "Clear cached provider responses")
}
