package cli

import (
	"github.com/spf13/cobra"

	"watchlist-scanner/internal/app"
)

var (
	rangeBatch       int
	rangeCountOnly   bool
	rangeClearErrors bool
)

var rangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Fetch long-horizon history and recompute buy limits for one batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RangeOptions{
			Batch:       rangeBatch,
			CountOnly:   rangeCountOnly,
			ClearErrors: rangeClearErrors,
		}

		return getApp().RunRange(cmd.Context(), opts)
	},
}

func init() {
	rangeCmd.Flags().IntVar(&rangeBatch, "batch", 0, "Maximum stocks to process (defaults to config)")
	rangeCmd.Flags().BoolVar(&rangeCountOnly, "count", false, "Only report how many stocks are eligible")
	rangeCmd.Flags().BoolVar(&rangeClearErrors, "clear-errors", false, "Re-admit error-flagged stocks before processing")
}
