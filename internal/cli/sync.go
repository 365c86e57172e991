package cli

import (
	"github.com/spf13/cobra"

	"watchlist-scanner/internal/app"
)

var (
	syncFile string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import a watchlist snapshot from CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SyncOptions{
			CSVPath: syncFile,
		}

		return getApp().Sync(cmd.Context(), opts)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncFile, "file", "", "Path to CSV file (symbol,exchange,name)")
}
