package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"

	"watchlist-scanner/internal/storage"
)

// Sync imports a watchlist snapshot from CSV. The file carries one stock per
// row as symbol,exchange,name (header optional); exchange and name may be
// empty. The shrink guard in the range job decides whether the snapshot
// replaces the stored list or is merged additively.
func (a *App) Sync(ctx context.Context, opts SyncOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--file is required")
	}

	incoming, err := readWatchlistCSV(opts.CSVPath)
	if err != nil {
		return err
	}
	if len(incoming) == 0 {
		return fmt.Errorf("%s contains no stocks", opts.CSVPath)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot sync watchlist")
	}
	defer closeStore()

	comps := a.buildComponents(store)
	job := a.newRangeJob(store, comps)

	if err := job.SyncStocks(ctx, incoming); err != nil {
		return err
	}

	total, err := store.CountStocks(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "synced %d stocks, %d now tracked\n", len(incoming), total)
	return nil
}

func readWatchlistCSV(path string) ([]storage.TrackedStock, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]bool)
	var stocks []storage.TrackedStock
	for i, row := range records {
		if len(row) == 0 {
			continue
		}
		symbol := strings.ToUpper(strings.TrimSpace(row[0]))
		if symbol == "" {
			continue
		}
		if i == 0 && strings.EqualFold(symbol, "symbol") {
			continue
		}
		if seen[symbol] {
			continue
		}
		seen[symbol] = true

		stock := storage.TrackedStock{Symbol: symbol}
		if len(row) > 1 {
			stock.Exchange = strings.ToUpper(strings.TrimSpace(row[1]))
		}
		if len(row) > 2 {
			stock.Name = strings.TrimSpace(row[2])
		}
		stocks = append(stocks, stock)
	}

	return stocks, nil
}
