package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints the tracked watchlist ordered by distance to buy limit,
// closest first; stocks without a limit sort to the bottom.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show watchlist")
	}
	defer closeStore()

	stocks, err := store.ListTrackedStocks(ctx)
	if err != nil {
		return err
	}
	if len(stocks) == 0 {
		fmt.Fprintln(os.Stdout, "watchlist is empty")
		return nil
	}

	sort.SliceStable(stocks, func(i, j int) bool {
		di, dj := stocks[i].DistanceToBuyLimitPct(), stocks[j].DistanceToBuyLimitPct()
		if di == nil || dj == nil {
			return di != nil && dj == nil
		}
		return di.LessThan(*dj)
	})

	if opts.Limit > 0 && len(stocks) > opts.Limit {
		stocks = stocks[:opts.Limit]
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tName\tPrice\tLimit\tDist%\t1Y Low\t5Y Low\tProvider\tQuoted")

	for _, stock := range stocks {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			stock.Symbol,
			truncate(stock.Name, 24),
			formatPrice(stock.Price),
			formatOptDecimal(stock.BuyLimit, 2),
			formatOptDecimal(stock.DistanceToBuyLimitPct(), 1),
			formatOptDecimal(stock.Low1Y, 2),
			formatOptDecimal(stock.Low5Y, 2),
			stock.PreferredProvider,
			formatOptTime(stock.QuotedAt),
		)
	}

	writer.Flush()
	return nil
}

func formatPrice(d decimal.Decimal) string {
	if d.Sign() <= 0 {
		return "-"
	}
	return d.StringFixed(2)
}

func formatOptDecimal(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return v[:max-1] + "…"
}
