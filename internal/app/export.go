package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"watchlist-scanner/internal/provider"
	"watchlist-scanner/internal/storage"
)

// Export renders a stock's five-year history as CSV and/or a PNG chart with
// the buy limit and 1Y/5Y lows drawn as horizontal reference lines.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.Symbol == "" {
		return errors.New("--symbol is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	comps := a.buildComponents(store)
	if comps.registry.Len() == 0 {
		return errors.New("no providers enabled")
	}
	job := a.newRangeJob(store, comps)

	stock := findStock(ctx, store, opts.Symbol)
	if stock == nil {
		stock = &storage.TrackedStock{Symbol: opts.Symbol, Exchange: opts.Exchange}
	}

	points, usedProvider, err := job.History(ctx, *stock)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Str("symbol", opts.Symbol).Msg("no history available for export")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Str("symbol", opts.Symbol).Str("provider", usedProvider).
		Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, stock, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func findStock(ctx context.Context, store storage.StockStore, symbol string) *storage.TrackedStock {
	stocks, err := store.ListTrackedStocks(ctx)
	if err != nil {
		return nil
	}
	for i := range stocks {
		if stocks[i].Symbol == symbol {
			return &stocks[i]
		}
	}
	return nil
}

func downsamplePoints(points []provider.HistoryPoint, max int) []provider.HistoryPoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]provider.HistoryPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeHistoryCSV(path string, points []provider.HistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"date", "close", "low", "high", "volume"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		low, high, volume := "", "", ""
		if p.Low != nil {
			low = p.Low.String()
		}
		if p.High != nil {
			high = p.High.String()
		}
		if p.Volume != nil {
			volume = fmt.Sprintf("%d", *p.Volume)
		}
		record := []string{
			p.Date.Format("2006-01-02"),
			p.Close.String(),
			low,
			high,
			volume,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeHistoryPNG(path string, stock *storage.TrackedStock, points []provider.HistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	closes := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Date
		closes[i] = p.Close.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Close",
			XValues: x,
			YValues: closes,
		},
	}

	series = append(series, referenceLine("Buy Limit", x, stock.BuyLimit)...)
	series = append(series, referenceLine("1Y Low", x, stock.Low1Y)...)
	series = append(series, referenceLine("5Y Low", x, stock.Low5Y)...)

	graph := chart.Chart{
		Title:  stock.Symbol,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func referenceLine(name string, x []time.Time, value *decimal.Decimal) []chart.Series {
	if value == nil || len(x) == 0 {
		return nil
	}

	level := value.InexactFloat64()
	ys := make([]float64, len(x))
	for i := range ys {
		ys[i] = level
	}
	return []chart.Series{chart.TimeSeries{
		Name:    name,
		XValues: x,
		YValues: ys,
		Style: chart.Style{
			StrokeDashArray: []float64{5.0, 5.0},
		},
	}}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
