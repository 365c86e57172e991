package rangejob

import (
	"time"

	"github.com/shopspring/decimal"

	"watchlist-scanner/internal/provider"
)

// Bands holds the low/high extremes over the trailing 1, 3, and 5 year
// windows. A nil field means no data point fell inside that window.
type Bands struct {
	Low1Y  *decimal.Decimal
	High1Y *decimal.Decimal
	Low3Y  *decimal.Decimal
	High3Y *decimal.Decimal
	Low5Y  *decimal.Decimal
	High5Y *decimal.Decimal
}

// ComputeBands scans daily history points for the window extremes relative
// to now. The daily low is preferred for the bottom of a band and the daily
// high for the top; a point missing those fields contributes its close to
// both sides instead.
func ComputeBands(points []provider.HistoryPoint, now time.Time) Bands {
	var bands Bands
	bands.Low1Y, bands.High1Y = windowExtremes(points, now.AddDate(-1, 0, 0), now)
	bands.Low3Y, bands.High3Y = windowExtremes(points, now.AddDate(-3, 0, 0), now)
	bands.Low5Y, bands.High5Y = windowExtremes(points, now.AddDate(-5, 0, 0), now)
	return bands
}

func windowExtremes(points []provider.HistoryPoint, from, to time.Time) (low, high *decimal.Decimal) {
	for i := range points {
		p := &points[i]
		if p.Date.Before(from) || p.Date.After(to) {
			continue
		}

		dayLow := p.Close
		if p.Low != nil {
			dayLow = *p.Low
		}
		dayHigh := p.Close
		if p.High != nil {
			dayHigh = *p.High
		}

		if low == nil || dayLow.LessThan(*low) {
			v := dayLow
			low = &v
		}
		if high == nil || dayHigh.GreaterThan(*high) {
			v := dayHigh
			high = &v
		}
	}
	return low, high
}

// BuyLimit derives the suggested entry price: the lowest strictly positive
// band low, bumped by 5% and rounded to two decimals. Returns nil when no
// band has a positive low, so an existing limit is never overwritten with a
// fabricated value.
func BuyLimit(bands Bands) *decimal.Decimal {
	var min *decimal.Decimal
	for _, candidate := range []*decimal.Decimal{bands.Low5Y, bands.Low3Y, bands.Low1Y} {
		if candidate == nil || !candidate.IsPositive() {
			continue
		}
		if min == nil || candidate.LessThan(*min) {
			min = candidate
		}
	}
	if min == nil {
		return nil
	}
	limit := min.Mul(buyLimitFactor).Round(2)
	return &limit
}
