package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrackedStock is a ticker under watch. Quote fields are maintained by the
// refresh engine, band fields and the buy limit by the range batch job.
type TrackedStock struct {
	Symbol        string
	Exchange      string
	Name          string
	Currency      string
	Price         decimal.Decimal
	PreviousClose decimal.Decimal
	Change        decimal.Decimal
	ChangePercent decimal.Decimal

	BuyLimit *decimal.Decimal

	Low1Y  *decimal.Decimal
	High1Y *decimal.Decimal
	Low3Y  *decimal.Decimal
	High3Y *decimal.Decimal
	Low5Y  *decimal.Decimal
	High5Y *decimal.Decimal

	QuotedAt     *time.Time
	RangeFetched bool
	RangeAt      *time.Time
	RangeError   bool

	PreferredProvider string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StockUpdate is a partial mutation of a tracked stock. Nil pointers leave the
// stored value untouched.
type StockUpdate struct {
	Price         *decimal.Decimal
	PreviousClose *decimal.Decimal
	Change        *decimal.Decimal
	ChangePercent *decimal.Decimal
	Currency      *string

	BuyLimit *decimal.Decimal

	Low1Y  *decimal.Decimal
	High1Y *decimal.Decimal
	Low3Y  *decimal.Decimal
	High3Y *decimal.Decimal
	Low5Y  *decimal.Decimal
	High5Y *decimal.Decimal

	QuotedAt     *time.Time
	RangeFetched *bool
	RangeAt      *time.Time
	RangeError   *bool

	PreferredProvider *string
}

// DistanceToBuyLimitPct returns (price/limit - 1) × 100, or nil when either
// side is missing or non-positive. Negative values mean the price sits below
// the limit.
func (s *TrackedStock) DistanceToBuyLimitPct() *decimal.Decimal {
	if s.BuyLimit == nil || s.BuyLimit.Sign() <= 0 || s.Price.Sign() <= 0 {
		return nil
	}
	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)
	d := s.Price.Div(*s.BuyLimit).Sub(one).Mul(hundred)
	return &d
}
