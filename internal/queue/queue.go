package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"watchlist-scanner/internal/config"
	"watchlist-scanner/internal/provmem"
	"watchlist-scanner/internal/storage"
)

// State tags a queue entry instead of encoding it as a magic score value, so
// the scheduler can skip cooled entries without comparing magnitudes.
type State string

const (
	// StateNeverQuoted sorts ahead of everything else.
	StateNeverQuoted State = "never_quoted"
	// StateReady sorts by score, lowest first.
	StateReady State = "ready"
	// StateCooled sorts last and is skipped by the refresh engine.
	StateCooled State = "cooled"
)

func (s State) precedence() int {
	switch s {
	case StateNeverQuoted:
		return 0
	case StateReady:
		return 1
	default:
		return 2
	}
}

// Entry is one scheduled refresh candidate. Rebuilt every cycle, never
// persisted.
type Entry struct {
	Symbol        string
	State         State
	Score         float64
	CooldownUntil time.Time
	Reasons       []string
}

// Weights are the configured 0-100 sliders mapped onto 0-1 multipliers.
type Weights struct {
	BuyLimitDistance float64
	Volatility       float64
	Rainbow          float64
}

// WeightsFromConfig maps slider positions to multipliers.
func WeightsFromConfig(cfg config.WeightsConfig) Weights {
	clamp := func(v int) float64 {
		if v < 0 {
			return 0
		}
		if v > 100 {
			return 1
		}
		return float64(v) / 100
	}
	return Weights{
		BuyLimitDistance: clamp(cfg.BuyLimitDistance),
		Volatility:       clamp(cfg.Volatility),
		Rainbow:          clamp(cfg.Rainbow),
	}
}

// Builder computes refresh priorities. Lower score means higher priority.
type Builder struct {
	weights        Weights
	failurePenalty float64
	now            func() time.Time
}

// NewBuilder constructs a priority queue builder.
func NewBuilder(weights Weights, failurePenalty float64) *Builder {
	if failurePenalty <= 0 {
		failurePenalty = 10
	}
	return &Builder{
		weights:        weights,
		failurePenalty: failurePenalty,
		now:            time.Now,
	}
}

// SetClock overrides the time source; test helper.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Build ranks the tracked stocks for the next refresh cycle. The sort is
// stable: equal scores keep their original relative order.
func (b *Builder) Build(stocks []storage.TrackedStock, meta func(symbol string) provmem.StockMemory) []Entry {
	now := b.now()
	entries := make([]Entry, 0, len(stocks))

	for _, stock := range stocks {
		mem := provmem.StockMemory{}
		if meta != nil {
			mem = meta(stock.Symbol)
		}
		entries = append(entries, b.score(stock, mem, now))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].State.precedence(), entries[j].State.precedence()
		if pi != pj {
			return pi < pj
		}
		return entries[i].Score < entries[j].Score
	})
	return entries
}

func (b *Builder) score(stock storage.TrackedStock, mem provmem.StockMemory, now time.Time) Entry {
	entry := Entry{Symbol: stock.Symbol, State: StateReady}

	if stock.QuotedAt == nil || stock.Price.Sign() <= 0 {
		entry.State = StateNeverQuoted
		entry.Reasons = append(entry.Reasons, "never refreshed")
		return entry
	}

	if mem.CooldownUntil != nil && now.Before(*mem.CooldownUntil) {
		entry.State = StateCooled
		entry.CooldownUntil = *mem.CooldownUntil
		entry.Reasons = append(entry.Reasons,
			fmt.Sprintf("cooling down until %s", mem.CooldownUntil.Format(time.RFC3339)))
		return entry
	}

	staleMinutes := now.Sub(*stock.QuotedAt).Minutes()
	entry.Score = -staleMinutes
	entry.Reasons = append(entry.Reasons, fmt.Sprintf("stale %.0f min", staleMinutes))

	if mem.ConsecutiveFailures > 0 {
		penalty := float64(mem.ConsecutiveFailures) * b.failurePenalty
		entry.Score += penalty
		entry.Reasons = append(entry.Reasons,
			fmt.Sprintf("%d consecutive failures", mem.ConsecutiveFailures))
	}

	if adj, reason := b.distanceAdjustment(stock); adj != 0 {
		entry.Score += adj
		entry.Reasons = append(entry.Reasons, reason)
	}
	if adj, reason := b.volatilityAdjustment(stock); adj != 0 {
		entry.Score += adj
		entry.Reasons = append(entry.Reasons, reason)
	}
	if adj, reason := b.rainbowAdjustment(stock); adj != 0 {
		entry.Score += adj
		entry.Reasons = append(entry.Reasons, reason)
	}

	return entry
}

// distanceAdjustment pushes stocks near or below their buy limit forward.
func (b *Builder) distanceAdjustment(stock storage.TrackedStock) (float64, string) {
	if b.weights.BuyLimitDistance == 0 {
		return 0, ""
	}
	distance := stock.DistanceToBuyLimitPct()
	if distance == nil {
		return 0, ""
	}

	var bucket float64
	switch {
	case distance.Sign() <= 0:
		bucket = -30
	case distance.LessThanOrEqual(decimal.NewFromInt(5)):
		bucket = -20
	case distance.LessThanOrEqual(decimal.NewFromInt(15)):
		bucket = -10
	default:
		return 0, ""
	}
	return bucket * b.weights.BuyLimitDistance,
		fmt.Sprintf("distance to buy limit %s%%", distance.StringFixed(1))
}

// volatilityAdjustment pushes big daily movers forward.
func (b *Builder) volatilityAdjustment(stock storage.TrackedStock) (float64, string) {
	if b.weights.Volatility == 0 {
		return 0, ""
	}
	move := stock.ChangePercent.Abs()

	var bucket float64
	switch {
	case move.GreaterThanOrEqual(decimal.NewFromInt(5)):
		bucket = -15
	case move.GreaterThanOrEqual(decimal.NewFromInt(2)):
		bucket = -8
	case move.GreaterThanOrEqual(decimal.NewFromInt(1)):
		bucket = -4
	default:
		return 0, ""
	}
	return bucket * b.weights.Volatility,
		fmt.Sprintf("day move %s%%", stock.ChangePercent.StringFixed(1))
}

// rainbowAdjustment is a coarse proxy correlated with the distance to the
// buy limit, weighted independently from the main distance factor.
func (b *Builder) rainbowAdjustment(stock storage.TrackedStock) (float64, string) {
	if b.weights.Rainbow == 0 {
		return 0, ""
	}
	distance := stock.DistanceToBuyLimitPct()
	if distance == nil {
		return 0, ""
	}

	var bucket float64
	switch {
	case distance.Sign() <= 0:
		bucket = -10
	case distance.LessThanOrEqual(decimal.NewFromInt(10)):
		bucket = -5
	default:
		return 0, ""
	}
	return bucket * b.weights.Rainbow, "rainbow band near buy zone"
}
