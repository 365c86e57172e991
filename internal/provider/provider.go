package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FailureKind classifies provider failures for the refresh engine.
type FailureKind string

const (
	// FailureNotFound: the provider does not know this ticker. Permanent for
	// the (ticker, provider) pair.
	FailureNotFound FailureKind = "not_found"
	// FailureProRequired: the endpoint needs a paid plan. Permanent.
	FailureProRequired FailureKind = "pro_required"
	// FailureRateLimited: local or server-reported quota breach. Recoverable.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureNetwork: transport-level failure. Transient.
	FailureNetwork FailureKind = "network"
	// FailureUnknown: anything unclassified. Transient.
	FailureUnknown FailureKind = "unknown"
)

// Failure is the typed error every adapter returns on a failed fetch.
// Exhausted marks a server-reported daily quota breach, as opposed to a
// minute-level throttle.
type Failure struct {
	Provider  string
	Kind      FailureKind
	Message   string
	Exhausted bool
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("%s: %s", f.Provider, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", f.Provider, f.Kind, f.Message)
}

// NewFailure builds a typed failure.
func NewFailure(provider string, kind FailureKind, format string, args ...interface{}) *Failure {
	return &Failure{Provider: provider, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind from an error, defaulting to unknown.
func KindOf(err error) FailureKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return FailureUnknown
}

// IsExhausted reports whether the error is a server-reported daily quota
// breach.
func IsExhausted(err error) bool {
	var failure *Failure
	return errors.As(err, &failure) && failure.Exhausted
}

// Permanent reports whether this kind should never be retried against the
// same provider for the same ticker.
func (k FailureKind) Permanent() bool {
	return k == FailureNotFound || k == FailureProRequired
}

// HistoryRange selects the horizon of a history fetch.
type HistoryRange string

const (
	Range1Y HistoryRange = "1y"
	Range5Y HistoryRange = "5y"
)

// Quote is the normalised result of a successful quote fetch.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previousClose"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Week52High    decimal.Decimal `json:"week52High"`
	Week52Low     decimal.Decimal `json:"week52Low"`
	Currency      string          `json:"currency"`
	Exchange      string          `json:"exchange"`
	FetchedAt     time.Time       `json:"fetchedAt"`
}

// HistoryPoint is one daily bar. Open/High/Low/Volume are optional because
// some providers only ship closes.
type HistoryPoint struct {
	Date   time.Time        `json:"date"`
	Close  decimal.Decimal  `json:"close"`
	Open   *decimal.Decimal `json:"open,omitempty"`
	High   *decimal.Decimal `json:"high,omitempty"`
	Low    *decimal.Decimal `json:"low,omitempty"`
	Volume *int64           `json:"volume,omitempty"`
}

// Provider is one external quote/history source. Adapters never retry
// internally; fallback across providers is the refresh engine's concern.
type Provider interface {
	Name() string
	FetchQuote(ctx context.Context, symbol, exchange string) (*Quote, error)
	FetchHistory(ctx context.Context, symbol, exchange string, rng HistoryRange) ([]HistoryPoint, error)
}

// Registry holds the enabled providers in global priority order, most
// generous first.
type Registry struct {
	order  []string
	byName map[string]Provider
}

// NewRegistry builds a registry honouring the configured priority order.
// Providers absent from the order list are ignored.
func NewRegistry(order []string, providers ...Provider) *Registry {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	kept := make([]string, 0, len(order))
	for _, name := range order {
		if _, ok := byName[name]; ok {
			kept = append(kept, name)
		}
	}

	return &Registry{order: kept, byName: byName}
}

// Order returns the registered provider names in priority order.
func (r *Registry) Order() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Len reports the number of usable providers.
func (r *Registry) Len() int {
	return len(r.order)
}
