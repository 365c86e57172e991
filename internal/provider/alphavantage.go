package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const alphaVantageName = "alphavantage"

// AlphaVantageOptions parameterise the Alpha Vantage adapter.
type AlphaVantageOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// AlphaVantage is the free-tier Alpha Vantage adapter. The API reports quota
// breaches and premium endpoints inside a 200 response body, so those are
// sniffed out of the payload rather than the status code.
type AlphaVantage struct {
	opts    AlphaVantageOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewAlphaVantage constructs an Alpha Vantage adapter.
func NewAlphaVantage(opts AlphaVantageOptions, logger zerolog.Logger) *AlphaVantage {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.alphavantage.co"
	}

	return &AlphaVantage{
		opts:    opts,
		logger:  logger.With().Str("component", "alphavantage_adapter").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name implements Provider.
func (a *AlphaVantage) Name() string { return alphaVantageName }

// FetchQuote uses the GLOBAL_QUOTE function.
func (a *AlphaVantage) FetchQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	mapped, err := alphaVantageSymbol(symbol, exchange)
	if err != nil {
		return nil, NewFailure(alphaVantageName, FailureNotFound, "map symbol: %v", err)
	}

	body, err := a.get(ctx, "GLOBAL_QUOTE", mapped, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		GlobalQuote map[string]string `json:"Global Quote"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewFailure(alphaVantageName, FailureUnknown, "decode quote: %v", err)
	}
	if len(payload.GlobalQuote) == 0 {
		return nil, NewFailure(alphaVantageName, FailureNotFound, "empty global quote for %s", mapped)
	}

	price, err := decimal.NewFromString(payload.GlobalQuote["05. price"])
	if err != nil {
		return nil, NewFailure(alphaVantageName, FailureUnknown, "parse price: %v", err)
	}
	quote := &Quote{
		Symbol:    symbol,
		Price:     price,
		FetchedAt: time.Now().UTC(),
	}
	if prev, err := decimal.NewFromString(payload.GlobalQuote["08. previous close"]); err == nil {
		quote.PreviousClose = prev
	}
	if change, err := decimal.NewFromString(payload.GlobalQuote["09. change"]); err == nil {
		quote.Change = change
	}
	if pct, err := decimal.NewFromString(strings.TrimSuffix(payload.GlobalQuote["10. change percent"], "%")); err == nil {
		quote.ChangePercent = pct
	}
	return quote, nil
}

// FetchHistory uses TIME_SERIES_DAILY with full output for the 5y horizon.
func (a *AlphaVantage) FetchHistory(ctx context.Context, symbol, exchange string, rng HistoryRange) ([]HistoryPoint, error) {
	mapped, err := alphaVantageSymbol(symbol, exchange)
	if err != nil {
		return nil, NewFailure(alphaVantageName, FailureNotFound, "map symbol: %v", err)
	}

	outputSize := "compact"
	if rng == Range5Y {
		outputSize = "full"
	}
	body, err := a.get(ctx, "TIME_SERIES_DAILY", mapped, map[string]string{"outputsize": outputSize})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Series map[string]map[string]string `json:"Time Series (Daily)"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewFailure(alphaVantageName, FailureUnknown, "decode series: %v", err)
	}
	if len(payload.Series) == 0 {
		return nil, nil
	}

	cutoff := time.Now().UTC().AddDate(-5, 0, 0)
	if rng == Range1Y {
		cutoff = time.Now().UTC().AddDate(-1, 0, 0)
	}

	points := make([]HistoryPoint, 0, len(payload.Series))
	for dateStr, bar := range payload.Series {
		date, parseErr := time.Parse("2006-01-02", dateStr)
		if parseErr != nil || date.Before(cutoff) {
			continue
		}
		closePrice, parseErr := decimal.NewFromString(bar["4. close"])
		if parseErr != nil {
			continue
		}
		point := HistoryPoint{Date: date, Close: closePrice}
		if open, err := decimal.NewFromString(bar["1. open"]); err == nil {
			point.Open = &open
		}
		if high, err := decimal.NewFromString(bar["2. high"]); err == nil {
			point.High = &high
		}
		if low, err := decimal.NewFromString(bar["3. low"]); err == nil {
			point.Low = &low
		}
		points = append(points, point)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points, nil
}

func (a *AlphaVantage) get(ctx context.Context, function, mapped string, extra map[string]string) ([]byte, error) {
	if a.opts.APIKey == "" {
		return nil, NewFailure(alphaVantageName, FailureUnknown, "api key not configured")
	}

	values := url.Values{}
	values.Set("function", function)
	values.Set("symbol", mapped)
	values.Set("apikey", a.opts.APIKey)
	for k, v := range extra {
		values.Set(k, v)
	}
	endpoint := fmt.Sprintf("%s/query?%s", a.baseURL, values.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewFailure(alphaVantageName, FailureUnknown, "create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, NewFailure(alphaVantageName, FailureNetwork, "%v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewFailure(alphaVantageName, FailureNetwork, "read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewFailure(alphaVantageName, FailureUnknown, "http %d", resp.StatusCode)
	}

	// In-band errors: "Note" means throttled, "Information" flags premium
	// endpoints, "Error Message" covers bad symbols.
	var probe struct {
		Note        string `json:"Note"`
		Information string `json:"Information"`
		ErrMessage  string `json:"Error Message"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		switch {
		case probe.Note != "":
			failure := NewFailure(alphaVantageName, FailureRateLimited, "%s", probe.Note)
			failure.Exhausted = strings.Contains(probe.Note, "per day")
			return nil, failure
		case strings.Contains(probe.Information, "premium"):
			return nil, NewFailure(alphaVantageName, FailureProRequired, "%s", probe.Information)
		case probe.Information != "":
			failure := NewFailure(alphaVantageName, FailureRateLimited, "%s", probe.Information)
			failure.Exhausted = strings.Contains(probe.Information, "rate limit")
			return nil, failure
		case probe.ErrMessage != "":
			return nil, NewFailure(alphaVantageName, FailureNotFound, "%s", probe.ErrMessage)
		}
	}

	return body, nil
}

var _ Provider = (*AlphaVantage)(nil)
