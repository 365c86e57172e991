package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const finnhubName = "finnhub"

// FinnhubOptions parameterise the Finnhub adapter.
type FinnhubOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Finnhub serves real-time quotes on the free tier; candles need a paid plan
// and come back as HTTP 403, which maps to pro_required.
type Finnhub struct {
	opts    FinnhubOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewFinnhub constructs a Finnhub adapter.
func NewFinnhub(opts FinnhubOptions, logger zerolog.Logger) *Finnhub {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://finnhub.io/api/v1"
	}

	return &Finnhub{
		opts:    opts,
		logger:  logger.With().Str("component", "finnhub_adapter").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name implements Provider.
func (f *Finnhub) Name() string { return finnhubName }

// FetchQuote uses the /quote endpoint.
func (f *Finnhub) FetchQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	mapped, err := finnhubSymbol(symbol, exchange)
	if err != nil {
		return nil, NewFailure(finnhubName, FailureNotFound, "map symbol: %v", err)
	}

	endpoint := fmt.Sprintf("%s/quote?symbol=%s&token=%s", f.baseURL, url.QueryEscape(mapped), url.QueryEscape(f.opts.APIKey))
	body, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Current       float64 `json:"c"`
		Change        float64 `json:"d"`
		ChangePercent float64 `json:"dp"`
		PreviousClose float64 `json:"pc"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewFailure(finnhubName, FailureUnknown, "decode quote: %v", err)
	}
	// Finnhub answers all-zero bodies for unknown tickers.
	if payload.Current == 0 && payload.PreviousClose == 0 {
		return nil, NewFailure(finnhubName, FailureNotFound, "symbol %s unknown", mapped)
	}

	return &Quote{
		Symbol:        symbol,
		Price:         decimal.NewFromFloat(payload.Current),
		PreviousClose: decimal.NewFromFloat(payload.PreviousClose),
		Change:        decimal.NewFromFloat(payload.Change),
		ChangePercent: decimal.NewFromFloat(payload.ChangePercent),
		FetchedAt:     time.Now().UTC(),
	}, nil
}

// FetchHistory uses the /stock/candle endpoint.
func (f *Finnhub) FetchHistory(ctx context.Context, symbol, exchange string, rng HistoryRange) ([]HistoryPoint, error) {
	mapped, err := finnhubSymbol(symbol, exchange)
	if err != nil {
		return nil, NewFailure(finnhubName, FailureNotFound, "map symbol: %v", err)
	}

	years := 1
	if rng == Range5Y {
		years = 5
	}
	now := time.Now().UTC()
	from := now.AddDate(-years, 0, 0)
	endpoint := fmt.Sprintf("%s/stock/candle?symbol=%s&resolution=D&from=%d&to=%d&token=%s",
		f.baseURL, url.QueryEscape(mapped), from.Unix(), now.Unix(), url.QueryEscape(f.opts.APIKey))

	body, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Status    string    `json:"s"`
		Timestamp []int64   `json:"t"`
		Open      []float64 `json:"o"`
		High      []float64 `json:"h"`
		Low       []float64 `json:"l"`
		Close     []float64 `json:"c"`
		Volume    []int64   `json:"v"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewFailure(finnhubName, FailureUnknown, "decode candles: %v", err)
	}
	if payload.Status == "no_data" {
		return nil, nil
	}
	if payload.Status != "ok" {
		return nil, NewFailure(finnhubName, FailureUnknown, "candle status %q", payload.Status)
	}

	points := make([]HistoryPoint, 0, len(payload.Timestamp))
	for i, ts := range payload.Timestamp {
		if i >= len(payload.Close) {
			break
		}
		point := HistoryPoint{
			Date:  time.Unix(ts, 0).UTC(),
			Close: decimal.NewFromFloat(payload.Close[i]),
		}
		if i < len(payload.Open) {
			v := decimal.NewFromFloat(payload.Open[i])
			point.Open = &v
		}
		if i < len(payload.High) {
			v := decimal.NewFromFloat(payload.High[i])
			point.High = &v
		}
		if i < len(payload.Low) {
			v := decimal.NewFromFloat(payload.Low[i])
			point.Low = &v
		}
		if i < len(payload.Volume) {
			v := payload.Volume[i]
			point.Volume = &v
		}
		points = append(points, point)
	}
	return points, nil
}

func (f *Finnhub) get(ctx context.Context, endpoint string) ([]byte, error) {
	if f.opts.APIKey == "" {
		return nil, NewFailure(finnhubName, FailureUnknown, "api key not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewFailure(finnhubName, FailureUnknown, "create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, NewFailure(finnhubName, FailureNetwork, "%v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewFailure(finnhubName, FailureNetwork, "read body: %v", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusForbidden:
		return nil, NewFailure(finnhubName, FailureProRequired, "endpoint requires a paid plan")
	case http.StatusTooManyRequests:
		return nil, NewFailure(finnhubName, FailureRateLimited, "http 429")
	case http.StatusNotFound:
		return nil, NewFailure(finnhubName, FailureNotFound, "http 404")
	default:
		return nil, NewFailure(finnhubName, FailureUnknown, "http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

var _ Provider = (*Finnhub)(nil)
