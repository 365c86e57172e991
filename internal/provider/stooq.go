package provider

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const stooqName = "stooq"

// StooqOptions parameterise the stooq.com CSV adapter.
type StooqOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Stooq serves quotes and daily history as CSV. No API key, but it answers
// "N/D" rows for unknown tickers instead of an HTTP error.
type Stooq struct {
	opts    StooqOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewStooq constructs a stooq adapter.
func NewStooq(opts StooqOptions, logger zerolog.Logger) *Stooq {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://stooq.com"
	}

	return &Stooq{
		opts:    opts,
		logger:  logger.With().Str("component", "stooq_adapter").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name implements Provider.
func (s *Stooq) Name() string { return stooqName }

// FetchQuote parses the single-row snapshot CSV.
func (s *Stooq) FetchQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	mapped, err := stooqSymbol(symbol, exchange)
	if err != nil {
		return nil, NewFailure(stooqName, FailureNotFound, "map symbol: %v", err)
	}

	endpoint := fmt.Sprintf("%s/q/l/?s=%s&f=sd2t2ohlcv&h&e=csv", s.baseURL, url.QueryEscape(mapped))
	records, err := s.fetchCSV(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if len(records) < 2 || len(records[1]) < 7 {
		return nil, NewFailure(stooqName, FailureNotFound, "no data for %s", mapped)
	}

	row := records[1]
	if strings.EqualFold(row[6], "N/D") || strings.EqualFold(row[3], "N/D") {
		return nil, NewFailure(stooqName, FailureNotFound, "symbol %s unknown", mapped)
	}

	closePrice, err := decimal.NewFromString(row[6])
	if err != nil {
		return nil, NewFailure(stooqName, FailureUnknown, "parse close: %v", err)
	}
	open, openErr := decimal.NewFromString(row[3])

	quote := &Quote{
		Symbol:    symbol,
		Price:     closePrice,
		FetchedAt: time.Now().UTC(),
	}
	// Snapshot CSV has no previous close; approximate the day move from open.
	if openErr == nil && open.Sign() > 0 {
		quote.PreviousClose = open
		quote.Change = closePrice.Sub(open)
		quote.ChangePercent = quote.Change.Div(open).Mul(decimal.NewFromInt(100))
	}
	return quote, nil
}

// FetchHistory parses the daily history CSV for the requested horizon.
func (s *Stooq) FetchHistory(ctx context.Context, symbol, exchange string, rng HistoryRange) ([]HistoryPoint, error) {
	mapped, err := stooqSymbol(symbol, exchange)
	if err != nil {
		return nil, NewFailure(stooqName, FailureNotFound, "map symbol: %v", err)
	}

	years := 1
	if rng == Range5Y {
		years = 5
	}
	from := time.Now().UTC().AddDate(-years, 0, 0).Format("20060102")
	endpoint := fmt.Sprintf("%s/q/d/l/?s=%s&d1=%s&i=d", s.baseURL, url.QueryEscape(mapped), from)

	records, err := s.fetchCSV(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, nil
	}

	points := make([]HistoryPoint, 0, len(records)-1)
	for _, row := range records[1:] {
		if len(row) < 5 {
			continue
		}
		date, parseErr := time.Parse("2006-01-02", row[0])
		if parseErr != nil {
			continue
		}
		closePrice, parseErr := decimal.NewFromString(row[4])
		if parseErr != nil {
			continue
		}
		point := HistoryPoint{Date: date, Close: closePrice}
		if open, err := decimal.NewFromString(row[1]); err == nil {
			point.Open = &open
		}
		if high, err := decimal.NewFromString(row[2]); err == nil {
			point.High = &high
		}
		if low, err := decimal.NewFromString(row[3]); err == nil {
			point.Low = &low
		}
		if len(row) > 5 {
			if vol, err := strconv.ParseInt(row[5], 10, 64); err == nil {
				point.Volume = &vol
			}
		}
		points = append(points, point)
	}
	return points, nil
}

func (s *Stooq) fetchCSV(ctx context.Context, endpoint string) ([][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewFailure(stooqName, FailureUnknown, "create request: %v", err)
	}
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewFailure(stooqName, FailureNetwork, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewFailure(stooqName, FailureRateLimited, "http 429")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewFailure(stooqName, FailureUnknown, "http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewFailure(stooqName, FailureNetwork, "read body: %v", err)
	}
	// Daily quota exceeded comes back as an HTML notice, not CSV.
	if strings.HasPrefix(strings.TrimSpace(string(body)), "<") {
		failure := NewFailure(stooqName, FailureRateLimited, "daily hits limit exceeded")
		failure.Exhausted = true
		return nil, failure
	}

	reader := csv.NewReader(strings.NewReader(string(body)))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, NewFailure(stooqName, FailureUnknown, "parse csv: %v", err)
	}
	return records, nil
}

var _ Provider = (*Stooq)(nil)
