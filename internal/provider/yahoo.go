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

const yahooName = "yahoo"

// YahooOptions parameterise the Yahoo chart API adapter.
type YahooOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Yahoo fetches quotes and daily history from the Yahoo chart API.
type Yahoo struct {
	opts    YahooOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewYahoo constructs a Yahoo adapter.
func NewYahoo(opts YahooOptions, logger zerolog.Logger) *Yahoo {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}

	return &Yahoo{
		opts:    opts,
		logger:  logger.With().Str("component", "yahoo_adapter").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name implements Provider.
func (y *Yahoo) Name() string { return yahooName }

// FetchQuote retrieves the latest quote for one ticker.
func (y *Yahoo) FetchQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	mapped, err := yahooSymbol(symbol, exchange)
	if err != nil {
		return nil, NewFailure(yahooName, FailureNotFound, "map symbol: %v", err)
	}

	payload, err := y.fetchChart(ctx, mapped, "1d")
	if err != nil {
		return nil, err
	}

	meta := payload.Chart.Result[0].Meta
	if meta.RegularMarketPrice == 0 {
		return nil, NewFailure(yahooName, FailureNotFound, "no market price for %s", mapped)
	}

	price := decimal.NewFromFloat(meta.RegularMarketPrice)
	prevClose := decimal.NewFromFloat(meta.ChartPreviousClose)
	change := decimal.Zero
	changePct := decimal.Zero
	if prevClose.Sign() > 0 {
		change = price.Sub(prevClose)
		changePct = change.Div(prevClose).Mul(decimal.NewFromInt(100))
	}

	return &Quote{
		Symbol:        symbol,
		Price:         price,
		PreviousClose: prevClose,
		Change:        change,
		ChangePercent: changePct,
		Week52High:    decimal.NewFromFloat(meta.FiftyTwoWeekHigh),
		Week52Low:     decimal.NewFromFloat(meta.FiftyTwoWeekLow),
		Currency:      meta.Currency,
		Exchange:      meta.ExchangeName,
		FetchedAt:     time.Now().UTC(),
	}, nil
}

// FetchHistory retrieves daily bars for the requested horizon.
func (y *Yahoo) FetchHistory(ctx context.Context, symbol, exchange string, rng HistoryRange) ([]HistoryPoint, error) {
	mapped, err := yahooSymbol(symbol, exchange)
	if err != nil {
		return nil, NewFailure(yahooName, FailureNotFound, "map symbol: %v", err)
	}

	payload, err := y.fetchChart(ctx, mapped, string(rng))
	if err != nil {
		return nil, err
	}

	result := payload.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, nil
	}
	bars := result.Indicators.Quote[0]

	points := make([]HistoryPoint, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(bars.Close) || bars.Close[i] == nil {
			continue
		}
		point := HistoryPoint{
			Date:  time.Unix(ts, 0).UTC(),
			Close: decimal.NewFromFloat(*bars.Close[i]),
		}
		if i < len(bars.Open) && bars.Open[i] != nil {
			v := decimal.NewFromFloat(*bars.Open[i])
			point.Open = &v
		}
		if i < len(bars.High) && bars.High[i] != nil {
			v := decimal.NewFromFloat(*bars.High[i])
			point.High = &v
		}
		if i < len(bars.Low) && bars.Low[i] != nil {
			v := decimal.NewFromFloat(*bars.Low[i])
			point.Low = &v
		}
		if i < len(bars.Volume) && bars.Volume[i] != nil {
			v := *bars.Volume[i]
			point.Volume = &v
		}
		points = append(points, point)
	}
	return points, nil
}

func (y *Yahoo) fetchChart(ctx context.Context, mapped, rng string) (*yahooChartResponse, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=1d",
		y.baseURL, url.PathEscape(mapped), url.QueryEscape(rng))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewFailure(yahooName, FailureUnknown, "create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(y.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "watchlist-scanner/1.0")
	}

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, NewFailure(yahooName, FailureNetwork, "%v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewFailure(yahooName, FailureNetwork, "read body: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewFailure(yahooName, FailureNotFound, "symbol %s unknown", mapped)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewFailure(yahooName, FailureRateLimited, "http 429")
	case resp.StatusCode != http.StatusOK:
		return nil, NewFailure(yahooName, FailureUnknown, "http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload yahooChartResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewFailure(yahooName, FailureUnknown, "decode chart: %v", err)
	}
	if payload.Chart.Error != nil {
		return nil, NewFailure(yahooName, FailureNotFound, "%s", payload.Chart.Error.Description)
	}
	if len(payload.Chart.Result) == 0 {
		return nil, NewFailure(yahooName, FailureNotFound, "empty chart result for %s", mapped)
	}
	return &payload, nil
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string  `json:"currency"`
				ExchangeName       string  `json:"exchangeName"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
				FiftyTwoWeekHigh   float64 `json:"fiftyTwoWeekHigh"`
				FiftyTwoWeekLow    float64 `json:"fiftyTwoWeekLow"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

var _ Provider = (*Yahoo)(nil)
