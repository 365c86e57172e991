package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

const yahooChartBody = `{
  "chart": {
    "result": [{
      "meta": {
        "currency": "USD",
        "exchangeName": "NMS",
        "regularMarketPrice": 150.5,
        "chartPreviousClose": 148.0,
        "fiftyTwoWeekHigh": 180.0,
        "fiftyTwoWeekLow": 120.0
      },
      "timestamp": [1700000000, 1700086400, 1700172800],
      "indicators": {
        "quote": [{
          "open":   [148.0, 149.0, null],
          "high":   [151.0, 152.0, null],
          "low":    [147.0, 148.5, null],
          "close":  [150.0, 151.5, null],
          "volume": [1000, 2000, null]
        }]
      }
    }],
    "error": null
  }
}`

func TestYahooFetchQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v8/finance/chart/AAPL") {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(yahooChartBody))
	}))
	defer srv.Close()

	y := NewYahoo(YahooOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	quote, err := y.FetchQuote(context.Background(), "AAPL", "US")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !quote.Price.Equal(decimal.NewFromFloat(150.5)) {
		t.Fatalf("期望价格 150.5, 实际 %s", quote.Price)
	}
	if !quote.PreviousClose.Equal(decimal.NewFromFloat(148)) {
		t.Fatalf("期望昨收 148, 实际 %s", quote.PreviousClose)
	}
	if quote.Change.Sign() <= 0 {
		t.Fatalf("涨跌额应为正: %s", quote.Change)
	}
	if quote.Currency != "USD" {
		t.Fatalf("币种应为 USD, 实际 %q", quote.Currency)
	}
}

func TestYahooFetchQuoteNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	y := NewYahoo(YahooOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	_, err := y.FetchQuote(context.Background(), "NOPE", "US")
	if KindOf(err) != FailureNotFound {
		t.Fatalf("404 应映射为 not_found, 实际 %v", err)
	}
}

func TestYahooFetchQuoteRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	y := NewYahoo(YahooOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	_, err := y.FetchQuote(context.Background(), "AAPL", "US")
	if KindOf(err) != FailureRateLimited {
		t.Fatalf("429 应映射为 rate_limited, 实际 %v", err)
	}
	if IsExhausted(err) {
		t.Fatal("429 不应视为日配额耗尽")
	}
}

func TestYahooFetchQuoteChartError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`))
	}))
	defer srv.Close()

	y := NewYahoo(YahooOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	_, err := y.FetchQuote(context.Background(), "GONE", "US")
	if KindOf(err) != FailureNotFound {
		t.Fatalf("chart.error 应映射为 not_found, 实际 %v", err)
	}
}

func TestYahooFetchHistorySkipsNullBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("range"); got != "5y" {
			t.Fatalf("range 参数应为 5y, 实际 %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(yahooChartBody))
	}))
	defer srv.Close()

	y := NewYahoo(YahooOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	points, err := y.FetchHistory(context.Background(), "AAPL", "US", Range5Y)
	if err != nil {
		t.Fatalf("FetchHistory 不应报错: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("null 收盘的条目应被跳过, 期望 2 条, 实际 %d", len(points))
	}
	if !points[0].Close.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("首条收盘应为 150, 实际 %s", points[0].Close)
	}
	if points[0].Low == nil || !points[0].Low.Equal(decimal.NewFromInt(147)) {
		t.Fatalf("首条低点应为 147, 实际 %v", points[0].Low)
	}
	if points[0].Volume == nil || *points[0].Volume != 1000 {
		t.Fatalf("首条成交量应为 1000, 实际 %v", points[0].Volume)
	}
}
