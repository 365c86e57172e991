package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newAVServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("apikey"); got != "key" {
			t.Fatalf("缺少 apikey 参数: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestAlphaVantageFetchQuote(t *testing.T) {
	srv := newAVServer(t, `{
	  "Global Quote": {
	    "01. symbol": "AAPL",
	    "05. price": "150.2500",
	    "08. previous close": "148.0000",
	    "09. change": "2.2500",
	    "10. change percent": "1.5203%"
	  }
	}`)
	defer srv.Close()

	a := NewAlphaVantage(AlphaVantageOptions{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, noopLogger())

	quote, err := a.FetchQuote(context.Background(), "AAPL", "US")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !quote.Price.Equal(decimal.NewFromFloat(150.25)) {
		t.Fatalf("期望价格 150.25, 实际 %s", quote.Price)
	}
	if !quote.ChangePercent.Equal(decimal.NewFromFloat(1.5203)) {
		t.Fatalf("涨跌幅应去掉百分号, 实际 %s", quote.ChangePercent)
	}
}

func TestAlphaVantageDailyQuotaNote(t *testing.T) {
	srv := newAVServer(t, `{"Note": "Thank you for using Alpha Vantage! Our standard API rate limit is 25 requests per day."}`)
	defer srv.Close()

	a := NewAlphaVantage(AlphaVantageOptions{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, noopLogger())

	_, err := a.FetchQuote(context.Background(), "AAPL", "US")
	if KindOf(err) != FailureRateLimited {
		t.Fatalf("Note 应映射为 rate_limited, 实际 %v", err)
	}
	if !IsExhausted(err) {
		t.Fatal("提到 per day 的 Note 应标记日配额耗尽")
	}
}

func TestAlphaVantagePremiumEndpoint(t *testing.T) {
	srv := newAVServer(t, `{"Information": "This is a premium endpoint. Please subscribe to a premium plan."}`)
	defer srv.Close()

	a := NewAlphaVantage(AlphaVantageOptions{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, noopLogger())

	_, err := a.FetchQuote(context.Background(), "AAPL", "US")
	if KindOf(err) != FailureProRequired {
		t.Fatalf("premium 提示应映射为 pro_required, 实际 %v", err)
	}
}

func TestAlphaVantageBadSymbol(t *testing.T) {
	srv := newAVServer(t, `{"Error Message": "Invalid API call."}`)
	defer srv.Close()

	a := NewAlphaVantage(AlphaVantageOptions{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, noopLogger())

	_, err := a.FetchQuote(context.Background(), "NOPE", "US")
	if KindOf(err) != FailureNotFound {
		t.Fatalf("Error Message 应映射为 not_found, 实际 %v", err)
	}
}

func TestAlphaVantageMissingAPIKey(t *testing.T) {
	a := NewAlphaVantage(AlphaVantageOptions{BaseURL: "http://unused", Timeout: time.Second}, noopLogger())
	if _, err := a.FetchQuote(context.Background(), "AAPL", "US"); err == nil {
		t.Fatal("缺少 API key 应报错")
	}
}

func TestAlphaVantageFetchHistorySorts(t *testing.T) {
	srv := newAVServer(t, `{
	  "Time Series (Daily)": {
	    "2026-03-10": {"1. open": "150.0", "2. high": "153.0", "3. low": "149.0", "4. close": "152.0"},
	    "2026-03-09": {"1. open": "148.0", "2. high": "151.0", "3. low": "147.5", "4. close": "150.0"}
	  }
	}`)
	defer srv.Close()

	a := NewAlphaVantage(AlphaVantageOptions{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, noopLogger())

	points, err := a.FetchHistory(context.Background(), "AAPL", "US", Range5Y)
	if err != nil {
		t.Fatalf("FetchHistory 不应报错: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("期望 2 条, 实际 %d", len(points))
	}
	if !points[0].Date.Before(points[1].Date) {
		t.Fatalf("历史数据应按日期升序: %s %s", points[0].Date, points[1].Date)
	}
}
