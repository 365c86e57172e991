package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testNotification() Notification {
	return Notification{
		Symbol:      "AAPL",
		Price:       decimal.NewFromFloat(98.5),
		BuyLimit:    decimal.NewFromInt(100),
		DistancePct: decimal.NewFromFloat(-1.5),
		Provider:    "yahoo",
		QuotedAt:    time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		Channels:    []string{"telegram"},
	}
}

func TestTelegramNotifySendsMessage(t *testing.T) {
	var gotPath string
	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		if payload["chat_id"] != "42" {
			t.Fatalf("chat_id 不正确: %q", payload["chat_id"])
		}
		gotText = payload["text"]
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "42", srv.URL, time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("发送告警失败: %v", err)
	}

	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("请求路径不正确: %s", gotPath)
	}
	for _, want := range []string{"[Buy Limit Alert]", "Symbol: AAPL", "Price: 98.50", "Buy limit: 100.00", "Distance: -1.50%"} {
		if !strings.Contains(gotText, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, gotText)
		}
	}
}

func TestTelegramNotifyRejectsAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": false}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "42", srv.URL, time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifyRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "42", srv.URL, time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("非 2xx 响应应报错")
	}
}
