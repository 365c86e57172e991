package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"watchlist-scanner/internal/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestGovernor(limits Limits, kv storage.KVStore) (*Governor, *time.Time) {
	g := NewGovernor(map[string]Limits{"stooq": limits}, kv, testLogger())
	current := time.Date(2026, 3, 10, 10, 0, 0, 0, time.Local)
	g.SetClock(func() time.Time { return current })
	return g, &current
}

func TestGovernorUnknownProviderAllowed(t *testing.T) {
	g, _ := newTestGovernor(Limits{PerMinute: 1}, nil)
	if d := g.CanProceed(context.Background(), "yahoo"); !d.Allowed {
		t.Fatalf("未配置限额的 provider 应放行: %+v", d)
	}
}

func TestGovernorMinuteCap(t *testing.T) {
	ctx := context.Background()
	g, current := newTestGovernor(Limits{PerMinute: 2, PerDay: 100}, nil)

	g.RecordRequest(ctx, "stooq")
	*current = current.Add(time.Second)
	g.RecordRequest(ctx, "stooq")

	d := g.CanProceed(ctx, "stooq")
	if d.Allowed {
		t.Fatal("超过分钟配额应拒绝")
	}
	if d.Wait <= 0 || d.Wait > time.Minute {
		t.Fatalf("等待时间应在一分钟内, 实际 %s", d.Wait)
	}

	*current = current.Add(61 * time.Second)
	if d := g.CanProceed(ctx, "stooq"); !d.Allowed {
		t.Fatalf("分钟窗口过期后应放行: %+v", d)
	}
}

func TestGovernorMinDelay(t *testing.T) {
	ctx := context.Background()
	g, current := newTestGovernor(Limits{MinDelay: 5 * time.Second}, nil)

	g.RecordRequest(ctx, "stooq")

	d := g.CanProceed(ctx, "stooq")
	if d.Allowed {
		t.Fatal("未满足最小间隔应拒绝")
	}
	if d.Wait != 5*time.Second {
		t.Fatalf("期望等待 5s, 实际 %s", d.Wait)
	}

	*current = current.Add(5 * time.Second)
	if d := g.CanProceed(ctx, "stooq"); !d.Allowed {
		t.Fatalf("间隔已满足仍被拒绝: %+v", d)
	}
}

func TestGovernorDayResetsAtLocalMidnight(t *testing.T) {
	ctx := context.Background()
	g, current := newTestGovernor(Limits{PerDay: 2}, nil)

	g.RecordRequest(ctx, "stooq")
	g.RecordRequest(ctx, "stooq")

	d := g.CanProceed(ctx, "stooq")
	if d.Allowed {
		t.Fatal("达到日配额应拒绝")
	}
	expectWait := nextLocalMidnight(*current).Sub(*current)
	if d.Wait != expectWait {
		t.Fatalf("等待时间应到本地午夜 %s, 实际 %s", expectWait, d.Wait)
	}

	// Two hours later but still the same calendar day.
	*current = current.Add(2 * time.Hour)
	if d := g.CanProceed(ctx, "stooq"); d.Allowed {
		t.Fatal("同一日历日内不应重置日计数")
	}

	// After local midnight the counter resets even though less than 24h
	// elapsed since the first request.
	*current = nextLocalMidnight(*current).Add(time.Minute)
	if d := g.CanProceed(ctx, "stooq"); !d.Allowed {
		t.Fatalf("跨日历日后应重置日计数: %+v", d)
	}
	if usage := g.Usage(ctx, "stooq"); usage.DayCount != 0 {
		t.Fatalf("跨日后 DayCount 应为 0, 实际 %d", usage.DayCount)
	}
}

func TestGovernorMarkExhausted(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernor(Limits{PerDay: 10}, nil)

	g.RecordRequest(ctx, "stooq")
	g.MarkExhausted(ctx, "stooq", 0)

	if usage := g.Usage(ctx, "stooq"); usage.DayCount != 10 {
		t.Fatalf("MarkExhausted 应钉住日计数到 10, 实际 %d", usage.DayCount)
	}
	if d := g.CanProceed(ctx, "stooq"); d.Allowed {
		t.Fatal("钉住后应本地拒绝")
	}

	// A larger server-reported count wins over the configured cap.
	g.MarkExhausted(ctx, "stooq", 25)
	if usage := g.Usage(ctx, "stooq"); usage.DayCount != 25 {
		t.Fatalf("服务端计数更大时应采用服务端值, 实际 %d", usage.DayCount)
	}
}

func TestGovernorUsagePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemStore()

	g1, current := newTestGovernor(Limits{PerDay: 100}, kv)
	g1.RecordRequest(ctx, "stooq")
	g1.RecordRequest(ctx, "stooq")

	g2, _ := newTestGovernor(Limits{PerDay: 100}, kv)
	g2.SetClock(func() time.Time { return *current })
	if usage := g2.Usage(ctx, "stooq"); usage.DayCount != 2 {
		t.Fatalf("重启后应从 KV 恢复日计数, 实际 %d", usage.DayCount)
	}
}
