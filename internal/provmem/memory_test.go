package provmem

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"watchlist-scanner/internal/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestMemory(kv storage.KVStore) (*Memory, *time.Time) {
	m := New(Options{
		Order:          []string{"yahoo", "stooq"},
		BlockThreshold: 3,
		CooldownBase:   5 * time.Minute,
		CooldownMax:    2 * time.Hour,
	}, kv, testLogger())
	current := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return current })
	return m, &current
}

func TestPickOrderDefault(t *testing.T) {
	m, _ := newTestMemory(nil)
	order := m.PickOrder(context.Background(), "AAPL")
	if !reflect.DeepEqual(order, []string{"yahoo", "stooq"}) {
		t.Fatalf("无历史时应按全局顺序, 实际 %v", order)
	}
}

func TestPickOrderPrefersLastSuccess(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(nil)

	m.RecordOutcome(ctx, "AAPL", "stooq", true)

	order := m.PickOrder(ctx, "AAPL")
	if !reflect.DeepEqual(order, []string{"stooq", "yahoo"}) {
		t.Fatalf("成功过的 provider 应排最前, 实际 %v", order)
	}
}

func TestBlockSkipsFailureThreshold(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(storage.NewMemStore())

	m.Block(ctx, "AAPL", "yahoo")

	order := m.PickOrder(ctx, "AAPL")
	if !reflect.DeepEqual(order, []string{"stooq"}) {
		t.Fatalf("直接拉黑应立即生效, 实际 %v", order)
	}
	snap := m.Snapshot(ctx, "AAPL")
	if !snap.Providers["yahoo"].Blocked {
		t.Fatal("快照应显示已拉黑")
	}
	// Other tickers keep the full order.
	if order := m.PickOrder(ctx, "MSFT"); !reflect.DeepEqual(order, []string{"yahoo", "stooq"}) {
		t.Fatalf("拉黑应仅限单只股票, 实际 %v", order)
	}
}

func TestBlockAfterThresholdFailures(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(nil)

	m.RecordOutcome(ctx, "AAPL", "yahoo", false)
	m.RecordOutcome(ctx, "AAPL", "yahoo", false)
	order := m.PickOrder(ctx, "AAPL")
	if !reflect.DeepEqual(order, []string{"yahoo", "stooq"}) {
		t.Fatalf("未达阈值不应屏蔽, 实际 %v", order)
	}

	m.RecordOutcome(ctx, "AAPL", "yahoo", false)
	order = m.PickOrder(ctx, "AAPL")
	if !reflect.DeepEqual(order, []string{"stooq"}) {
		t.Fatalf("连续 3 次失败且无成功应屏蔽, 实际 %v", order)
	}
}

func TestNoBlockWithPriorSuccess(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(nil)

	m.RecordOutcome(ctx, "AAPL", "yahoo", true)
	for i := 0; i < 5; i++ {
		m.RecordOutcome(ctx, "AAPL", "yahoo", false)
	}

	snap := m.Snapshot(ctx, "AAPL")
	if snap.Providers["yahoo"].Blocked {
		t.Fatal("曾经成功过的 provider 不应被屏蔽")
	}
}

func TestSelfHealUnblocksFewestFailures(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(nil)

	for i := 0; i < 3; i++ {
		m.RecordOutcome(ctx, "AAPL", "yahoo", false)
	}
	for i := 0; i < 4; i++ {
		m.RecordOutcome(ctx, "AAPL", "stooq", false)
	}

	order := m.PickOrder(ctx, "AAPL")
	if !reflect.DeepEqual(order, []string{"yahoo"}) {
		t.Fatalf("全屏蔽时应解封失败最少的, 实际 %v", order)
	}

	snap := m.Snapshot(ctx, "AAPL")
	if snap.Providers["yahoo"].Failures != 0 {
		t.Fatalf("解封后失败计数应清零, 实际 %d", snap.Providers["yahoo"].Failures)
	}
	if !snap.Providers["stooq"].Blocked {
		t.Fatal("另一 provider 应保持屏蔽")
	}
}

func TestCooldownDoublesAndCaps(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(nil)

	expected := []time.Duration{
		5 * time.Minute,
		10 * time.Minute,
		20 * time.Minute,
		40 * time.Minute,
		80 * time.Minute,
		2 * time.Hour,
		2 * time.Hour,
	}
	for i, want := range expected {
		got := m.RecordPassFailure(ctx, "AAPL")
		if got != want {
			t.Fatalf("第 %d 次整轮失败冷却应为 %s, 实际 %s", i+1, want, got)
		}
	}
}

func TestSuccessClearsCooldownAndStreak(t *testing.T) {
	ctx := context.Background()
	m, current := newTestMemory(nil)

	m.RecordPassFailure(ctx, "AAPL")
	if ok, _ := m.InCooldown(ctx, "AAPL", *current); !ok {
		t.Fatal("整轮失败后应处于冷却")
	}

	m.RecordOutcome(ctx, "AAPL", "yahoo", true)
	if ok, _ := m.InCooldown(ctx, "AAPL", *current); ok {
		t.Fatal("成功应立即清除冷却")
	}
	if snap := m.Snapshot(ctx, "AAPL"); snap.ConsecutiveFailures != 0 {
		t.Fatalf("成功应清零连续失败, 实际 %d", snap.ConsecutiveFailures)
	}
}

func TestMemoryPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemStore()

	m1, _ := newTestMemory(kv)
	for i := 0; i < 3; i++ {
		m1.RecordOutcome(ctx, "AAPL", "yahoo", false)
	}
	m1.RecordOutcome(ctx, "AAPL", "stooq", true)

	m2, _ := newTestMemory(kv)
	order := m2.PickOrder(ctx, "AAPL")
	if !reflect.DeepEqual(order, []string{"stooq"}) {
		t.Fatalf("重启后应恢复屏蔽与首选状态, 实际 %v", order)
	}
}

func TestResetWipesState(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemStore()
	m, _ := newTestMemory(kv)

	for i := 0; i < 3; i++ {
		m.RecordOutcome(ctx, "AAPL", "yahoo", false)
	}
	if err := m.Reset(ctx, "AAPL"); err != nil {
		t.Fatalf("Reset 不应报错: %v", err)
	}

	order := m.PickOrder(ctx, "AAPL")
	if !reflect.DeepEqual(order, []string{"yahoo", "stooq"}) {
		t.Fatalf("Reset 后应回到全局顺序, 实际 %v", order)
	}
}
