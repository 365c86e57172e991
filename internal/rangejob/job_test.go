package rangejob

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"watchlist-scanner/internal/provider"
	"watchlist-scanner/internal/provmem"
	"watchlist-scanner/internal/ratelimit"
	"watchlist-scanner/internal/storage"
)

type stubProvider struct {
	name    string
	points  []provider.HistoryPoint
	err     error
	fetches int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) FetchQuote(ctx context.Context, symbol, exchange string) (*provider.Quote, error) {
	return nil, provider.NewFailure(s.name, provider.FailureUnknown, "quotes not stubbed")
}

func (s *stubProvider) FetchHistory(ctx context.Context, symbol, exchange string, rng provider.HistoryRange) ([]provider.HistoryPoint, error) {
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	return s.points, nil
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestJob(store *storage.MemStore, providers ...provider.Provider) *Job {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}

	registry := provider.NewRegistry(names, providers...)
	governor := ratelimit.NewGovernor(map[string]ratelimit.Limits{}, store, testLogger())
	memory := provmem.New(provmem.Options{Order: names}, store, testLogger())

	job := New(store, registry, governor, memory, nil, Options{
		BatchSize:      100,
		ShrinkGuardPct: 0.2,
		MinDelay:       func(string) time.Duration { return 0 },
	}, testLogger())
	job.SetClock(func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) })
	return job
}

func seedSymbols(store *storage.MemStore, symbols ...string) {
	stocks := make([]storage.TrackedStock, 0, len(symbols))
	for _, s := range symbols {
		stocks = append(stocks, storage.TrackedStock{Symbol: s})
	}
	store.SeedStocks(stocks)
}

func TestRunBatchComputesBuyLimit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	seedSymbols(store, "AAPL")

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	stub := &stubProvider{name: "yahoo", points: []provider.HistoryPoint{
		point(400, now, 10, 30, 12),
		point(30, now, 15, 25, 20),
	}}
	job := newTestJob(store, stub)

	result, err := job.RunBatch(ctx, 0)
	if err != nil {
		t.Fatalf("RunBatch 不应报错: %v", err)
	}
	if result.Processed != 1 || result.Updated != 1 || result.Errors != 0 {
		t.Fatalf("结果统计不正确: %+v", result)
	}

	stocks, _ := store.ListTrackedStocks(ctx)
	stock := stocks[0]
	if !stock.RangeFetched || stock.RangeError {
		t.Fatalf("应标记为已抓取: %+v", stock)
	}
	if stock.BuyLimit == nil || !stock.BuyLimit.Equal(decimal.NewFromFloat(10.5)) {
		t.Fatalf("买入限价应为 10×1.05=10.5, 实际 %v", stock.BuyLimit)
	}
	if stock.Low1Y == nil || !stock.Low1Y.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("1Y 低点应为 15, 实际 %v", stock.Low1Y)
	}
	if stock.Low5Y == nil || !stock.Low5Y.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("5Y 低点应为 10, 实际 %v", stock.Low5Y)
	}
}

func TestRunBatchEmptyHistoryMarksFetched(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	seedSymbols(store, "AAPL")

	job := newTestJob(store, &stubProvider{name: "yahoo"})

	result, err := job.RunBatch(ctx, 0)
	if err != nil {
		t.Fatalf("RunBatch 不应报错: %v", err)
	}
	if result.Updated != 0 {
		t.Fatalf("空历史不应计入 updated: %+v", result)
	}

	stocks, _ := store.ListTrackedStocks(ctx)
	stock := stocks[0]
	if !stock.RangeFetched {
		t.Fatal("空历史也应标记为已抓取, 避免无限重试")
	}
	if stock.BuyLimit != nil {
		t.Fatalf("空历史不应产生买入限价: %v", stock.BuyLimit)
	}
}

func TestRunBatchHardFailureFlagsError(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	seedSymbols(store, "AAPL")

	stub := &stubProvider{name: "yahoo", err: provider.NewFailure("yahoo", provider.FailureNetwork, "boom")}
	job := newTestJob(store, stub)

	result, err := job.RunBatch(ctx, 0)
	if err != nil {
		t.Fatalf("单条失败不应中断批次: %v", err)
	}
	if result.Errors != 1 || result.Updated != 0 {
		t.Fatalf("结果统计不正确: %+v", result)
	}

	stocks, _ := store.ListTrackedStocks(ctx)
	if !stocks[0].RangeError || stocks[0].RangeFetched {
		t.Fatalf("硬失败应置错误标记且不算已抓取: %+v", stocks[0])
	}

	// Error-flagged stocks stay out of future batches.
	count, err := job.CountEligible(ctx)
	if err != nil {
		t.Fatalf("CountEligible 不应报错: %v", err)
	}
	if count != 0 {
		t.Fatalf("错误标记的股票不应再入队, 实际 %d", count)
	}

	// Until the flags are cleared by hand.
	cleared, err := job.ClearErrorFlags(ctx)
	if err != nil {
		t.Fatalf("ClearErrorFlags 不应报错: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("应清除 1 个标记, 实际 %d", cleared)
	}
	if count, _ := job.CountEligible(ctx); count != 1 {
		t.Fatalf("清除后应重新入队, 实际 %d", count)
	}
}

func TestRunBatchFallsBackToNextProvider(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	seedSymbols(store, "AAPL")

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	broken := &stubProvider{name: "yahoo", err: provider.NewFailure("yahoo", provider.FailureRateLimited, "429")}
	working := &stubProvider{name: "stooq", points: []provider.HistoryPoint{point(30, now, 8, 12, 10)}}
	job := newTestJob(store, broken, working)

	result, err := job.RunBatch(ctx, 0)
	if err != nil {
		t.Fatalf("RunBatch 不应报错: %v", err)
	}
	if result.Updated != 1 {
		t.Fatalf("应通过备用 provider 成功: %+v", result)
	}
	if broken.fetches != 1 || working.fetches != 1 {
		t.Fatalf("应先试 yahoo 再试 stooq: %d %d", broken.fetches, working.fetches)
	}
}

func TestRunBatchRespectsBatchLimit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	seedSymbols(store, "AAPL", "MSFT", "GOOG")

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	stub := &stubProvider{name: "yahoo", points: []provider.HistoryPoint{point(30, now, 8, 12, 10)}}
	job := newTestJob(store, stub)

	result, err := job.RunBatch(ctx, 2)
	if err != nil {
		t.Fatalf("RunBatch 不应报错: %v", err)
	}
	if result.Processed != 2 || result.Remaining != 1 {
		t.Fatalf("批次上限未生效: %+v", result)
	}
}

func TestEligibleOrdering(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	stocks := []storage.TrackedStock{
		{Symbol: "RECENT", RangeFetched: true, RangeAt: &recent},
		{Symbol: "BROKEN", RangeError: true},
		{Symbol: "FRESH"},
		{Symbol: "OLD", RangeFetched: true, RangeAt: &old},
	}

	eligible := Eligible(stocks, now, 0)
	if len(eligible) != 3 {
		t.Fatalf("错误标记的股票应被排除, 实际 %d", len(eligible))
	}
	if eligible[0].Symbol != "FRESH" {
		t.Fatalf("从未抓取的应排最前: %+v", eligible)
	}
	if eligible[1].Symbol != "OLD" || eligible[2].Symbol != "RECENT" {
		t.Fatalf("已抓取的应按时间从旧到新: %+v", eligible)
	}
}

func TestEligibleFreshnessCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Hour)
	stale := now.Add(-25 * time.Hour)

	stocks := []storage.TrackedStock{
		{Symbol: "FRESH", RangeFetched: true, RangeAt: &fresh},
		{Symbol: "STALE", RangeFetched: true, RangeAt: &stale},
		{Symbol: "NEVER"},
	}

	eligible := Eligible(stocks, now, 24*time.Hour)
	if len(eligible) != 2 {
		t.Fatalf("窗口内抓取过的股票应被跳过, 实际 %d", len(eligible))
	}
	if eligible[0].Symbol != "NEVER" || eligible[1].Symbol != "STALE" {
		t.Fatalf("顺序不正确: %+v", eligible)
	}
}

func TestRunBatchSkipsFreshlyFetched(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	seedSymbols(store, "AAPL", "MSFT")

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	stub := &stubProvider{name: "yahoo", points: []provider.HistoryPoint{point(30, now, 8, 12, 10)}}
	job := newTestJob(store, stub)
	current := now
	job.SetClock(func() time.Time { return current })

	first, err := job.RunBatch(ctx, 0)
	if err != nil {
		t.Fatalf("RunBatch 不应报错: %v", err)
	}
	if first.Processed != 2 || first.Updated != 2 {
		t.Fatalf("首次批次应处理全部: %+v", first)
	}
	if stub.fetches != 2 {
		t.Fatalf("首次应抓取 2 次, 实际 %d", stub.fetches)
	}

	// Immediately re-run: everything is inside the freshness window.
	second, err := job.RunBatch(ctx, 0)
	if err != nil {
		t.Fatalf("RunBatch 不应报错: %v", err)
	}
	if second.Processed != 0 || second.Remaining != 0 {
		t.Fatalf("刚抓取过的股票不应立即重抓: %+v", second)
	}
	if stub.fetches != 2 {
		t.Fatalf("第二次不应发出请求, 实际 %d", stub.fetches)
	}

	// Past the window the same stocks queue up again.
	current = current.Add(25 * time.Hour)
	third, err := job.RunBatch(ctx, 0)
	if err != nil {
		t.Fatalf("RunBatch 不应报错: %v", err)
	}
	if third.Processed != 2 {
		t.Fatalf("超过新鲜窗口后应重新入队: %+v", third)
	}
}

func TestSyncShrinkGuard(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	seedSymbols(store, "A", "B", "C", "D", "E", "F", "G", "H", "I", "J")

	job := newTestJob(store, &stubProvider{name: "yahoo"})

	// 5 incoming against 10 tracked is beyond the 20% guard: merge, do not
	// remove anything.
	if err := job.SyncStocks(ctx, []storage.TrackedStock{
		{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}, {Symbol: "D"}, {Symbol: "K"},
	}); err != nil {
		t.Fatalf("SyncStocks 不应报错: %v", err)
	}
	count, _ := store.CountStocks(ctx)
	if count != 11 {
		t.Fatalf("超过收缩阈值应退化为增量合并, 实际 %d", count)
	}

	// 9 incoming against 11 tracked is within the guard: replace.
	incoming := make([]storage.TrackedStock, 0, 9)
	for _, s := range []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"} {
		incoming = append(incoming, storage.TrackedStock{Symbol: s})
	}
	if err := job.SyncStocks(ctx, incoming); err != nil {
		t.Fatalf("SyncStocks 不应报错: %v", err)
	}
	count, _ = store.CountStocks(ctx)
	if count != 9 {
		t.Fatalf("正常收缩应整体替换, 实际 %d", count)
	}
}
