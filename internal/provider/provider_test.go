package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) FetchQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	return nil, NewFailure(f.name, FailureUnknown, "not implemented")
}

func (f *fakeProvider) FetchHistory(ctx context.Context, symbol, exchange string, rng HistoryRange) ([]HistoryPoint, error) {
	return nil, NewFailure(f.name, FailureUnknown, "not implemented")
}

func TestRegistryKeepsConfiguredOrder(t *testing.T) {
	r := NewRegistry(
		[]string{"stooq", "yahoo", "missing"},
		&fakeProvider{name: "yahoo"},
		&fakeProvider{name: "stooq"},
	)

	order := r.Order()
	if len(order) != 2 || order[0] != "stooq" || order[1] != "yahoo" {
		t.Fatalf("顺序不正确: %v", order)
	}
	if r.Len() != 2 {
		t.Fatalf("期望 2 个可用 provider, 实际 %d", r.Len())
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("未注册的名字不应命中")
	}
	if p, ok := r.Get("yahoo"); !ok || p.Name() != "yahoo" {
		t.Fatal("按名字应取回注册的 provider")
	}
}

func TestFailureKindPermanence(t *testing.T) {
	cases := map[FailureKind]bool{
		FailureNotFound:    true,
		FailureProRequired: true,
		FailureRateLimited: false,
		FailureNetwork:     false,
		FailureUnknown:     false,
	}
	for kind, want := range cases {
		if kind.Permanent() != want {
			t.Fatalf("%s 永久性判定错误", kind)
		}
	}
}

func TestKindOfUnwrapsFailures(t *testing.T) {
	err := fmt.Errorf("refresh AAPL: %w", NewFailure("yahoo", FailureRateLimited, "http 429"))
	if KindOf(err) != FailureRateLimited {
		t.Fatalf("包装后的错误应保留类别, 实际 %s", KindOf(err))
	}
	if KindOf(errors.New("plain")) != FailureUnknown {
		t.Fatal("普通错误应归为 unknown")
	}
	if IsExhausted(err) {
		t.Fatal("未标记 Exhausted 的错误不应视为日配额耗尽")
	}

	exhausted := &Failure{Provider: "stooq", Kind: FailureRateLimited, Exhausted: true}
	if !IsExhausted(fmt.Errorf("wrap: %w", exhausted)) {
		t.Fatal("Exhausted 标记应穿透包装")
	}
}
