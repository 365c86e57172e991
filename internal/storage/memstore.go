package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrStockNotFound indicates an update referenced a symbol that is not tracked.
var ErrStockNotFound = errors.New("storage: stock not found")

// MemStore is an in-memory StockStore + KVStore used by tests and dry runs.
type MemStore struct {
	mu     sync.Mutex
	stocks map[string]TrackedStock
	kv     map[string][]byte
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		stocks: make(map[string]TrackedStock),
		kv:     make(map[string][]byte),
	}
}

// SeedStocks replaces the watchlist without bumping timestamps; test helper.
func (m *MemStore) SeedStocks(stocks []TrackedStock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stocks = make(map[string]TrackedStock, len(stocks))
	for _, s := range stocks {
		m.stocks[s.Symbol] = s
	}
}

// ListTrackedStocks returns the watchlist ordered by symbol.
func (m *MemStore) ListTrackedStocks(ctx context.Context) ([]TrackedStock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackedStock, 0, len(m.stocks))
	for _, s := range m.stocks {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// UpdateStock applies a partial mutation.
func (m *MemStore) UpdateStock(ctx context.Context, symbol string, update StockUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stock, ok := m.stocks[symbol]
	if !ok {
		return ErrStockNotFound
	}

	if update.Price != nil {
		stock.Price = *update.Price
	}
	if update.PreviousClose != nil {
		stock.PreviousClose = *update.PreviousClose
	}
	if update.Change != nil {
		stock.Change = *update.Change
	}
	if update.ChangePercent != nil {
		stock.ChangePercent = *update.ChangePercent
	}
	if update.Currency != nil {
		stock.Currency = *update.Currency
	}
	if update.BuyLimit != nil {
		v := *update.BuyLimit
		stock.BuyLimit = &v
	}
	if update.Low1Y != nil {
		v := *update.Low1Y
		stock.Low1Y = &v
	}
	if update.High1Y != nil {
		v := *update.High1Y
		stock.High1Y = &v
	}
	if update.Low3Y != nil {
		v := *update.Low3Y
		stock.Low3Y = &v
	}
	if update.High3Y != nil {
		v := *update.High3Y
		stock.High3Y = &v
	}
	if update.Low5Y != nil {
		v := *update.Low5Y
		stock.Low5Y = &v
	}
	if update.High5Y != nil {
		v := *update.High5Y
		stock.High5Y = &v
	}
	if update.QuotedAt != nil {
		t := *update.QuotedAt
		stock.QuotedAt = &t
	}
	if update.RangeFetched != nil {
		stock.RangeFetched = *update.RangeFetched
	}
	if update.RangeAt != nil {
		t := *update.RangeAt
		stock.RangeAt = &t
	}
	if update.RangeError != nil {
		stock.RangeError = *update.RangeError
	}
	if update.PreferredProvider != nil {
		stock.PreferredProvider = *update.PreferredProvider
	}
	stock.UpdatedAt = time.Now().UTC()

	m.stocks[symbol] = stock
	return nil
}

// UpsertStocks inserts new tickers, keeping quote and band data of existing ones.
func (m *MemStore) UpsertStocks(ctx context.Context, stocks []TrackedStock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range stocks {
		if existing, ok := m.stocks[s.Symbol]; ok {
			existing.Exchange = s.Exchange
			existing.Name = s.Name
			m.stocks[s.Symbol] = existing
			continue
		}
		m.stocks[s.Symbol] = s
	}
	return nil
}

// ReplaceStocks swaps the whole watchlist.
func (m *MemStore) ReplaceStocks(ctx context.Context, stocks []TrackedStock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stocks = make(map[string]TrackedStock, len(stocks))
	for _, s := range stocks {
		m.stocks[s.Symbol] = s
	}
	return nil
}

// CountStocks counts tracked tickers.
func (m *MemStore) CountStocks(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.stocks)), nil
}

// Get fetches a blob by key.
func (m *MemStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, true, nil
}

// Set stores a blob under key.
func (m *MemStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]byte, len(value))
	copy(copied, value)
	m.kv[key] = copied
	return nil
}

// Delete removes a key.
func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

// DeletePrefix removes every key under a namespace prefix.
func (m *MemStore) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.kv {
		if strings.HasPrefix(key, prefix) {
			delete(m.kv, key)
		}
	}
	return nil
}

var _ StockStore = (*MemStore)(nil)
var _ KVStore = (*MemStore)(nil)
