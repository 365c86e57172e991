package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"watchlist-scanner/internal/storage"
)

const cacheKeyPrefix = "watchlist:cache:"

// Cache is a KV-backed response cache keyed by (provider, symbol, kind).
// Storage failures degrade to misses; they never stop a refresh.
type Cache struct {
	kv     storage.KVStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewCache wires a response cache onto a key-value store.
func NewCache(kv storage.KVStore, logger zerolog.Logger) *Cache {
	return &Cache{
		kv:     kv,
		logger: logger.With().Str("component", "provider_cache").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type cachedQuote struct {
	SavedAt time.Time `json:"savedAt"`
	Quote   Quote     `json:"quote"`
}

type cachedHistory struct {
	SavedAt time.Time      `json:"savedAt"`
	Points  []HistoryPoint `json:"points"`
}

// GetQuote returns a cached quote when it is younger than ttl.
func (c *Cache) GetQuote(ctx context.Context, providerName, symbol string, ttl time.Duration) *Quote {
	if c == nil || c.kv == nil || ttl <= 0 {
		return nil
	}
	raw, found, err := c.kv.Get(ctx, quoteCacheKey(providerName, symbol))
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("cache read failed")
		return nil
	}
	if !found {
		return nil
	}

	var entry cachedQuote
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil
	}
	if c.now().Sub(entry.SavedAt) > ttl {
		return nil
	}
	quote := entry.Quote
	return &quote
}

// PutQuote stores a fresh quote.
func (c *Cache) PutQuote(ctx context.Context, providerName string, quote *Quote) {
	if c == nil || c.kv == nil || quote == nil {
		return
	}
	raw, err := json.Marshal(cachedQuote{SavedAt: c.now(), Quote: *quote})
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, quoteCacheKey(providerName, quote.Symbol), raw); err != nil {
		c.logger.Warn().Err(err).Str("symbol", quote.Symbol).Msg("cache write failed")
	}
}

// GetHistory returns cached history when it is younger than ttl.
func (c *Cache) GetHistory(ctx context.Context, providerName, symbol string, rng HistoryRange, ttl time.Duration) []HistoryPoint {
	if c == nil || c.kv == nil || ttl <= 0 {
		return nil
	}
	raw, found, err := c.kv.Get(ctx, historyCacheKey(providerName, symbol, rng))
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("cache read failed")
		return nil
	}
	if !found {
		return nil
	}

	var entry cachedHistory
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil
	}
	if c.now().Sub(entry.SavedAt) > ttl {
		return nil
	}
	return entry.Points
}

// PutHistory stores fresh history points.
func (c *Cache) PutHistory(ctx context.Context, providerName, symbol string, rng HistoryRange, points []HistoryPoint) {
	if c == nil || c.kv == nil || len(points) == 0 {
		return
	}
	raw, err := json.Marshal(cachedHistory{SavedAt: c.now(), Points: points})
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, historyCacheKey(providerName, symbol, rng), raw); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("cache write failed")
	}
}

// Clear drops every cached response.
func (c *Cache) Clear(ctx context.Context) error {
	if c == nil || c.kv == nil {
		return nil
	}
	return c.kv.DeletePrefix(ctx, cacheKeyPrefix)
}

func quoteCacheKey(providerName, symbol string) string {
	return fmt.Sprintf("%squote:%s:%s", cacheKeyPrefix, providerName, symbol)
}

func historyCacheKey(providerName, symbol string, rng HistoryRange) string {
	return fmt.Sprintf("%shistory:%s:%s:%s", cacheKeyPrefix, providerName, rng, symbol)
}
