package provmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"watchlist-scanner/internal/storage"
)

const memoryKeyPrefix = "watchlist:provmem:"

// ProviderStats is the learned history of one (ticker, provider) pair.
type ProviderStats struct {
	Successes   int        `json:"successes"`
	Failures    int        `json:"failures"`
	LastTried   *time.Time `json:"lastTried,omitempty"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	Blocked     bool       `json:"blocked"`
}

// StockMemory aggregates provider outcomes for one ticker.
type StockMemory struct {
	Providers           map[string]*ProviderStats `json:"providers"`
	Preferred           string                    `json:"preferred,omitempty"`
	ConsecutiveFailures int                       `json:"consecutiveFailures"`
	CooldownUntil       *time.Time                `json:"cooldownUntil,omitempty"`
}

// Options tune the memory behaviour.
type Options struct {
	// Order is the global provider priority, most generous first.
	Order []string
	// BlockThreshold is the failure count at which a pair with zero
	// successes is blocked.
	BlockThreshold int
	CooldownBase   time.Duration
	CooldownMax    time.Duration
}

// Memory tracks which providers work for which tickers, blacklists failing
// pairs, and applies capped exponential cooldowns after full failed passes.
// Records are created lazily, persisted write-through, and survive restarts.
type Memory struct {
	mu     sync.Mutex
	opts   Options
	kv     storage.KVStore
	logger zerolog.Logger
	now    func() time.Time
	cache  map[string]*StockMemory
	loaded map[string]bool
}

// New builds a provider memory.
func New(opts Options, kv storage.KVStore, logger zerolog.Logger) *Memory {
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = 3
	}
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = 5 * time.Minute
	}
	if opts.CooldownMax < opts.CooldownBase {
		opts.CooldownMax = 2 * time.Hour
	}
	return &Memory{
		opts:   opts,
		kv:     kv,
		logger: logger.With().Str("component", "provider_memory").Logger(),
		now:    time.Now,
		cache:  make(map[string]*StockMemory),
		loaded: make(map[string]bool),
	}
}

// SetClock overrides the time source; test helper.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PickOrder returns the providers to try for a ticker: the preferred provider
// first when it is not blocked, then the remaining unblocked providers in
// global priority order. When every provider is blocked the self-healing rule
// unblocks the one with the fewest recorded failures so the ticker can never
// starve permanently.
func (m *Memory) PickOrder(ctx context.Context, symbol string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := m.loadLocked(ctx, symbol)
	m.selfHealLocked(ctx, symbol, mem)

	order := make([]string, 0, len(m.opts.Order))
	if mem.Preferred != "" && !m.blockedLocked(mem, mem.Preferred) {
		order = append(order, mem.Preferred)
	}
	for _, name := range m.opts.Order {
		if name == mem.Preferred && len(order) > 0 && order[0] == name {
			continue
		}
		if m.blockedLocked(mem, name) {
			continue
		}
		order = append(order, name)
	}
	return order
}

// RecordOutcome registers one provider attempt. Success promotes the provider
// to preferred and clears the ticker's failure streak and cooldown; failure
// counts toward the pair's block threshold.
func (m *Memory) RecordOutcome(ctx context.Context, symbol, providerName string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := m.loadLocked(ctx, symbol)
	stats := m.statsLocked(mem, providerName)
	now := m.now()
	stats.LastTried = &now

	if success {
		stats.Successes++
		stats.LastSuccess = &now
		stats.Blocked = false
		mem.Preferred = providerName
		mem.ConsecutiveFailures = 0
		mem.CooldownUntil = nil
	} else {
		stats.Failures++
		if stats.Failures >= m.opts.BlockThreshold && stats.Successes == 0 {
			stats.Blocked = true
			m.logger.Info().Str("symbol", symbol).Str("provider", providerName).
				Int("failures", stats.Failures).Msg("provider blocked for ticker")
		}
	}

	m.persistLocked(ctx, symbol, mem)
}

// Block blacklists a (ticker, provider) pair at once, bypassing the failure
// threshold. Used when a provider answers with a permanent failure such as an
// unknown ticker or a paywalled endpoint; retrying the pair cannot succeed.
func (m *Memory) Block(ctx context.Context, symbol, providerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := m.loadLocked(ctx, symbol)
	stats := m.statsLocked(mem, providerName)
	if stats.Blocked {
		return
	}
	stats.Blocked = true
	m.logger.Info().Str("symbol", symbol).Str("provider", providerName).
		Msg("provider blocked for ticker, permanent failure")
	m.persistLocked(ctx, symbol, mem)
}

// RecordPassFailure registers a full pass through all providers without a
// success and applies the capped exponential cooldown.
func (m *Memory) RecordPassFailure(ctx context.Context, symbol string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := m.loadLocked(ctx, symbol)
	mem.ConsecutiveFailures++

	cooldown := m.opts.CooldownBase
	for i := 1; i < mem.ConsecutiveFailures; i++ {
		cooldown *= 2
		if cooldown >= m.opts.CooldownMax {
			cooldown = m.opts.CooldownMax
			break
		}
	}
	until := m.now().Add(cooldown)
	mem.CooldownUntil = &until

	m.persistLocked(ctx, symbol, mem)
	return cooldown
}

// Snapshot returns a deep copy of a ticker's memory for diagnostics and
// priority scoring.
func (m *Memory) Snapshot(ctx context.Context, symbol string) StockMemory {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := m.loadLocked(ctx, symbol)
	out := StockMemory{
		Preferred:           mem.Preferred,
		ConsecutiveFailures: mem.ConsecutiveFailures,
		Providers:           make(map[string]*ProviderStats, len(mem.Providers)),
	}
	if mem.CooldownUntil != nil {
		t := *mem.CooldownUntil
		out.CooldownUntil = &t
	}
	for name, stats := range mem.Providers {
		copied := *stats
		out.Providers[name] = &copied
	}
	return out
}

// InCooldown reports whether the ticker is cooling down at the given instant.
func (m *Memory) InCooldown(ctx context.Context, symbol string, at time.Time) (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := m.loadLocked(ctx, symbol)
	if mem.CooldownUntil == nil || !at.Before(*mem.CooldownUntil) {
		return false, time.Time{}
	}
	return true, *mem.CooldownUntil
}

// Reset wipes the learned state for one ticker.
func (m *Memory) Reset(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, symbol)
	delete(m.loaded, symbol)
	if m.kv == nil {
		return nil
	}
	return m.kv.Delete(ctx, memoryKeyPrefix+symbol)
}

// ResetAll wipes the learned state for every ticker.
func (m *Memory) ResetAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = make(map[string]*StockMemory)
	m.loaded = make(map[string]bool)
	if m.kv == nil {
		return nil
	}
	return m.kv.DeletePrefix(ctx, memoryKeyPrefix)
}

func (m *Memory) blockedLocked(mem *StockMemory, providerName string) bool {
	stats, ok := mem.Providers[providerName]
	return ok && stats.Blocked
}

func (m *Memory) statsLocked(mem *StockMemory, providerName string) *ProviderStats {
	if mem.Providers == nil {
		mem.Providers = make(map[string]*ProviderStats)
	}
	stats, ok := mem.Providers[providerName]
	if !ok {
		stats = &ProviderStats{}
		mem.Providers[providerName] = stats
	}
	return stats
}

// selfHealLocked unblocks the fewest-failure provider when every provider is
// blocked, ties broken by the fixed priority order. Its failure count resets
// to zero so it gets a clean run at the block threshold.
func (m *Memory) selfHealLocked(ctx context.Context, symbol string, mem *StockMemory) {
	if len(m.opts.Order) == 0 {
		return
	}
	for _, name := range m.opts.Order {
		if !m.blockedLocked(mem, name) {
			return
		}
	}

	best := ""
	bestFailures := 0
	for _, name := range m.opts.Order {
		stats := mem.Providers[name]
		if best == "" || stats.Failures < bestFailures {
			best = name
			bestFailures = stats.Failures
		}
	}

	stats := mem.Providers[best]
	stats.Blocked = false
	stats.Failures = 0
	m.logger.Info().Str("symbol", symbol).Str("provider", best).
		Msg("所有 provider 均被屏蔽，自动解封失败最少的一个")
	m.persistLocked(ctx, symbol, mem)
}

func (m *Memory) loadLocked(ctx context.Context, symbol string) *StockMemory {
	if mem, ok := m.cache[symbol]; ok {
		return mem
	}

	mem := &StockMemory{}
	if m.kv != nil && !m.loaded[symbol] {
		raw, found, err := m.kv.Get(ctx, memoryKeyPrefix+symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("provider memory read failed")
		} else if found {
			if err := json.Unmarshal(raw, mem); err != nil {
				m.logger.Warn().Err(err).Str("symbol", symbol).Msg("provider memory corrupt, resetting")
				*mem = StockMemory{}
			}
		}
	}
	m.loaded[symbol] = true
	m.cache[symbol] = mem
	return mem
}

func (m *Memory) persistLocked(ctx context.Context, symbol string, mem *StockMemory) {
	if m.kv == nil {
		return
	}
	raw, err := json.Marshal(mem)
	if err != nil {
		return
	}
	if err := m.kv.Set(ctx, memoryKeyPrefix+symbol, raw); err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Msg("provider memory write failed")
	}
}
