package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"watchlist-scanner/internal/alerting"
	"watchlist-scanner/internal/provider"
	"watchlist-scanner/internal/provmem"
	"watchlist-scanner/internal/queue"
	"watchlist-scanner/internal/ratelimit"
	"watchlist-scanner/internal/storage"
)

// pauseIdle is how long the loop naps between pause re-checks.
const pauseIdle = 500 * time.Millisecond

var (
	decimalOne     = decimal.NewFromInt(1)
	decimalHundred = decimal.NewFromInt(100)
)

// governorRetryCeiling bounds how long the loop will wait out a governor
// denial before moving on to the next provider.
const governorRetryCeiling = 5 * time.Second

// Options tune the refresh loop cadence.
type Options struct {
	SuccessDelay time.Duration
	FailureDelay time.Duration
	CycleDelay   time.Duration
	// QuoteTTL returns the cache freshness window for a provider.
	QuoteTTL func(providerName string) time.Duration
	// AlertCooldown throttles repeat buy-limit alerts per symbol.
	AlertCooldown time.Duration
	AlertChannels []string
}

// Stats is the observable state of the engine, copied out under lock.
type Stats struct {
	Running   bool
	Paused    bool
	Cycles    int
	Attempts  int
	Successes int
	Failures  int
	Skipped   int

	QueueLength   int
	QueuePosition int

	LastSymbol   string
	LastProvider string
	LastError    string

	ProviderSuccesses map[string]int
	ProviderFailures  map[string]int
	StartedAt         *time.Time
}

// Engine is the continuously-running refresh scheduler. It pulls the highest
// priority stocks, walks providers in learned order through the rate
// governor, and pushes quote updates back to the stock store. Provider
// failures never escape the loop; only Stop ends it.
type Engine struct {
	store    storage.StockStore
	registry *provider.Registry
	governor *ratelimit.Governor
	memory   *provmem.Memory
	builder  *queue.Builder
	cache    *provider.Cache
	notifier alerting.Notifier
	opts     Options
	logger   zerolog.Logger

	mu        sync.Mutex
	running   bool
	paused    bool
	stopCh    chan struct{}
	done      chan struct{}
	stats     Stats
	lastAlert map[string]time.Time
}

// New wires a refresh engine from its collaborators. Pass a nil notifier to
// disable alerting.
func New(store storage.StockStore, registry *provider.Registry, governor *ratelimit.Governor,
	memory *provmem.Memory, builder *queue.Builder, cache *provider.Cache,
	notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Engine {

	if opts.SuccessDelay <= 0 {
		opts.SuccessDelay = 2 * time.Second
	}
	if opts.FailureDelay <= 0 {
		opts.FailureDelay = 5 * time.Second
	}
	if opts.CycleDelay <= 0 {
		opts.CycleDelay = 30 * time.Second
	}

	return &Engine{
		store:    store,
		registry: registry,
		governor: governor,
		memory:   memory,
		builder:  builder,
		cache:    cache,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "refresh_engine").Logger(),
		stats: Stats{
			ProviderSuccesses: make(map[string]int),
			ProviderFailures:  make(map[string]int),
		},
		lastAlert: make(map[string]time.Time),
	}
}

// Start launches the refresh loop. Calling Start on a running engine is a
// no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.paused = false
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	now := time.Now().UTC()
	e.stats.Running = true
	e.stats.StartedAt = &now
	stopCh := e.stopCh
	done := e.done
	e.mu.Unlock()

	e.logger.Info().Msg("refresh engine started")
	go e.loop(stopCh, done)
}

// Stop ends the loop and cancels any in-flight sleep immediately. In-flight
// provider calls may complete; their results are applied and then the loop
// exits.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.stats.Running = false
	close(e.stopCh)
	done := e.done
	e.mu.Unlock()

	<-done
	e.logger.Info().Msg("refresh engine stopped")
}

// Pause keeps the loop alive but idle; no stocks are dequeued until Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.stats.Paused = true
}

// Resume reverses Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	e.stats.Paused = false
}

// IsRunning reports whether the loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// IsPaused reports whether the loop is idling.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// StatsSnapshot copies out the running statistics.
func (e *Engine) StatsSnapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.stats
	out.ProviderSuccesses = make(map[string]int, len(e.stats.ProviderSuccesses))
	for k, v := range e.stats.ProviderSuccesses {
		out.ProviderSuccesses[k] = v
	}
	out.ProviderFailures = make(map[string]int, len(e.stats.ProviderFailures))
	for k, v := range e.stats.ProviderFailures {
		out.ProviderFailures[k] = v
	}
	return out
}

func (e *Engine) loop(stopCh, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if e.IsPaused() {
			if !e.sleep(stopCh, pauseIdle) {
				return
			}
			continue
		}

		stocks, err := e.store.ListTrackedStocks(ctx)
		if err != nil {
			e.logger.Error().Err(err).Msg("failed to load watchlist")
			e.setLastError(err.Error())
			if !e.sleep(stopCh, e.opts.CycleDelay) {
				return
			}
			continue
		}

		bySymbol := make(map[string]storage.TrackedStock, len(stocks))
		for _, s := range stocks {
			bySymbol[s.Symbol] = s
		}

		entries := e.builder.Build(stocks, func(symbol string) provmem.StockMemory {
			return e.memory.Snapshot(ctx, symbol)
		})

		e.mu.Lock()
		e.stats.Cycles++
		e.stats.QueueLength = len(entries)
		e.stats.QueuePosition = 0
		e.mu.Unlock()

		for i, entry := range entries {
			select {
			case <-stopCh:
				return
			default:
			}
			if e.IsPaused() {
				break
			}

			e.mu.Lock()
			e.stats.QueuePosition = i + 1
			e.mu.Unlock()

			if entry.State == queue.StateCooled {
				e.mu.Lock()
				e.stats.Skipped++
				e.mu.Unlock()
				continue
			}

			stock, ok := bySymbol[entry.Symbol]
			if !ok {
				continue
			}

			refreshed := e.refreshOne(ctx, stopCh, stock)

			delay := e.opts.SuccessDelay
			if !refreshed {
				delay = e.opts.FailureDelay
			}
			if !e.sleep(stopCh, delay) {
				return
			}
		}

		if !e.sleep(stopCh, e.opts.CycleDelay) {
			return
		}
	}
}

// refreshOne walks the learned provider order for one stock until a provider
// succeeds or all fail.
func (e *Engine) refreshOne(ctx context.Context, stopCh chan struct{}, stock storage.TrackedStock) bool {
	e.mu.Lock()
	e.stats.Attempts++
	e.stats.LastSymbol = stock.Symbol
	e.mu.Unlock()

	attempted := false
	for _, name := range e.memory.PickOrder(ctx, stock.Symbol) {
		adapter, ok := e.registry.Get(name)
		if !ok {
			continue
		}

		if e.cache != nil && e.opts.QuoteTTL != nil {
			if cached := e.cache.GetQuote(ctx, name, stock.Symbol, e.opts.QuoteTTL(name)); cached != nil {
				e.applyQuote(ctx, stock, name, cached)
				e.recordSuccess(name)
				return true
			}
		}

		decision := e.governor.CanProceed(ctx, name)
		if !decision.Allowed && decision.Wait > 0 && decision.Wait <= governorRetryCeiling {
			if !e.sleep(stopCh, decision.Wait) {
				return false
			}
			decision = e.governor.CanProceed(ctx, name)
		}
		if !decision.Allowed {
			e.logger.Debug().Str("symbol", stock.Symbol).Str("provider", name).
				Str("reason", decision.Reason).Dur("wait", decision.Wait).
				Msg("governor denied request")
			continue
		}

		e.governor.RecordRequest(ctx, name)
		attempted = true
		quote, err := adapter.FetchQuote(ctx, stock.Symbol, stock.Exchange)
		if err != nil {
			kind := provider.KindOf(err)
			if kind == provider.FailureRateLimited && provider.IsExhausted(err) {
				e.governor.MarkExhausted(ctx, name, 0)
			}
			e.memory.RecordOutcome(ctx, stock.Symbol, name, false)
			if kind.Permanent() {
				e.memory.Block(ctx, stock.Symbol, name)
			}
			e.recordFailure(name, err)
			e.logger.Debug().Err(err).Str("symbol", stock.Symbol).Str("provider", name).
				Str("kind", string(kind)).Msg("provider failed")
			continue
		}

		e.memory.RecordOutcome(ctx, stock.Symbol, name, true)
		if e.cache != nil {
			e.cache.PutQuote(ctx, name, quote)
		}
		e.applyQuote(ctx, stock, name, quote)
		e.recordSuccess(name)
		return true
	}

	if !attempted {
		// Nothing was tried: every provider was blocked, missing, or denied
		// by local quotas. That is the governor doing its job, not the
		// ticker failing, so no cooldown is charged.
		e.mu.Lock()
		e.stats.Skipped++
		e.mu.Unlock()
		e.logger.Debug().Str("symbol", stock.Symbol).Msg("no provider available under rate limits")
		return false
	}

	cooldown := e.memory.RecordPassFailure(ctx, stock.Symbol)
	e.mu.Lock()
	e.stats.Failures++
	e.mu.Unlock()
	e.logger.Warn().Str("symbol", stock.Symbol).Dur("cooldown", cooldown).
		Msg("all providers failed, ticker cooling down")
	return false
}

// applyQuote pushes refreshed quote fields into the stock store and fires a
// buy-limit alert when the price has reached the limit.
func (e *Engine) applyQuote(ctx context.Context, stock storage.TrackedStock, providerName string, quote *provider.Quote) {
	now := time.Now().UTC()
	update := storage.StockUpdate{
		Price:             &quote.Price,
		PreviousClose:     &quote.PreviousClose,
		Change:            &quote.Change,
		ChangePercent:     &quote.ChangePercent,
		QuotedAt:          &now,
		PreferredProvider: &providerName,
	}
	if quote.Currency != "" {
		update.Currency = &quote.Currency
	}

	if err := e.store.UpdateStock(ctx, stock.Symbol, update); err != nil {
		// Storage write failures must not kill the loop.
		e.logger.Error().Err(err).Str("symbol", stock.Symbol).Msg("failed to store quote")
		e.setLastError(err.Error())
	}

	e.maybeAlert(ctx, stock, providerName, quote, now)
}

func (e *Engine) maybeAlert(ctx context.Context, stock storage.TrackedStock, providerName string, quote *provider.Quote, now time.Time) {
	if e.notifier == nil || stock.BuyLimit == nil || stock.BuyLimit.Sign() <= 0 {
		return
	}
	if quote.Price.GreaterThan(*stock.BuyLimit) {
		return
	}

	e.mu.Lock()
	last, seen := e.lastAlert[stock.Symbol]
	if seen && e.opts.AlertCooldown > 0 && now.Sub(last) < e.opts.AlertCooldown {
		e.mu.Unlock()
		return
	}
	e.lastAlert[stock.Symbol] = now
	e.mu.Unlock()

	distance := quote.Price.Div(*stock.BuyLimit).Sub(decimalOne).Mul(decimalHundred)
	note := alerting.Notification{
		Symbol:      stock.Symbol,
		Price:       quote.Price,
		BuyLimit:    *stock.BuyLimit,
		DistancePct: distance,
		Provider:    providerName,
		QuotedAt:    now,
		Channels:    e.opts.AlertChannels,
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		e.logger.Error().Err(err).Str("symbol", stock.Symbol).Msg("failed to dispatch alert")
	}
}

func (e *Engine) recordSuccess(providerName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Successes++
	e.stats.LastProvider = providerName
	e.stats.ProviderSuccesses[providerName]++
}

func (e *Engine) recordFailure(providerName string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.ProviderFailures[providerName]++
	e.stats.LastError = err.Error()
}

func (e *Engine) setLastError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.LastError = msg
}

// sleep waits for d or until Stop; the return value is false when the engine
// is stopping.
func (e *Engine) sleep(stopCh chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}
