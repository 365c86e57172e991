package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"watchlist-scanner/internal/alerting"
	"watchlist-scanner/internal/config"
	"watchlist-scanner/internal/engine"
	"watchlist-scanner/internal/logging"
	"watchlist-scanner/internal/provider"
	"watchlist-scanner/internal/provmem"
	"watchlist-scanner/internal/queue"
	"watchlist-scanner/internal/rangejob"
	"watchlist-scanner/internal/ratelimit"
	"watchlist-scanner/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// components bundles the shared scanner collaborators built from config.
type components struct {
	registry *provider.Registry
	governor *ratelimit.Governor
	memory   *provmem.Memory
	builder  *queue.Builder
	cache    *provider.Cache
}

func (a *App) newProviders() []provider.Provider {
	p := a.Config.Providers
	var providers []provider.Provider

	if p.Yahoo.Enabled {
		providers = append(providers, provider.NewYahoo(provider.YahooOptions{
			BaseURL:   p.Yahoo.BaseURL,
			Timeout:   p.Yahoo.RequestTimeout,
			UserAgent: p.Yahoo.UserAgent,
		}, a.Logger))
	}
	if p.Stooq.Enabled {
		providers = append(providers, provider.NewStooq(provider.StooqOptions{
			BaseURL:   p.Stooq.BaseURL,
			Timeout:   p.Stooq.RequestTimeout,
			UserAgent: p.Stooq.UserAgent,
		}, a.Logger))
	}
	if p.Finnhub.Enabled {
		providers = append(providers, provider.NewFinnhub(provider.FinnhubOptions{
			BaseURL: p.Finnhub.BaseURL,
			APIKey:  p.Finnhub.APIKey,
			Timeout: p.Finnhub.RequestTimeout,
		}, a.Logger))
	}
	if p.AlphaVantage.Enabled {
		providers = append(providers, provider.NewAlphaVantage(provider.AlphaVantageOptions{
			BaseURL: p.AlphaVantage.BaseURL,
			APIKey:  p.AlphaVantage.APIKey,
			Timeout: p.AlphaVantage.RequestTimeout,
		}, a.Logger))
	}

	return providers
}

func (a *App) providerLimits() map[string]ratelimit.Limits {
	limits := make(map[string]ratelimit.Limits)
	for _, name := range a.Config.Providers.Order {
		cfg, ok := a.Config.Providers.ByName(name)
		if !ok || !cfg.Enabled {
			continue
		}
		limits[name] = ratelimit.Limits{
			PerMinute: cfg.PerMinute,
			PerDay:    cfg.PerDay,
			MinDelay:  cfg.MinDelay,
		}
	}
	return limits
}

func (a *App) quoteTTL(name string) time.Duration {
	if cfg, ok := a.Config.Providers.ByName(name); ok && cfg.QuoteCacheTTL > 0 {
		return cfg.QuoteCacheTTL
	}
	return 2 * time.Minute
}

func (a *App) historyTTL(name string) time.Duration {
	if cfg, ok := a.Config.Providers.ByName(name); ok && cfg.HistoryCacheTTL > 0 {
		return cfg.HistoryCacheTTL
	}
	return 12 * time.Hour
}

func (a *App) minDelay(name string) time.Duration {
	if cfg, ok := a.Config.Providers.ByName(name); ok && cfg.MinDelay > 0 {
		return cfg.MinDelay
	}
	return 2 * time.Second
}

func (a *App) buildComponents(kv storage.KVStore) *components {
	registry := provider.NewRegistry(a.Config.Providers.Order, a.newProviders()...)
	governor := ratelimit.NewGovernor(a.providerLimits(), kv, a.Logger)
	memory := provmem.New(provmem.Options{
		Order:          registry.Order(),
		BlockThreshold: a.Config.Refresh.BlockThreshold,
		CooldownBase:   a.Config.Refresh.CooldownBase,
		CooldownMax:    a.Config.Refresh.CooldownMax,
	}, kv, a.Logger)
	builder := queue.NewBuilder(queue.WeightsFromConfig(a.Config.Refresh.Weights), a.Config.Refresh.FailurePenalty)
	cache := provider.NewCache(kv, a.Logger)

	return &components{
		registry: registry,
		governor: governor,
		memory:   memory,
		builder:  builder,
		cache:    cache,
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newRangeJob(stocks storage.StockStore, comps *components) *rangejob.Job {
	return rangejob.New(stocks, comps.registry, comps.governor, comps.memory, comps.cache, rangejob.Options{
		BatchSize:      a.Config.Range.BatchSize,
		ShrinkGuardPct: a.Config.Range.ShrinkGuardPct,
		StaleAfter:     a.Config.Range.StaleAfter,
		MinDelay:       a.minDelay,
		HistoryTTL:     a.historyTTL,
	}, a.Logger)
}

// openStores resolves the stock store and key-value store. Without a
// database DSN everything lives in memory and is lost on exit.
func (a *App) openStores(ctx context.Context) (storage.StockStore, storage.KVStore, storage.AdvisoryLocker, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		mem := storage.NewMemStore()
		return mem, mem, nil, func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store, store, store.Close, nil
}

// openStore opens the PostgreSQL store, or nil when no DSN is configured.
// One-shot commands require it; only Run can fall back to memory.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// Run executes the long-running scanner: the refresh engine plus, when
// configured, cron-scheduled range batches. Blocks until the context is
// cancelled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stocks, kv, locker, closeStore, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if locker != nil {
		unlock, acquired, err := locker.TryAdvisoryLock(ctx, a.Config.Refresh.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			return errors.New("another scanner instance holds the refresh lock")
		}
		defer unlock()
	}

	comps := a.buildComponents(kv)
	if comps.registry.Len() == 0 {
		return errors.New("no providers enabled")
	}

	eng := engine.New(stocks, comps.registry, comps.governor, comps.memory, comps.builder, comps.cache,
		a.newNotifier(), engine.Options{
			SuccessDelay:  a.Config.Refresh.SuccessDelay,
			FailureDelay:  a.Config.Refresh.FailureDelay,
			CycleDelay:    a.Config.Refresh.CycleDelay,
			QuoteTTL:      a.quoteTTL,
			AlertCooldown: a.Config.Alerting.Cooldown,
			AlertChannels: a.Config.Alerting.Channels,
		}, a.Logger)

	if a.Config.Range.Cron != "" {
		job := a.newRangeJob(stocks, comps)
		runner := cron.New()
		if _, err := runner.AddFunc(a.Config.Range.Cron, func() {
			result, err := job.RunBatch(ctx, 0)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("scheduled range batch failed")
				return
			}
			a.Logger.Info().Int("updated", result.Updated).Int("remaining", result.Remaining).
				Msg("scheduled range batch done")
		}); err != nil {
			return fmt.Errorf("invalid range.cron expression: %w", err)
		}
		runner.Start()
		defer runner.Stop()
	}

	eng.Start()
	a.Logger.Info().Int("providers", comps.registry.Len()).Msg("scanner started")

	<-ctx.Done()
	eng.Stop()

	stats := eng.StatsSnapshot()
	a.Logger.Info().Int("cycles", stats.Cycles).Int("successes", stats.Successes).
		Int("failures", stats.Failures).Msg("scanner stopped")
	return nil
}

// RangeOptions configure a manual range batch invocation.
type RangeOptions struct {
	Batch       int
	CountOnly   bool
	ClearErrors bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting a stock's history.
type ExportOptions struct {
	Symbol    string
	Exchange  string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// SyncOptions configure a watchlist snapshot import.
type SyncOptions struct {
	CSVPath string
}

// ResetOptions choose which learned state to wipe.
type ResetOptions struct {
	Symbol string
	Memory bool
	Cache  bool
}
