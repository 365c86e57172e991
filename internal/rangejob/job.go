package rangejob

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"watchlist-scanner/internal/provider"
	"watchlist-scanner/internal/provmem"
	"watchlist-scanner/internal/ratelimit"
	"watchlist-scanner/internal/storage"
)

// buyLimitFactor converts the lowest historical low into a buy limit.
var buyLimitFactor = decimal.NewFromFloat(1.05)

// Result summarises one batch run.
type Result struct {
	Processed int
	Updated   int
	Errors    int
	Remaining int
}

// Options tune the batch job.
type Options struct {
	BatchSize      int
	ShrinkGuardPct float64
	// StaleAfter is the freshness window: stocks fetched within it are
	// skipped, so back-to-back runs do not refetch the same set.
	StaleAfter time.Duration
	// MinDelay returns the inter-item delay for a provider.
	MinDelay func(providerName string) time.Duration
	// HistoryTTL returns the cache freshness window for a provider.
	HistoryTTL func(providerName string) time.Duration
}

// Job fetches long-horizon history in bounded batches, derives the 1/3/5-year
// low-high bands, and computes buy limits. It shares the provider adapters,
// rate governor, and provider memory with the refresh engine but applies its
// own eligibility and batching rules.
type Job struct {
	store    storage.StockStore
	registry *provider.Registry
	governor *ratelimit.Governor
	memory   *provmem.Memory
	cache    *provider.Cache
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New wires a range batch job.
func New(store storage.StockStore, registry *provider.Registry, governor *ratelimit.Governor,
	memory *provmem.Memory, cache *provider.Cache, opts Options, logger zerolog.Logger) *Job {

	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ShrinkGuardPct <= 0 {
		opts.ShrinkGuardPct = 0.2
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	return &Job{
		store:    store,
		registry: registry,
		governor: governor,
		memory:   memory,
		cache:    cache,
		opts:     opts,
		logger:   logger.With().Str("component", "range_job").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; test helper.
func (j *Job) SetClock(now func() time.Time) { j.now = now }

// Eligible ranks stocks for processing: never-fetched first (all equal,
// original order kept), then fetched stocks by oldest fetch timestamp.
// Error-flagged stocks are excluded until the flag is cleared; stocks
// fetched within staleAfter of now are skipped entirely, which makes
// back-to-back runs converge on an empty batch. Pass staleAfter <= 0 to
// disable the freshness cutoff.
func Eligible(stocks []storage.TrackedStock, now time.Time, staleAfter time.Duration) []storage.TrackedStock {
	eligible := make([]storage.TrackedStock, 0, len(stocks))
	for _, s := range stocks {
		if s.RangeError {
			continue
		}
		if staleAfter > 0 && s.RangeFetched && s.RangeAt != nil && now.Sub(*s.RangeAt) < staleAfter {
			continue
		}
		eligible = append(eligible, s)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if !a.RangeFetched || !b.RangeFetched {
			return !a.RangeFetched && b.RangeFetched
		}
		at, bt := time.Time{}, time.Time{}
		if a.RangeAt != nil {
			at = *a.RangeAt
		}
		if b.RangeAt != nil {
			bt = *b.RangeAt
		}
		return at.Before(bt)
	})
	return eligible
}

// CountEligible reports how many stocks would be picked up by the next batch.
func (j *Job) CountEligible(ctx context.Context) (int, error) {
	stocks, err := j.store.ListTrackedStocks(ctx)
	if err != nil {
		return 0, err
	}
	return len(Eligible(stocks, j.now(), j.opts.StaleAfter)), nil
}

// ClearErrorFlags re-admits error-flagged stocks into future batches.
func (j *Job) ClearErrorFlags(ctx context.Context) (int, error) {
	stocks, err := j.store.ListTrackedStocks(ctx)
	if err != nil {
		return 0, err
	}

	cleared := 0
	falseFlag := false
	for _, s := range stocks {
		if !s.RangeError {
			continue
		}
		if err := j.store.UpdateStock(ctx, s.Symbol, storage.StockUpdate{RangeError: &falseFlag}); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// RunBatch processes up to maxBatch eligible stocks. Pass maxBatch <= 0 to
// use the configured batch size.
func (j *Job) RunBatch(ctx context.Context, maxBatch int) (Result, error) {
	if maxBatch <= 0 {
		maxBatch = j.opts.BatchSize
	}

	stocks, err := j.store.ListTrackedStocks(ctx)
	if err != nil {
		return Result{}, err
	}

	eligible := Eligible(stocks, j.now(), j.opts.StaleAfter)
	batch := eligible
	if len(batch) > maxBatch {
		batch = batch[:maxBatch]
	}

	result := Result{Remaining: len(eligible) - len(batch)}
	for i, stock := range batch {
		if ctx.Err() != nil {
			result.Remaining += len(batch) - i
			return result, ctx.Err()
		}

		usedProvider := j.processOne(ctx, stock, &result)
		result.Processed++

		if i == len(batch)-1 {
			break
		}
		delay := 2 * time.Second
		if usedProvider != "" && j.opts.MinDelay != nil {
			if d := j.opts.MinDelay(usedProvider); d > 0 {
				delay = d
			}
		}
		if !sleepCtx(ctx, delay) {
			result.Remaining += len(batch) - i - 1
			return result, ctx.Err()
		}
	}

	j.logger.Info().Int("processed", result.Processed).Int("updated", result.Updated).
		Int("errors", result.Errors).Int("remaining", result.Remaining).
		Msg("range batch finished")
	return result, nil
}

// processOne fetches history for a single stock and stores the derived
// bands. Returns the provider that served the request, if any.
func (j *Job) processOne(ctx context.Context, stock storage.TrackedStock, result *Result) string {
	points, usedProvider, err := j.fetchHistory(ctx, stock)
	now := j.now()
	trueFlag := true
	falseFlag := false

	if err != nil {
		// Hard failure: flag and exclude from future batches, but do not
		// pretend it was fetched.
		result.Errors++
		if updErr := j.store.UpdateStock(ctx, stock.Symbol, storage.StockUpdate{RangeError: &trueFlag}); updErr != nil {
			j.logger.Error().Err(updErr).Str("symbol", stock.Symbol).Msg("failed to flag range error")
		}
		j.logger.Warn().Err(err).Str("symbol", stock.Symbol).Msg("range fetch failed")
		return usedProvider
	}

	if len(points) == 0 {
		// Tried and got nothing: mark fetched so the stock is not
		// reprocessed forever, leave bands and limit alone.
		update := storage.StockUpdate{
			RangeFetched: &trueFlag,
			RangeAt:      &now,
			RangeError:   &falseFlag,
		}
		if err := j.store.UpdateStock(ctx, stock.Symbol, update); err != nil {
			j.logger.Error().Err(err).Str("symbol", stock.Symbol).Msg("failed to mark range fetched")
		}
		return usedProvider
	}

	bands := ComputeBands(points, now)
	update := storage.StockUpdate{
		RangeFetched: &trueFlag,
		RangeAt:      &now,
		RangeError:   &falseFlag,
		Low1Y:        bands.Low1Y,
		High1Y:       bands.High1Y,
		Low3Y:        bands.Low3Y,
		High3Y:       bands.High3Y,
		Low5Y:        bands.Low5Y,
		High5Y:       bands.High5Y,
	}

	if limit := BuyLimit(bands); limit != nil {
		update.BuyLimit = limit
	}

	// Backfill quote fields for stocks the refresh engine has not reached
	// yet; the freshest close is better than nothing.
	if stock.QuotedAt == nil && len(points) > 0 {
		last := points[len(points)-1]
		update.Price = &last.Close
		if len(points) > 1 {
			prev := points[len(points)-2].Close
			update.PreviousClose = &prev
		}
	}

	if err := j.store.UpdateStock(ctx, stock.Symbol, update); err != nil {
		j.logger.Error().Err(err).Str("symbol", stock.Symbol).Msg("failed to store range bands")
		return usedProvider
	}
	result.Updated++
	return usedProvider
}

// History fetches the five-year daily history for a stock, walking the
// learned provider order through the governor and cache exactly like a
// batch item would.
func (j *Job) History(ctx context.Context, stock storage.TrackedStock) ([]provider.HistoryPoint, string, error) {
	return j.fetchHistory(ctx, stock)
}

// fetchHistory walks the learned provider order through the governor until
// one provider answers.
func (j *Job) fetchHistory(ctx context.Context, stock storage.TrackedStock) ([]provider.HistoryPoint, string, error) {
	var lastErr error

	for _, name := range j.memory.PickOrder(ctx, stock.Symbol) {
		adapter, ok := j.registry.Get(name)
		if !ok {
			continue
		}

		if j.cache != nil && j.opts.HistoryTTL != nil {
			if cached := j.cache.GetHistory(ctx, name, stock.Symbol, provider.Range5Y, j.opts.HistoryTTL(name)); cached != nil {
				return cached, name, nil
			}
		}

		decision := j.governor.CanProceed(ctx, name)
		if !decision.Allowed && decision.Wait > 0 && decision.Wait <= 10*time.Second {
			if !sleepCtx(ctx, decision.Wait) {
				return nil, "", ctx.Err()
			}
			decision = j.governor.CanProceed(ctx, name)
		}
		if !decision.Allowed {
			continue
		}

		j.governor.RecordRequest(ctx, name)
		points, err := adapter.FetchHistory(ctx, stock.Symbol, stock.Exchange, provider.Range5Y)
		if err != nil {
			kind := provider.KindOf(err)
			if kind == provider.FailureRateLimited && provider.IsExhausted(err) {
				j.governor.MarkExhausted(ctx, name, 0)
			}
			j.memory.RecordOutcome(ctx, stock.Symbol, name, false)
			if kind.Permanent() {
				j.memory.Block(ctx, stock.Symbol, name)
			}
			lastErr = err
			continue
		}

		j.memory.RecordOutcome(ctx, stock.Symbol, name, true)
		if j.cache != nil && len(points) > 0 {
			j.cache.PutHistory(ctx, name, stock.Symbol, provider.Range5Y, points)
		}
		return points, name, nil
	}

	if lastErr == nil {
		lastErr = provider.NewFailure("none", provider.FailureUnknown, "no provider available for %s", stock.Symbol)
	}
	return nil, "", lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
