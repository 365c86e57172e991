package rangejob

import (
	"context"

	"watchlist-scanner/internal/storage"
)

// SyncStocks reconciles the stored watchlist with an incoming snapshot.
// Normally the snapshot replaces the stored list, but when it is more than
// the configured fraction smaller than what we already track, the shrink is
// treated as an upstream anomaly: the batch degrades to an additive upsert
// and nothing is removed.
func (j *Job) SyncStocks(ctx context.Context, incoming []storage.TrackedStock) error {
	if len(incoming) == 0 {
		j.logger.Warn().Msg("empty watchlist snapshot, keeping existing stocks")
		return nil
	}

	existing, err := j.store.CountStocks(ctx)
	if err != nil {
		return err
	}

	if existing > 0 {
		threshold := float64(existing) * (1 - j.opts.ShrinkGuardPct)
		if float64(len(incoming)) < threshold {
			j.logger.Warn().Int64("existing", existing).Int("incoming", len(incoming)).
				Float64("guard_pct", j.opts.ShrinkGuardPct).
				Msg("watchlist shrank beyond guard, falling back to additive sync")
			return j.store.UpsertStocks(ctx, incoming)
		}
	}

	return j.store.ReplaceStocks(ctx, incoming)
}
