package app

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// RunRange executes one range batch by hand, or reports eligibility counts.
func (a *App) RunRange(ctx context.Context, opts RangeOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot run range batch")
	}
	defer closeStore()

	comps := a.buildComponents(store)
	job := a.newRangeJob(store, comps)

	if opts.ClearErrors {
		cleared, err := job.ClearErrorFlags(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "cleared error flags on %d stocks\n", cleared)
	}

	if opts.CountOnly {
		count, err := job.CountEligible(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%d stocks eligible for range fetch\n", count)
		return nil
	}

	if comps.registry.Len() == 0 {
		return errors.New("no providers enabled")
	}

	result, err := job.RunBatch(ctx, opts.Batch)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "processed %d, updated %d, errors %d, remaining %d\n",
		result.Processed, result.Updated, result.Errors, result.Remaining)
	return nil
}
