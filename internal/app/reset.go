package app

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Reset wipes learned provider memory and/or cached provider responses.
// Usage counters are deliberately left alone so a reset cannot be used to
// dodge daily quotas.
func (a *App) Reset(ctx context.Context, opts ResetOptions) error {
	if !opts.Memory && !opts.Cache {
		return errors.New("nothing to reset; pass --memory and/or --cache")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot reset")
	}
	defer closeStore()

	comps := a.buildComponents(store)

	if opts.Memory {
		if opts.Symbol != "" {
			if err := comps.memory.Reset(ctx, opts.Symbol); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "provider memory reset for %s\n", opts.Symbol)
		} else {
			if err := comps.memory.ResetAll(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "provider memory reset for all stocks")
		}
	}

	if opts.Cache {
		if err := comps.cache.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "response cache cleared")
	}

	return nil
}
