package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
)

// MetaOptions select the ticker to inspect.
type MetaOptions struct {
	Symbol string
}

// Meta prints the learned provider memory for one ticker plus the current
// per-provider usage counters. Read-only; nothing is mutated.
func (a *App) Meta(ctx context.Context, opts MetaOptions) error {
	if opts.Symbol == "" {
		return errors.New("symbol is required")
	}
	symbol := strings.ToUpper(opts.Symbol)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot inspect provider memory")
	}
	defer closeStore()

	comps := a.buildComponents(store)

	mem := comps.memory.Snapshot(ctx, symbol)
	fmt.Fprintf(os.Stdout, "Provider memory for %s\n", symbol)
	if mem.Preferred != "" {
		fmt.Fprintf(os.Stdout, "Preferred: %s\n", mem.Preferred)
	}
	if mem.CooldownUntil != nil {
		fmt.Fprintf(os.Stdout, "Cooldown until: %s\n", formatOptTime(mem.CooldownUntil))
	}
	fmt.Fprintf(os.Stdout, "Consecutive failed passes: %d\n\n", mem.ConsecutiveFailures)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Provider\tSuccesses\tFailures\tBlocked\tLast Tried\tLast Success\tUsed Today\tUsed/Min")

	for _, name := range comps.registry.Order() {
		stats := mem.Providers[name]
		usage := comps.governor.Usage(ctx, name)
		if stats == nil {
			fmt.Fprintf(writer, "%s\t0\t0\t-\tnever\tnever\t%d\t%d\n", name, usage.DayCount, usage.MinuteCount)
			continue
		}
		blocked := "-"
		if stats.Blocked {
			blocked = "yes"
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%s\t%s\t%s\t%d\t%d\n",
			name,
			stats.Successes,
			stats.Failures,
			blocked,
			formatOptTime(stats.LastTried),
			formatOptTime(stats.LastSuccess),
			usage.DayCount,
			usage.MinuteCount,
		)
	}

	writer.Flush()
	return nil
}
