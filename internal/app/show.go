package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/storage"
)

// Show prints recent signals, or the scan registry when opts.Tiers is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Tiers {
		entries, err := store.ListTierEntries(ctx)
		if err != nil {
			return err
		}
		return writeTiers(a.Out, entries)
	}

	signals, err := store.ListRecentSignals(ctx, strings.ToUpper(opts.Ticker), opts.Limit)
	if err != nil {
		return err
	}
	return writeSignals(a.Out, signals)
}

func writeSignals(out io.Writer, signals []storage.Signal) error {
	if len(signals) == 0 {
		fmt.Fprintln(out, "no signals found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "As Of (UTC)\tTicker\tFront\tBack\tFF%\tFront IV%\tBack IV%\tUnderlying\tDiscovery")
	for _, s := range signals {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s (%d)\t%s (%d)\t%s\t%s\t%s\t%s\t%t\n",
			s.AsOf.UTC().Format(time.RFC3339),
			s.Ticker,
			s.FrontExpiry.Format(chain.DateLayout), s.FrontDTE,
			s.BackExpiry.Format(chain.DateLayout), s.BackDTE,
			formatPct(s.FF),
			formatPct(s.FrontIV),
			formatPct(s.BackIV),
			s.UnderlyingPrice.StringFixed(2),
			s.IsDiscovery,
		)
	}
	return writer.Flush()
}

func writeTiers(out io.Writer, entries []storage.TickerTierEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "registry is empty")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Ticker\tSubscribers\tTier\tLast Scan (UTC)")
	for _, e := range entries {
		last := "-"
		if e.LastScanAt != nil {
			last = e.LastScanAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\n", e.Ticker, e.ActiveSubscribers, e.Tier, last)
	}
	return writer.Flush()
}

func formatPct(v float64) string {
	return fmt.Sprintf("%.2f", v*100)
}
