package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"forward-factor-alerts/internal/metrics"
	"forward-factor-alerts/internal/storage"
	"forward-factor-alerts/internal/usercfg"
)

const (
	highTierMin   = 10
	mediumTierMin = 3
)

// ComputeTier maps a ticker's active subscriber count and their priority tags
// to a scan tier. A turbo subscriber forces high; a high-priority subscriber
// lifts the ticker to at least medium.
func ComputeTier(count int, priorities []string) string {
	if count <= 0 {
		return storage.TierLow
	}

	tier := storage.TierLow
	switch {
	case count >= highTierMin:
		tier = storage.TierHigh
	case count >= mediumTierMin:
		tier = storage.TierMedium
	}

	for _, p := range priorities {
		switch usercfg.Priority(strings.ToLower(p)) {
		case usercfg.PriorityTurbo:
			return storage.TierHigh
		case usercfg.PriorityHigh:
			if tier == storage.TierLow {
				tier = storage.TierMedium
			}
		}
	}
	return tier
}

// TierStore is the registry persistence used by the dispatcher.
type TierStore interface {
	ListTickerDemand(ctx context.Context) ([]storage.TickerDemand, error)
	ListRegisteredTickers(ctx context.Context) ([]string, error)
	SaveTierEntries(ctx context.Context, entries []storage.TickerTierEntry) error
	ListTickersByTier(ctx context.Context, tier string) ([]string, error)
}

// Registry recomputes the ticker scan registry from subscription demand.
type Registry struct {
	store   TierStore
	metrics *metrics.Registry
	logger  zerolog.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(store TierStore, m *metrics.Registry, logger zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "ticker_registry").Logger(),
	}
}

// Refresh recomputes every ticker's subscriber count and tier. Registered
// tickers that lost all subscribers are kept with a zero count in the low tier.
func (r *Registry) Refresh(ctx context.Context) ([]storage.TickerTierEntry, error) {
	demand, err := r.store.ListTickerDemand(ctx)
	if err != nil {
		return nil, fmt.Errorf("load demand: %w", err)
	}
	registered, err := r.store.ListRegisteredTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	byTicker := make(map[string]storage.TickerTierEntry, len(demand)+len(registered))
	for _, d := range demand {
		ticker := strings.ToUpper(d.Ticker)
		byTicker[ticker] = storage.TickerTierEntry{
			Ticker:            ticker,
			ActiveSubscribers: d.Subscribers,
			Tier:              ComputeTier(d.Subscribers, d.Priorities),
		}
	}
	for _, t := range registered {
		ticker := strings.ToUpper(t)
		if _, ok := byTicker[ticker]; !ok {
			byTicker[ticker] = storage.TickerTierEntry{Ticker: ticker, Tier: storage.TierLow}
		}
	}

	entries := make([]storage.TickerTierEntry, 0, len(byTicker))
	sizes := map[string]int{storage.TierHigh: 0, storage.TierMedium: 0, storage.TierLow: 0}
	for _, e := range byTicker {
		entries = append(entries, e)
		if e.ActiveSubscribers > 0 {
			sizes[e.Tier]++
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ticker < entries[j].Ticker })

	if err := r.store.SaveTierEntries(ctx, entries); err != nil {
		return nil, fmt.Errorf("save registry: %w", err)
	}
	r.metrics.TierSizes(sizes)

	r.logger.Info().
		Int("tickers", len(entries)).
		Int("high", sizes[storage.TierHigh]).
		Int("medium", sizes[storage.TierMedium]).
		Int("low", sizes[storage.TierLow]).
		Msg("ticker registry refreshed")
	return entries, nil
}
