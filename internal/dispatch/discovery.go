package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"forward-factor-alerts/internal/coord"
	"forward-factor-alerts/internal/fetcher"
	"forward-factor-alerts/internal/metrics"
)

// Discovery refreshes the queue of market-wide liquid tickers scanned for
// discovery-mode users.
type Discovery struct {
	provider fetcher.UniverseProvider
	queues   coord.Queues
	queue    string
	limit    int
	metrics  *metrics.Registry
	logger   zerolog.Logger
}

// NewDiscovery constructs a Discovery refresher writing to queue.
func NewDiscovery(provider fetcher.UniverseProvider, queues coord.Queues, queue string, limit int, m *metrics.Registry, logger zerolog.Logger) *Discovery {
	if limit <= 0 {
		limit = 100
	}
	return &Discovery{
		provider: provider,
		queues:   queues,
		queue:    queue,
		limit:    limit,
		metrics:  m,
		logger:   logger.With().Str("component", "discovery").Logger(),
	}
}

// Refresh fetches the top liquid tickers and replaces the discovery queue with
// them in rank order. An empty universe leaves the queue untouched.
func (d *Discovery) Refresh(ctx context.Context) ([]string, error) {
	tickers, err := d.provider.TopLiquid(ctx, d.limit)
	if err != nil {
		return nil, fmt.Errorf("fetch liquid universe: %w", err)
	}
	if len(tickers) == 0 {
		d.logger.Warn().Msg("liquid universe is empty; discovery queue unchanged")
		return tickers, nil
	}

	if err := d.queues.Replace(ctx, d.queue, tickers); err != nil {
		return nil, fmt.Errorf("replace %s: %w", d.queue, err)
	}
	d.metrics.Enqueued(d.queue, len(tickers))
	d.logger.Info().Int("tickers", len(tickers)).Str("queue", d.queue).Msg("discovery queue refreshed")
	return tickers, nil
}
