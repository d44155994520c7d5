package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"forward-factor-alerts/internal/coord"
	"forward-factor-alerts/internal/metrics"
	"forward-factor-alerts/internal/scheduler"
	"forward-factor-alerts/internal/storage"
)

// Tiers lists scan tiers in cadence order.
var Tiers = []string{storage.TierHigh, storage.TierMedium, storage.TierLow}

// Options configure the dispatcher's cadences and coordination.
type Options struct {
	ScanQueue         string
	Intervals         map[string]time.Duration
	RegistryInterval  time.Duration
	DiscoveryEnabled  bool
	DiscoverySchedule string
	AlignToBucket     bool
	StartupDelay      time.Duration
	// AdvisoryLockKey is the base key; each job locks its own offset from it.
	AdvisoryLockKey int64
}

// Coordinator is the slice of the coordination store the dispatcher needs.
type Coordinator interface {
	coord.Queues
	coord.Locker
}

// Dispatcher enqueues tiered scan jobs and keeps the registry and discovery
// universe fresh. Every mutating tick runs under a Postgres advisory lock.
// The advisory lock only lives for the tick's transaction, so tier ticks also
// claim their interval bucket in the coordination store; a tier is enqueued
// at most once per bucket however many schedulers run.
type Dispatcher struct {
	opts      Options
	instance  string
	store     TierStore
	locker    storage.AdvisoryLocker
	queues    Coordinator
	registry  *Registry
	discovery *Discovery
	metrics   *metrics.Registry
	logger    zerolog.Logger
}

// NewDispatcher constructs a Dispatcher. discovery may be nil.
func NewDispatcher(opts Options, store TierStore, locker storage.AdvisoryLocker, queues Coordinator, registry *Registry, discovery *Discovery, m *metrics.Registry, logger zerolog.Logger) *Dispatcher {
	if opts.ScanQueue == "" {
		opts.ScanQueue = "scan_queue"
	}
	if opts.RegistryInterval <= 0 {
		opts.RegistryInterval = 5 * time.Minute
	}
	if opts.DiscoverySchedule == "" {
		opts.DiscoverySchedule = "@every 1h"
	}
	return &Dispatcher{
		opts:      opts,
		instance:  uuid.NewString(),
		store:     store,
		locker:    locker,
		queues:    queues,
		registry:  registry,
		discovery: discovery,
		metrics:   m,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// EnqueueTier pushes one scan job per subscribed ticker in tier onto the scan
// queue and returns how many were pushed.
func (d *Dispatcher) EnqueueTier(ctx context.Context, tier string) (int, error) {
	tickers, err := d.store.ListTickersByTier(ctx, tier)
	if err != nil {
		return 0, fmt.Errorf("list %s tier: %w", tier, err)
	}
	if len(tickers) == 0 {
		d.logger.Debug().Str("tier", tier).Msg("no tickers in tier")
		return 0, nil
	}
	if err := d.queues.Push(ctx, d.opts.ScanQueue, tickers...); err != nil {
		return 0, fmt.Errorf("enqueue %s tier: %w", tier, err)
	}
	d.metrics.Enqueued(d.opts.ScanQueue, len(tickers))
	d.logger.Info().Str("tier", tier).Int("tickers", len(tickers)).Msg("tier scans enqueued")
	return len(tickers), nil
}

// TickTier enqueues tier for the interval bucket containing at, unless this
// or another scheduler already claimed that bucket. It reports whether the
// bucket was claimed here.
func (d *Dispatcher) TickTier(ctx context.Context, tier string, at time.Time) (int, bool, error) {
	interval := d.opts.Intervals[tier]
	if interval <= 0 {
		return 0, false, fmt.Errorf("no interval configured for %s tier", tier)
	}
	bucket := at.UTC().Truncate(interval)
	key := fmt.Sprintf("dispatch:%s:%d", tier, bucket.Unix())
	claimed, err := d.queues.TryLock(ctx, key, d.instance, interval)
	if err != nil {
		return 0, false, fmt.Errorf("claim %s bucket: %w", tier, err)
	}
	if !claimed {
		d.logger.Debug().Str("tier", tier).Time("bucket", bucket).Msg("bucket already dispatched; skipping")
		return 0, false, nil
	}
	n, err := d.EnqueueTier(ctx, tier)
	return n, true, err
}

// Run starts the tier, registry and discovery schedules and blocks until ctx
// is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for _, tier := range Tiers {
		if d.opts.Intervals[tier] <= 0 {
			return fmt.Errorf("no interval configured for %s tier", tier)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for i, tier := range Tiers {
		tier, key := tier, d.opts.AdvisoryLockKey+int64(i)
		sched, err := scheduler.New(scheduler.Options{
			Name:         "scan_" + tier,
			Interval:     d.opts.Intervals[tier],
			AlignToStart: d.opts.AlignToBucket,
			StartupDelay: d.opts.StartupDelay,
		}, d.logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sched.Run(gctx, func(ctx context.Context, bucket time.Time) error {
				return d.locked(ctx, key, "scan_"+tier, func(ctx context.Context) error {
					_, _, err := d.TickTier(ctx, tier, bucket)
					return err
				})
			})
		})
	}

	registrySched, err := scheduler.New(scheduler.Options{
		Name:         "registry",
		Interval:     d.opts.RegistryInterval,
		StartupDelay: d.opts.StartupDelay,
		RunOnStart:   true,
	}, d.logger)
	if err != nil {
		return err
	}
	registryKey := d.opts.AdvisoryLockKey + int64(len(Tiers))
	g.Go(func() error {
		return registrySched.Run(gctx, func(ctx context.Context, _ time.Time) error {
			return d.locked(ctx, registryKey, "registry", func(ctx context.Context) error {
				_, err := d.registry.Refresh(ctx)
				return err
			})
		})
	})

	if d.opts.DiscoveryEnabled && d.discovery != nil {
		cron := scheduler.NewCron(time.UTC, d.logger)
		discoveryKey := d.opts.AdvisoryLockKey + int64(len(Tiers)) + 1
		refresh := func(ctx context.Context, _ time.Time) error {
			return d.locked(ctx, discoveryKey, "discovery", func(ctx context.Context) error {
				_, err := d.discovery.Refresh(ctx)
				return err
			})
		}
		if err := cron.Add("discovery", d.opts.DiscoverySchedule, refresh); err != nil {
			return fmt.Errorf("schedule discovery: %w", err)
		}
		g.Go(func() error { return cron.Run(gctx) })
		g.Go(func() error {
			if err := refresh(gctx, time.Now().UTC()); err != nil && gctx.Err() == nil {
				d.logger.Error().Err(err).Msg("initial discovery refresh failed")
			}
			return nil
		})
	}

	d.logger.Info().
		Dur("high", d.opts.Intervals[storage.TierHigh]).
		Dur("medium", d.opts.Intervals[storage.TierMedium]).
		Dur("low", d.opts.Intervals[storage.TierLow]).
		Dur("registry", d.opts.RegistryInterval).
		Bool("discovery", d.opts.DiscoveryEnabled).
		Msg("dispatcher started")

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// locked runs fn only if this instance wins the advisory lock for key.
func (d *Dispatcher) locked(ctx context.Context, key int64, job string, fn func(context.Context) error) error {
	unlock, acquired, err := d.locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: acquire advisory lock: %w", job, err)
	}
	if !acquired {
		d.logger.Debug().Str("job", job).Msg("advisory lock held by another instance; skipping tick")
		return nil
	}
	defer unlock()
	return fn(ctx)
}
