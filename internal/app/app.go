package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"forward-factor-alerts/internal/alerting"
	"forward-factor-alerts/internal/config"
	"forward-factor-alerts/internal/coord"
	"forward-factor-alerts/internal/dispatch"
	"forward-factor-alerts/internal/fetcher"
	"forward-factor-alerts/internal/httpapi"
	"forward-factor-alerts/internal/metrics"
	"forward-factor-alerts/internal/notify"
	"forward-factor-alerts/internal/scanner"
	"forward-factor-alerts/internal/service"
	"forward-factor-alerts/internal/stability"
	"forward-factor-alerts/internal/storage"
	"forward-factor-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

// openCoord connects to Redis. Without redis.addr an in-process store is used,
// which only coordinates roles running inside this one process.
func (a *App) openCoord(ctx context.Context) (coord.Store, func(), error) {
	if a.Config.Redis.Addr == "" {
		a.Logger.Warn().Msg("redis.addr not configured; using in-process coordination")
		return coord.NewMemory(), func() {}, nil
	}
	client, err := coord.NewRedisClient(ctx, a.Config.Redis)
	if err != nil {
		return nil, nil, err
	}
	r := coord.NewRedis(client)
	return r, func() { _ = r.Close() }, nil
}

func (a *App) newProvider(m *metrics.Registry) *fetcher.Polygon {
	p := a.Config.Provider
	if p.UserAgent == "" {
		p.UserAgent = version.UserAgent()
	}
	return fetcher.NewPolygon(fetcher.PolygonOptions{
		BaseURL:           p.BaseURL,
		APIKey:            p.APIKey,
		Timeout:           p.RequestTimeout,
		UserAgent:         p.UserAgent,
		RequestsPerSecond: p.RequestsPerSecond,
		Burst:             p.Burst,
		Retry: fetcher.RetryPolicy{
			Attempts:   p.RetryAttempts,
			MinBackoff: p.RetryMinBackoff,
			MaxBackoff: p.RetryMaxBackoff,
		},
		BreakerFailures: p.BreakerFailures,
		BreakerTimeout:  p.BreakerTimeout,
		MaxPages:        p.MaxPages,
	}, m, a.Logger)
}

// newSender returns the Telegram transport when configured, otherwise a
// log-only sender. The second value is nil when callbacks cannot be polled.
func (a *App) newSender() (notify.Sender, *alerting.TelegramNotifier) {
	tg := a.Config.Alerting.Telegram
	if a.Config.Alerting.Enabled && tg.Enabled {
		n := alerting.NewTelegramNotifier(tg.BotToken, tg.APIBase, 10*time.Second, tg.PollTimeout, a.Logger)
		return n, n
	}
	a.Logger.Warn().Msg("telegram alerting disabled; alerts are logged only")
	return alerting.NewLogSender(a.Logger), nil
}

func (a *App) newTracker(store stability.Store, m *metrics.Registry) *stability.Tracker {
	s := a.Config.Stability
	return stability.New(store, stability.Options{
		StateTTL:     s.StateTTL,
		LockTTL:      s.LockTTL,
		LockAttempts: s.LockAttempts,
		LockRetry:    s.LockRetry,
	}, m, a.Logger)
}

func (a *App) newReminders(schedules coord.Schedules, store *storage.Store, sender notify.Sender, m *metrics.Registry) (*notify.Reminders, error) {
	return notify.NewReminders(notify.ReminderOptions{
		Key:          a.Config.Queues.Reminder,
		PollInterval: a.Config.Reminders.PollInterval,
		MarketOpen:   a.Config.Reminders.MarketOpen,
	}, schedules, store, store, sender, m, a.Logger)
}

// Run executes the long-running service for the selected roles.
func (a *App) Run(ctx context.Context, roles []string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cs, closeCoord, err := a.openCoord(ctx)
	if err != nil {
		return err
	}
	defer closeCoord()

	m := metrics.New()
	svc, err := a.buildService(store, cs, m, roles)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Strs("components", svc.Names()).
		Str("version", version.Version).
		Msg("starting forward factor service")
	if err := svc.Run(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("forward factor service stopped")
	return nil
}

func (a *App) buildService(store *storage.Store, cs coord.Store, m *metrics.Registry, roles []string) (*service.Service, error) {
	cfg := a.Config
	svc := service.New(a.Logger)
	provider := a.newProvider(m)
	sender, telegram := a.newSender()

	var reminders *notify.Reminders
	if cfg.Reminders.Enabled {
		r, err := a.newReminders(cs, store, sender, m)
		if err != nil {
			return nil, err
		}
		reminders = r
	}

	for _, role := range roles {
		switch role {
		case service.RoleScheduler:
			registry := dispatch.NewRegistry(store, m, a.Logger)
			var discovery *dispatch.Discovery
			if cfg.Discovery.Enabled {
				discovery = dispatch.NewDiscovery(provider, cs, cfg.Queues.Discovery, cfg.Discovery.Limit, m, a.Logger)
			}
			d := dispatch.NewDispatcher(dispatch.Options{
				ScanQueue:         cfg.Queues.Scan,
				Intervals:         cfg.TierIntervals(),
				RegistryInterval:  cfg.Scheduler.RegistryInterval,
				DiscoveryEnabled:  cfg.Discovery.Enabled,
				DiscoverySchedule: cfg.Discovery.Schedule,
				AlignToBucket:     cfg.Scheduler.AlignToBucket,
				StartupDelay:      cfg.Scheduler.StartupDelay,
				AdvisoryLockKey:   cfg.Scheduler.AdvisoryLockKey,
			}, store, store, cs, registry, discovery, m, a.Logger)
			svc.Add(role, d)

		case service.RoleScanner:
			w := scanner.NewWorker(scanner.Options{
				ScanQueue:         cfg.Queues.Scan,
				DiscoveryQueue:    cfg.Queues.Discovery,
				NotificationQueue: cfg.Queues.Notification,
				PopTimeout:        cfg.Queues.PopTimeout,
				IdleSleep:         cfg.Queues.IdleSleep,
				Concurrency:       cfg.Scanner.Concurrency,
				Defaults:          cfg.Defaults,
			}, provider, store, store, store, a.newTracker(cs, m), cs, m, a.Logger)
			svc.Add(role, w)

		case service.RoleNotifier:
			router := notify.NewRouter(notify.RouterOptions{
				Queue:      cfg.Queues.Notification,
				PopTimeout: cfg.Queues.PopTimeout,
				IdleSleep:  cfg.Queues.IdleSleep,
				Defaults:   cfg.Defaults,
			}, store, store, sender, cs, m, a.Logger)
			svc.Add(role, router)
			if telegram != nil {
				var follow notify.ReminderScheduler
				if reminders != nil {
					follow = reminders
				}
				handler := notify.NewActionHandler(store, store, store, follow, a.Logger)
				svc.Add("callbacks", service.RunnerFunc(func(ctx context.Context) error {
					return telegram.PollCallbacks(ctx, handler)
				}))
			}

		case service.RoleReminders:
			if reminders == nil {
				a.Logger.Info().Msg("reminders disabled; skipping role")
				continue
			}
			svc.Add(role, reminders)

		case service.RoleHTTP:
			if !cfg.HTTP.Enabled {
				continue
			}
			srv := httpapi.New(httpapi.Options{
				Addr:              cfg.HTTP.Addr,
				ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
			}, map[string]httpapi.Pinger{"postgres": store, "redis": cs}, m.Handler(), a.Logger)
			svc.Add(role, srv)

		default:
			return nil, fmt.Errorf("unknown role %q", role)
		}
	}
	return svc, nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Ticker string
	Tiers  bool
}

// ExportOptions hold parameters for exporting signal history.
type ExportOptions struct {
	Ticker    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// EnqueueOptions configure manual scan jobs.
type EnqueueOptions struct {
	Tickers   []string
	Discovery bool
}

// SimulateOptions describe a synthetic chain replayed through the pipeline.
type SimulateOptions struct {
	Ticker   string
	Price    float64
	FrontDTE int
	BackDTE  int
	FrontIV  float64
	BackIV   float64
	Scans    int
	Drift    float64
}
