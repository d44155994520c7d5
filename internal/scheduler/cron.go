package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cron runs jobs on cron expressions (standard five-field or @every/@hourly
// descriptors). Overlapping runs of the same job are skipped.
type Cron struct {
	cron   *cron.Cron
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCron creates a cron runner evaluating schedules in loc.
func NewCron(loc *time.Location, logger zerolog.Logger) *Cron {
	if loc == nil {
		loc = time.UTC
	}
	log := logger.With().Str("component", "cron").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})),
		),
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under spec.
func (c *Cron) Add(name, spec string, fn TickFunc) error {
	_, err := c.cron.AddFunc(spec, func() {
		started := time.Now().UTC()
		c.logger.Debug().Str("job", name).Msg("running job")
		if err := fn(c.ctx, started); err != nil && c.ctx.Err() == nil {
			c.logger.Error().Err(err).Str("job", name).Msg("job failed")
		}
	})
	if err != nil {
		return err
	}
	c.logger.Info().Str("job", name).Str("schedule", spec).Msg("job registered")
	return nil
}

// Run starts the runner and blocks until ctx is done, then waits for running
// jobs to finish.
func (c *Cron) Run(ctx context.Context) error {
	c.cron.Start()
	<-ctx.Done()
	c.cancel()
	<-c.cron.Stop().Done()
	return ctx.Err()
}

type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
