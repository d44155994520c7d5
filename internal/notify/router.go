package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forward-factor-alerts/internal/coord"
	"forward-factor-alerts/internal/metrics"
	"forward-factor-alerts/internal/storage"
	"forward-factor-alerts/internal/usercfg"
)

// Delivery outcomes, used for metrics.
const (
	OutcomeSent           = "sent"
	OutcomeQuietHours     = "quiet_hours"
	OutcomeBelowThreshold = "below_threshold"
	OutcomeNoChat         = "no_chat"
	OutcomeInvalidConfig  = "invalid_config"
	OutcomeFailed         = "failed"
)

// SignalSource loads persisted signals.
type SignalSource interface {
	GetSignal(ctx context.Context, id uuid.UUID) (storage.Signal, error)
}

// Audience resolves who a signal is delivered to.
type Audience interface {
	ListSubscribers(ctx context.Context, ticker string) ([]storage.Recipient, error)
	ListDiscoveryRecipients(ctx context.Context) ([]storage.Recipient, error)
}

// RouterOptions configure the notification loop.
type RouterOptions struct {
	Queue      string
	PopTimeout time.Duration
	IdleSleep  time.Duration
	Defaults   usercfg.SignalConfig
}

// Report counts per-recipient outcomes of one delivery.
type Report map[string]int

// Router pops signal ids off the notification queue and fans each signal out
// to its audience.
type Router struct {
	opts     RouterOptions
	signals  SignalSource
	audience Audience
	sender   Sender
	queues   coord.Queues
	now      func() time.Time
	metrics  *metrics.Registry
	logger   zerolog.Logger
}

// NewRouter constructs a Router.
func NewRouter(opts RouterOptions, signals SignalSource, audience Audience, sender Sender, queues coord.Queues, m *metrics.Registry, logger zerolog.Logger) *Router {
	if opts.Queue == "" {
		opts.Queue = "notification_queue"
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = time.Second
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = time.Second
	}
	return &Router{
		opts:     opts,
		signals:  signals,
		audience: audience,
		sender:   sender,
		queues:   queues,
		now:      time.Now,
		metrics:  m,
		logger:   logger.With().Str("component", "notification_router").Logger(),
	}
}

// WithClock overrides the clock used for quiet hours and rendering.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Run blocks until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info().Str("queue", r.opts.Queue).Msg("notification router started")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		id, ok, err := r.queues.Pop(ctx, r.opts.Queue, r.opts.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("pop notification failed")
			if err := sleepCtx(ctx, r.opts.IdleSleep); err != nil {
				return nil
			}
			continue
		}
		if !ok {
			continue
		}

		if _, err := r.Deliver(ctx, id); err != nil {
			r.logger.Error().Err(err).Str("signal_id", id).Msg("deliver signal failed")
		}
	}
}

// Deliver sends one signal to every eligible recipient. Per-recipient failures
// are counted in the report and do not abort the others.
func (r *Router) Deliver(ctx context.Context, signalID string) (Report, error) {
	id, err := uuid.Parse(signalID)
	if err != nil {
		return nil, fmt.Errorf("parse signal id %q: %w", signalID, err)
	}
	sig, err := r.signals.GetSignal(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn().Str("signal_id", signalID).Msg("signal not found; dropping notification")
			return Report{}, nil
		}
		return nil, fmt.Errorf("load signal: %w", err)
	}

	recipients, err := r.recipients(ctx, sig)
	if err != nil {
		return nil, err
	}

	now := r.now()
	text := RenderSignal(sig, now)
	report := Report{}
	for _, rec := range recipients {
		outcome := r.deliverOne(ctx, sig, rec, text, now)
		report[outcome]++
		r.metrics.Notification(outcome)
	}

	r.logger.Info().
		Str("signal_id", signalID).
		Str("ticker", sig.Ticker).
		Int("recipients", len(recipients)).
		Int("sent", report[OutcomeSent]).
		Int("quiet_hours", report[OutcomeQuietHours]).
		Int("failed", report[OutcomeFailed]).
		Msg("signal delivered")
	return report, nil
}

func (r *Router) recipients(ctx context.Context, sig storage.Signal) ([]storage.Recipient, error) {
	subs, err := r.audience.ListSubscribers(ctx, sig.Ticker)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	if !sig.IsDiscovery {
		return subs, nil
	}

	extra, err := r.audience.ListDiscoveryRecipients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list discovery recipients: %w", err)
	}
	seen := make(map[uuid.UUID]struct{}, len(subs)+len(extra))
	out := make([]storage.Recipient, 0, len(subs)+len(extra))
	for _, rec := range append(subs, extra...) {
		if _, ok := seen[rec.UserID]; ok {
			continue
		}
		seen[rec.UserID] = struct{}{}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Router) deliverOne(ctx context.Context, sig storage.Signal, rec storage.Recipient, text string, now time.Time) string {
	log := r.logger.With().Str("signal_id", sig.ID.String()).Str("user_id", rec.UserID.String()).Logger()

	if rec.ChatID == "" {
		log.Warn().Msg("recipient has no chat; skipping")
		return OutcomeNoChat
	}
	cfg, err := rec.Config(r.opts.Defaults)
	if err != nil {
		log.Warn().Err(err).Msg("invalid user settings; skipping")
		return OutcomeInvalidConfig
	}
	if cfg.QuietHours.Contains(now, cfg.Timezone) {
		log.Info().Msg("recipient in quiet hours; dropping alert")
		return OutcomeQuietHours
	}
	if sig.FF < cfg.FFThreshold {
		log.Debug().Float64("ff", sig.FF).Float64("threshold", cfg.FFThreshold).Msg("below recipient threshold")
		return OutcomeBelowThreshold
	}

	msg := Message{ChatID: rec.ChatID, Text: text, Buttons: actionButtons(sig.ID)}
	if err := r.sender.Send(ctx, msg); err != nil {
		log.Error().Err(err).Msg("send alert failed")
		return OutcomeFailed
	}
	return OutcomeSent
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
