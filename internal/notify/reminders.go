package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/coord"
	"forward-factor-alerts/internal/metrics"
	"forward-factor-alerts/internal/scheduler"
	"forward-factor-alerts/internal/storage"
	"forward-factor-alerts/internal/usercfg"
)

// Reminder is one scheduled expiry reminder. Its JSON encoding is the sorted
// set member, so field order must stay stable.
type Reminder struct {
	SignalID    string    `json:"signal_id"`
	UserID      string    `json:"user_id"`
	Kind        string    `json:"type"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// RecipientSource loads a user by id.
type RecipientSource interface {
	GetRecipient(ctx context.Context, id uuid.UUID) (storage.Recipient, error)
}

// ReminderOptions configure scheduling and polling.
type ReminderOptions struct {
	Key          string
	PollInterval time.Duration
	// MarketOpen is the HH:MM local exchange time reminders fire at.
	MarketOpen string
	Location   *time.Location
}

// Reminders schedules and fires front-expiry reminders for accepted trades.
type Reminders struct {
	opts       ReminderOptions
	openHour   int
	openMinute int
	schedules  coord.Schedules
	signals    SignalSource
	recipients RecipientSource
	sender     Sender
	now        func() time.Time
	metrics    *metrics.Registry
	logger     zerolog.Logger
}

// NewReminders constructs the reminder service.
func NewReminders(opts ReminderOptions, schedules coord.Schedules, signals SignalSource, recipients RecipientSource, sender Sender, m *metrics.Registry, logger zerolog.Logger) (*Reminders, error) {
	if opts.Key == "" {
		opts.Key = "reminder_queue"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.MarketOpen == "" {
		opts.MarketOpen = "09:30"
	}
	if opts.Location == nil {
		opts.Location = chain.MarketLocation()
	}
	hour, minute, err := usercfg.ParseClock(opts.MarketOpen)
	if err != nil {
		return nil, fmt.Errorf("market open: %w", err)
	}
	return &Reminders{
		opts:       opts,
		openHour:   hour,
		openMinute: minute,
		schedules:  schedules,
		signals:    signals,
		recipients: recipients,
		sender:     sender,
		now:        time.Now,
		metrics:    m,
		logger:     logger.With().Str("component", "reminders").Logger(),
	}, nil
}

// WithClock overrides the clock.
func (r *Reminders) WithClock(now func() time.Time) *Reminders {
	r.now = now
	return r
}

// Instants returns the UTC fire times for a front expiry: market open on the
// day before and on the expiry day itself.
func (r *Reminders) Instants(frontExpiry time.Time) map[string]time.Time {
	y, m, d := frontExpiry.Date()
	at := func(day int) time.Time {
		return time.Date(y, m, day, r.openHour, r.openMinute, 0, 0, r.opts.Location).UTC()
	}
	return map[string]time.Time{
		ReminderOneDayBefore: at(d - 1),
		ReminderExpiryDay:    at(d),
	}
}

// Schedule adds the reminders for an accepted signal, skipping instants that
// are already past. It returns how many were scheduled.
func (r *Reminders) Schedule(ctx context.Context, sig storage.Signal, userID uuid.UUID) (int, error) {
	now := r.now().UTC()
	instants := r.Instants(sig.FrontExpiry)

	scheduled := 0
	for _, kind := range []string{ReminderOneDayBefore, ReminderExpiryDay} {
		at := instants[kind]
		if !at.After(now) {
			continue
		}
		member, err := json.Marshal(Reminder{
			SignalID:    sig.ID.String(),
			UserID:      userID.String(),
			Kind:        kind,
			ScheduledAt: at,
		})
		if err != nil {
			return scheduled, fmt.Errorf("encode reminder: %w", err)
		}
		if err := r.schedules.ScheduleAdd(ctx, r.opts.Key, string(member), at); err != nil {
			return scheduled, fmt.Errorf("schedule %s reminder: %w", kind, err)
		}
		scheduled++
		r.logger.Info().
			Str("signal_id", sig.ID.String()).
			Str("user_id", userID.String()).
			Str("kind", kind).
			Time("at", at).
			Msg("reminder scheduled")
	}
	return scheduled, nil
}

// FireDue sends every reminder whose time has come. Each member is claimed
// before sending, so concurrent pollers deliver it at most once. A claimed
// reminder that fails to send is not retried.
func (r *Reminders) FireDue(ctx context.Context) (int, error) {
	due, err := r.schedules.ScheduleDue(ctx, r.opts.Key, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("load due reminders: %w", err)
	}

	sent := 0
	for _, member := range due {
		claimed, err := r.schedules.ScheduleClaim(ctx, r.opts.Key, member)
		if err != nil {
			return sent, fmt.Errorf("claim reminder: %w", err)
		}
		if !claimed {
			continue
		}
		if err := r.fire(ctx, member); err != nil {
			r.metrics.Reminder(OutcomeFailed)
			r.logger.Error().Err(err).Str("member", member).Msg("reminder dropped")
			continue
		}
		r.metrics.Reminder(OutcomeSent)
		sent++
	}
	return sent, nil
}

func (r *Reminders) fire(ctx context.Context, member string) error {
	var rem Reminder
	if err := json.Unmarshal([]byte(member), &rem); err != nil {
		return fmt.Errorf("decode reminder: %w", err)
	}
	signalID, err := uuid.Parse(rem.SignalID)
	if err != nil {
		return fmt.Errorf("signal id: %w", err)
	}
	userID, err := uuid.Parse(rem.UserID)
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}

	sig, err := r.signals.GetSignal(ctx, signalID)
	if err != nil {
		return fmt.Errorf("load signal: %w", err)
	}
	rec, err := r.recipients.GetRecipient(ctx, userID)
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if rec.ChatID == "" {
		return errors.New("recipient has no chat")
	}

	if err := r.sender.Send(ctx, Message{ChatID: rec.ChatID, Text: RenderReminder(sig, rem.Kind)}); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	r.logger.Info().
		Str("signal_id", rem.SignalID).
		Str("user_id", rem.UserID).
		Str("kind", rem.Kind).
		Msg("reminder sent")
	return nil
}

// Run polls for due reminders every PollInterval until ctx is cancelled.
func (r *Reminders) Run(ctx context.Context) error {
	sched, err := scheduler.New(scheduler.Options{
		Name:       "reminders",
		Interval:   r.opts.PollInterval,
		RunOnStart: true,
	}, r.logger)
	if err != nil {
		return err
	}
	err = sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := r.FireDue(ctx)
		return err
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
