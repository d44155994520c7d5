package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forward-factor-alerts/internal/storage"
)

// ActionEvent is a button press reported by the chat transport.
type ActionEvent struct {
	ChatID     string
	Data       string
	ReceivedAt time.Time
}

// ChatLookup resolves a chat to its user.
type ChatLookup interface {
	GetRecipientByChat(ctx context.Context, chatID string) (storage.Recipient, error)
}

// ReminderScheduler schedules reminders for accepted signals.
type ReminderScheduler interface {
	Schedule(ctx context.Context, sig storage.Signal, userID uuid.UUID) (int, error)
}

// ActionHandler records accept/ignore responses.
type ActionHandler struct {
	users     ChatLookup
	signals   SignalSource
	decisions storage.DecisionStore
	reminders ReminderScheduler
	logger    zerolog.Logger
}

// NewActionHandler constructs an ActionHandler. reminders may be nil.
func NewActionHandler(users ChatLookup, signals SignalSource, decisions storage.DecisionStore, reminders ReminderScheduler, logger zerolog.Logger) *ActionHandler {
	return &ActionHandler{
		users:     users,
		signals:   signals,
		decisions: decisions,
		reminders: reminders,
		logger:    logger.With().Str("component", "action_handler").Logger(),
	}
}

// Handle records the decision carried by ev and returns it. Accepting a
// signal also schedules its expiry reminders.
func (h *ActionHandler) Handle(ctx context.Context, ev ActionEvent) (string, error) {
	action, signalID, err := ParseActionData(ev.Data)
	if err != nil {
		return "", err
	}

	rec, err := h.users.GetRecipientByChat(ctx, ev.ChatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("chat %s is not linked to an active user: %w", ev.ChatID, err)
		}
		return "", fmt.Errorf("resolve chat: %w", err)
	}
	sig, err := h.signals.GetSignal(ctx, signalID)
	if err != nil {
		return "", fmt.Errorf("load signal: %w", err)
	}

	decision := storage.DecisionIgnored
	if action == ActionAccept {
		decision = storage.DecisionPlaced
	}
	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	if err := h.decisions.RecordDecision(ctx, storage.DecisionRecord{
		ID:        uuid.New(),
		SignalID:  sig.ID,
		UserID:    rec.UserID,
		Decision:  decision,
		DecidedAt: at.UTC(),
		Metadata:  map[string]any{"chat_id": ev.ChatID},
	}); err != nil {
		return "", fmt.Errorf("record decision: %w", err)
	}

	h.logger.Info().
		Str("signal_id", sig.ID.String()).
		Str("user_id", rec.UserID.String()).
		Str("decision", decision).
		Msg("decision recorded")

	if decision == storage.DecisionPlaced && h.reminders != nil {
		if _, err := h.reminders.Schedule(ctx, sig, rec.UserID); err != nil {
			h.logger.Error().Err(err).Str("signal_id", sig.ID.String()).Msg("schedule reminders failed")
		}
	}
	return decision, nil
}
