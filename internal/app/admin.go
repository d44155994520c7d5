package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/metrics"
	"forward-factor-alerts/internal/storage"
	"forward-factor-alerts/internal/usercfg"
)

// ResetStability clears the debounce state of one calendar pair so the next
// scan starts counting from scratch.
func (a *App) ResetStability(ctx context.Context, ticker, front, back string) error {
	frontDate, err := chain.ParseDate(front)
	if err != nil {
		return fmt.Errorf("front expiry: %w", err)
	}
	backDate, err := chain.ParseDate(back)
	if err != nil {
		return fmt.Errorf("back expiry: %w", err)
	}

	cs, closeCoord, err := a.openCoord(ctx)
	if err != nil {
		return err
	}
	defer closeCoord()

	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if err := a.newTracker(cs, metrics.New()).Reset(ctx, ticker, frontDate, backDate); err != nil {
		return err
	}
	a.Logger.Info().Str("ticker", ticker).Str("front", front).Str("back", back).Msg("stability state reset")
	return nil
}

// Prune deletes signals older than olderThan, falling back to
// retention.signal_max_age when olderThan is zero.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = a.Config.Retention.SignalMaxAge
	}
	if olderThan <= 0 {
		return 0, errors.New("retention window not configured")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer closeStore()

	cutoff := time.Now().UTC().Add(-olderThan)
	n, err := store.DeleteSignalsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	a.Logger.Info().Time("cutoff", cutoff).Int64("deleted", n).Msg("signals pruned")
	return n, nil
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return storage.ErrNotConfigured
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	store := storage.NewStore(pool)
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema applied")
	return nil
}

// AddUser registers or updates the user bound to chatID. settings may be
// empty, in which case the user runs on the configured defaults.
func (a *App) AddUser(ctx context.Context, chatID string, settings []byte) (uuid.UUID, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return uuid.Nil, errors.New("chat id is required")
	}
	raw := json.RawMessage(`{}`)
	if len(settings) > 0 {
		if _, err := usercfg.Parse(settings, a.Config.Defaults); err != nil {
			return uuid.Nil, fmt.Errorf("settings: %w", err)
		}
		raw = json.RawMessage(settings)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer closeStore()

	id, err := store.UpsertRecipient(ctx, chatID, raw)
	if err != nil {
		return uuid.Nil, err
	}
	a.Logger.Info().Str("user_id", id.String()).Str("chat_id", chatID).Msg("user saved")
	return id, nil
}

// Subscribe activates or deactivates a user's subscriptions. The user is
// looked up by chat id.
func (a *App) Subscribe(ctx context.Context, chatID string, tickers []string, active bool) error {
	list := normalizeTickers(tickers)
	if len(list) == 0 {
		return errors.New("at least one ticker is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	user, err := store.GetRecipientByChat(ctx, strings.TrimSpace(chatID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no user for chat %s", chatID)
		}
		return err
	}
	for _, t := range list {
		if err := store.SetSubscription(ctx, user.UserID, t, active); err != nil {
			return err
		}
	}
	a.Logger.Info().Str("user_id", user.UserID.String()).Strs("tickers", list).Bool("active", active).Msg("subscriptions updated")
	return nil
}
