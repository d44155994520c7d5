package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forward-factor-alerts/internal/engine"
	"forward-factor-alerts/internal/usercfg"
)

var (
	frontExp = time.Date(2025, 2, 21, 0, 0, 0, 0, time.UTC)
	backExp  = time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStoreWithDB(mock), mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func sampleCandidate() engine.Candidate {
	return engine.Candidate{
		Ticker:          "spy",
		AsOf:            time.Date(2025, 1, 21, 15, 30, 0, 0, time.UTC),
		Front:           engine.Leg{Expiry: frontExp, DTE: 31, IV: 0.45},
		Back:            engine.Leg{Expiry: backExp, DTE: 59, IV: 0.35},
		SigmaFwd:        0.21,
		FF:              1.14,
		VolPoint:        "ATM",
		QualityScore:    1,
		UnderlyingPrice: 501.25,
		Provider:        "polygon",
	}
}

func TestDedupeKeyBucketsByUTCDay(t *testing.T) {
	morning := time.Date(2025, 1, 21, 14, 0, 0, 0, time.UTC)
	evening := time.Date(2025, 1, 21, 23, 59, 0, 0, time.UTC)
	nextDay := time.Date(2025, 1, 22, 0, 1, 0, 0, time.UTC)

	k1 := DedupeKey("SPY", frontExp, backExp, morning)
	assert.Equal(t, "37eeefcee1d7f6bb0eefab8103e89c358f712378980ed0e0aeb9b794a76cb15c", k1)
	assert.Equal(t, k1, DedupeKey("spy", frontExp, backExp, evening))
	assert.NotEqual(t, k1, DedupeKey("SPY", frontExp, backExp, nextDay))
	assert.NotEqual(t, k1, DedupeKey("SPY", frontExp, backExp.AddDate(0, 0, 7), morning))
}

func TestNewSignalFromCandidate(t *testing.T) {
	sig := NewSignal(sampleCandidate(), true)

	assert.NotEqual(t, uuid.Nil, sig.ID)
	assert.Equal(t, "SPY", sig.Ticker)
	assert.True(t, sig.IsDiscovery)
	assert.Equal(t, 31, sig.FrontDTE)
	assert.True(t, decimal.RequireFromString("501.25").Equal(sig.UnderlyingPrice))
	assert.Equal(t, DedupeKey("SPY", frontExp, backExp, sig.AsOf), sig.DedupeKey)
}

func TestInsertSignalReportsInsertAndDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	sig := NewSignal(sampleCandidate(), false)

	mock.ExpectExec("INSERT INTO signals").
		WithArgs(anyArgs(18)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	inserted, err := store.InsertSignal(ctx, sig)
	require.NoError(t, err)
	assert.True(t, inserted)

	mock.ExpectExec("ON CONFLICT \\(dedupe_key\\) DO NOTHING").
		WithArgs(anyArgs(18)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	inserted, err = store.InsertSignal(ctx, sig)
	require.NoError(t, err, "duplicates are not errors")
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSignalPropagatesErrors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO signals").
		WithArgs(anyArgs(18)...).
		WillReturnError(errors.New("connection refused"))

	_, err := store.InsertSignal(context.Background(), NewSignal(sampleCandidate(), false))
	assert.Error(t, err)
}

func TestGetSignal(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	created := time.Date(2025, 1, 21, 15, 31, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{
		"id", "ticker", "as_of_ts", "front_expiry", "back_expiry", "front_dte", "back_dte",
		"front_iv", "back_iv", "sigma_fwd", "ff_value", "vol_point", "quality_score", "reason_codes",
		"dedupe_key", "underlying_price", "provider", "is_discovery", "created_at",
	}).AddRow(
		id, "SPY", created, frontExp, backExp, 31, 59,
		0.45, 0.35, 0.21, 1.14, "ATM", 0.5, []byte(`["back_low_oi_5"]`),
		"abc", "501.25", "polygon", false, created,
	)
	mock.ExpectQuery("FROM signals\\s+WHERE id = \\$1").WithArgs(id).WillReturnRows(rows)

	sig, err := store.GetSignal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, sig.ID)
	assert.Equal(t, []string{"back_low_oi_5"}, sig.ReasonCodes)
	assert.Equal(t, "501.25", sig.UnderlyingPrice.String())
	assert.Equal(t, 1.14, sig.FF)

	mock.ExpectQuery("FROM signals").WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	_, err = store.GetSignal(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSubscribersParsesSettings(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery("FROM subscriptions s").
		WithArgs("SPY").
		WillReturnRows(pgxmock.NewRows([]string{"id", "telegram_chat_id", "settings"}).
			AddRow(userID, "1001", []byte(`{"ff_threshold":0.4}`)))

	recipients, err := store.ListSubscribers(context.Background(), "spy")
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "1001", recipients[0].ChatID)

	cfg, err := recipients[0].Config(usercfg.Default())
	require.NoError(t, err)
	assert.Equal(t, 0.4, cfg.FFThreshold)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTickerDemand(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("GROUP BY s.ticker").
		WillReturnRows(pgxmock.NewRows([]string{"ticker", "count", "priorities"}).
			AddRow("SPY", 2, []string{"standard", "turbo"}).
			AddRow("QQQ", 1, []string{"standard"}))

	demand, err := store.ListTickerDemand(context.Background())
	require.NoError(t, err)
	require.Len(t, demand, 2)
	assert.Equal(t, TickerDemand{Ticker: "SPY", Subscribers: 2, Priorities: []string{"standard", "turbo"}}, demand[0])
}

func TestSaveTierEntriesUsesTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO master_tickers").WithArgs("SPY", 12, TierHigh).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO master_tickers").WithArgs("IWM", 0, TierLow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.SaveTierEntries(context.Background(), []TickerTierEntry{
		{Ticker: "SPY", ActiveSubscribers: 12, Tier: TierHigh},
		{Ticker: "IWM", ActiveSubscribers: 0, Tier: TierLow},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTickersByTier(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("active_subscriber_count > 0").WithArgs(TierMedium).
		WillReturnRows(pgxmock.NewRows([]string{"ticker"}).AddRow("AAPL").AddRow("MSFT"))

	tickers, err := store.ListTickersByTier(context.Background(), TierMedium)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, tickers)
}

func TestRecordDecision(t *testing.T) {
	store, mock := newMockStore(t)
	signalID, userID := uuid.New(), uuid.New()

	mock.ExpectExec("INSERT INTO signal_user_decisions").
		WithArgs(pgxmock.AnyArg(), signalID, userID, DecisionPlaced, pgxmock.AnyArg(), []byte(`{"source":"telegram"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.RecordDecision(context.Background(), DecisionRecord{
		SignalID: signalID,
		UserID:   userID,
		Decision: DecisionPlaced,
		Metadata: map[string]any{"source": "telegram"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSignalsBefore(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM signals").WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 42))

	n, err := store.DeleteSignalsBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
}

func TestTryAdvisoryLock(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectRollback()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	unlock()

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(false))
	mock.ExpectRollback()

	_, ok, err = store.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnconfiguredStore(t *testing.T) {
	store := NewStore(nil)
	_, err := store.InsertSignal(context.Background(), Signal{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = store.TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
