package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const signalColumns = `id,
        ticker,
        as_of_ts,
        front_expiry,
        back_expiry,
        front_dte,
        back_dte,
        front_iv,
        back_iv,
        sigma_fwd,
        ff_value,
        vol_point,
        COALESCE(quality_score, 0),
        reason_codes,
        dedupe_key,
        COALESCE(underlying_price, 0)::text,
        COALESCE(provider, ''),
        is_discovery,
        created_at`

const (
	insertSignalSQL = `INSERT INTO signals (
        id,
        ticker,
        as_of_ts,
        front_expiry,
        back_expiry,
        front_dte,
        back_dte,
        front_iv,
        back_iv,
        sigma_fwd,
        ff_value,
        vol_point,
        quality_score,
        reason_codes,
        dedupe_key,
        underlying_price,
        provider,
        is_discovery
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
    )
    ON CONFLICT (dedupe_key) DO NOTHING;`

	getSignalSQL = `SELECT ` + signalColumns + `
    FROM signals
    WHERE id = $1;`

	listRecentSignalsSQL = `SELECT ` + signalColumns + `
    FROM signals
    WHERE ($2 = '' OR ticker = $2)
    ORDER BY as_of_ts DESC
    LIMIT $1;`

	listSignalsBetweenSQL = `SELECT ` + signalColumns + `
    FROM signals
    WHERE as_of_ts >= $1
      AND as_of_ts < $2
      AND ($3 = '' OR ticker = $3)
    ORDER BY as_of_ts;`

	deleteSignalsBeforeSQL = `DELETE FROM signals WHERE as_of_ts < $1;`

	listSubscribersSQL = `SELECT u.id, u.telegram_chat_id, u.settings
    FROM subscriptions s
    JOIN users u ON u.id = s.user_id
    WHERE s.ticker = $1
      AND s.active
      AND u.status = 'active'
    ORDER BY u.created_at;`

	listDiscoveryRecipientsSQL = `SELECT id, telegram_chat_id, settings
    FROM users
    WHERE status = 'active'
      AND COALESCE((settings->>'discovery_mode')::boolean, FALSE)
    ORDER BY created_at;`

	getRecipientSQL = `SELECT id, telegram_chat_id, settings
    FROM users
    WHERE id = $1;`

	getRecipientByChatSQL = `SELECT id, telegram_chat_id, settings
    FROM users
    WHERE telegram_chat_id = $1
      AND status = 'active';`

	upsertRecipientSQL = `INSERT INTO users (id, telegram_chat_id, settings)
    VALUES ($1, $2, $3)
    ON CONFLICT (telegram_chat_id) DO UPDATE
    SET settings = EXCLUDED.settings,
        status   = 'active'
    RETURNING id;`

	setSubscriptionSQL = `INSERT INTO subscriptions (user_id, ticker, active)
    VALUES ($1, $2, $3)
    ON CONFLICT (user_id, ticker) DO UPDATE
    SET active = EXCLUDED.active;`

	listTickerDemandSQL = `SELECT
        s.ticker,
        COUNT(*)::int,
        array_agg(COALESCE(u.settings->>'scan_priority', 'standard'))
    FROM subscriptions s
    JOIN users u ON u.id = s.user_id
    WHERE s.active
      AND u.status = 'active'
    GROUP BY s.ticker;`

	listRegisteredTickersSQL = `SELECT ticker FROM master_tickers;`

	upsertTierEntrySQL = `INSERT INTO master_tickers (
        ticker,
        active_subscriber_count,
        scan_tier
    ) VALUES ($1, $2, $3)
    ON CONFLICT (ticker) DO UPDATE
    SET active_subscriber_count = EXCLUDED.active_subscriber_count,
        scan_tier               = EXCLUDED.scan_tier;`

	listTickersByTierSQL = `SELECT ticker
    FROM master_tickers
    WHERE scan_tier = $1
      AND active_subscriber_count > 0
    ORDER BY ticker;`

	listTierEntriesSQL = `SELECT ticker, active_subscriber_count, scan_tier, last_scan_at
    FROM master_tickers
    ORDER BY active_subscriber_count DESC, ticker;`

	touchTickerScannedSQL = `UPDATE master_tickers SET last_scan_at = $2 WHERE ticker = $1;`

	insertDecisionSQL = `INSERT INTO signal_user_decisions (
        id,
        signal_id,
        user_id,
        decision,
        decision_ts,
        metadata
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_xact_lock($1);`
)

// SignalStore persists and reads signals.
type SignalStore interface {
	InsertSignal(ctx context.Context, sig Signal) (bool, error)
	GetSignal(ctx context.Context, id uuid.UUID) (Signal, error)
	ListRecentSignals(ctx context.Context, ticker string, limit int) ([]Signal, error)
	ListSignalsBetween(ctx context.Context, ticker string, from, to time.Time) ([]Signal, error)
	DeleteSignalsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// RecipientStore resolves alert audiences.
type RecipientStore interface {
	ListSubscribers(ctx context.Context, ticker string) ([]Recipient, error)
	ListDiscoveryRecipients(ctx context.Context) ([]Recipient, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (Recipient, error)
	GetRecipientByChat(ctx context.Context, chatID string) (Recipient, error)
}

// TickerStore maintains the tiered scan registry.
type TickerStore interface {
	ListTickerDemand(ctx context.Context) ([]TickerDemand, error)
	ListRegisteredTickers(ctx context.Context) ([]string, error)
	SaveTierEntries(ctx context.Context, entries []TickerTierEntry) error
	ListTickersByTier(ctx context.Context, tier string) ([]string, error)
	TouchTickerScanned(ctx context.Context, ticker string, at time.Time) error
}

// DecisionStore records recipient responses.
type DecisionStore interface {
	RecordDecision(ctx context.Context, rec DecisionRecord) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// DB is the subset of pgx used by Store; both *pgxpool.Pool and pgxmock satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store aggregates access to signals, recipients, the ticker registry and decisions.
type Store struct {
	db DB
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		return &Store{}
	}
	return &Store{db: pool}
}

// NewStoreWithDB wires any DB implementation into a Store.
func NewStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.Ping(ctx)
}

func (s *Store) getDB() (DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// TryAdvisoryLock attempts a transaction-scoped postgres advisory lock and
// returns a release func that ends the transaction.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin advisory lock tx: %w", err)
	}

	var acquired bool
	if err := tx.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		_ = tx.Rollback(context.Background())
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = tx.Rollback(context.Background())
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tx.Rollback(ctxUnlock)
	}
	return unlock, true, nil
}

// InsertSignal stores sig unless a row with the same dedupe key exists. It
// reports whether a row was written; a duplicate is not an error.
func (s *Store) InsertSignal(ctx context.Context, sig Signal) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}

	codes := sig.ReasonCodes
	if codes == nil {
		codes = []string{}
	}
	codesJSON, err := json.Marshal(codes)
	if err != nil {
		return false, fmt.Errorf("encode reason codes: %w", err)
	}

	tag, err := db.Exec(ctx, insertSignalSQL,
		sig.ID,
		sig.Ticker,
		sig.AsOf,
		sig.FrontExpiry,
		sig.BackExpiry,
		sig.FrontDTE,
		sig.BackDTE,
		sig.FrontIV,
		sig.BackIV,
		sig.SigmaFwd,
		sig.FF,
		sig.VolPoint,
		sig.QualityScore,
		codesJSON,
		sig.DedupeKey,
		sig.UnderlyingPrice.String(),
		sig.Provider,
		sig.IsDiscovery,
	)
	if err != nil {
		return false, fmt.Errorf("insert signal: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetSignal loads one signal by id.
func (s *Store) GetSignal(ctx context.Context, id uuid.UUID) (Signal, error) {
	db, err := s.getDB()
	if err != nil {
		return Signal{}, err
	}

	rows, err := db.Query(ctx, getSignalSQL, id)
	if err != nil {
		return Signal{}, fmt.Errorf("get signal: %w", err)
	}
	signals, err := collectSignals(rows, 1)
	if err != nil {
		return Signal{}, fmt.Errorf("get signal: %w", err)
	}
	if len(signals) == 0 {
		return Signal{}, ErrNotFound
	}
	return signals[0], nil
}

// ListRecentSignals lists the newest signals, optionally for one ticker.
func (s *Store) ListRecentSignals(ctx context.Context, ticker string, limit int) ([]Signal, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listRecentSignalsSQL, limit, strings.ToUpper(ticker))
	if err != nil {
		return nil, fmt.Errorf("list recent signals: %w", err)
	}
	return collectSignals(rows, limit)
}

// ListSignalsBetween lists signals observed within [from, to).
func (s *Store) ListSignalsBetween(ctx context.Context, ticker string, from, to time.Time) ([]Signal, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listSignalsBetweenSQL, from, to, strings.ToUpper(ticker))
	if err != nil {
		return nil, fmt.Errorf("list signals between: %w", err)
	}
	return collectSignals(rows, 0)
}

// DeleteSignalsBefore prunes signals observed before olderThan.
func (s *Store) DeleteSignalsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	tag, err := db.Exec(ctx, deleteSignalsBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete signals before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSubscribers returns active users subscribed to ticker.
func (s *Store) ListSubscribers(ctx context.Context, ticker string) ([]Recipient, error) {
	return s.queryRecipients(ctx, "list subscribers", listSubscribersSQL, strings.ToUpper(ticker))
}

// ListDiscoveryRecipients returns active users with discovery mode enabled.
func (s *Store) ListDiscoveryRecipients(ctx context.Context) ([]Recipient, error) {
	return s.queryRecipients(ctx, "list discovery recipients", listDiscoveryRecipientsSQL)
}

// GetRecipient loads one user by id.
func (s *Store) GetRecipient(ctx context.Context, id uuid.UUID) (Recipient, error) {
	return s.queryRecipient(ctx, "get recipient", getRecipientSQL, id)
}

// GetRecipientByChat loads an active user by their chat id.
func (s *Store) GetRecipientByChat(ctx context.Context, chatID string) (Recipient, error) {
	return s.queryRecipient(ctx, "get recipient by chat", getRecipientByChatSQL, chatID)
}

// UpsertRecipient creates or updates a user keyed by chat id and returns its id.
func (s *Store) UpsertRecipient(ctx context.Context, chatID string, settings json.RawMessage) (uuid.UUID, error) {
	db, err := s.getDB()
	if err != nil {
		return uuid.Nil, err
	}
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}

	var id uuid.UUID
	if err := db.QueryRow(ctx, upsertRecipientSQL, uuid.New(), chatID, []byte(settings)).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("upsert recipient: %w", err)
	}
	return id, nil
}

// SetSubscription activates or deactivates a user's subscription to ticker.
func (s *Store) SetSubscription(ctx context.Context, userID uuid.UUID, ticker string, active bool) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, setSubscriptionSQL, userID, strings.ToUpper(ticker), active); err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	return nil
}

func (s *Store) queryRecipients(ctx context.Context, op, sql string, args ...any) ([]Recipient, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Recipient, 0)
	for rows.Next() {
		var (
			r        Recipient
			settings []byte
		)
		if err := rows.Scan(&r.UserID, &r.ChatID, &settings); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		r.Settings = json.RawMessage(settings)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Store) queryRecipient(ctx context.Context, op, sql string, arg any) (Recipient, error) {
	recipients, err := s.queryRecipients(ctx, op, sql, arg)
	if err != nil {
		return Recipient{}, err
	}
	if len(recipients) == 0 {
		return Recipient{}, ErrNotFound
	}
	return recipients[0], nil
}

// ListTickerDemand aggregates active subscriptions per ticker.
func (s *Store) ListTickerDemand(ctx context.Context) ([]TickerDemand, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listTickerDemandSQL)
	if err != nil {
		return nil, fmt.Errorf("list ticker demand: %w", err)
	}
	defer rows.Close()

	out := make([]TickerDemand, 0)
	for rows.Next() {
		var d TickerDemand
		if err := rows.Scan(&d.Ticker, &d.Subscribers, &d.Priorities); err != nil {
			return nil, fmt.Errorf("list ticker demand: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ticker demand: %w", err)
	}
	return out, nil
}

// ListRegisteredTickers returns every ticker present in the registry.
func (s *Store) ListRegisteredTickers(ctx context.Context) ([]string, error) {
	return s.queryTickers(ctx, "list registered tickers", listRegisteredTickersSQL)
}

// ListTickersByTier returns tickers in tier that still have subscribers.
func (s *Store) ListTickersByTier(ctx context.Context, tier string) ([]string, error) {
	return s.queryTickers(ctx, "list tickers by tier", listTickersByTierSQL, tier)
}

func (s *Store) queryTickers(ctx context.Context, op, sql string, args ...any) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, ticker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// SaveTierEntries upserts registry rows in a single transaction.
func (s *Store) SaveTierEntries(ctx context.Context, entries []TickerTierEntry) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save tiers: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range entries {
		if _, err := tx.Exec(ctx, upsertTierEntrySQL, e.Ticker, e.ActiveSubscribers, e.Tier); err != nil {
			return fmt.Errorf("upsert tier %s: %w", e.Ticker, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save tiers: %w", err)
	}
	return nil
}

// ListTierEntries returns the registry, busiest tickers first.
func (s *Store) ListTierEntries(ctx context.Context) ([]TickerTierEntry, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listTierEntriesSQL)
	if err != nil {
		return nil, fmt.Errorf("list tier entries: %w", err)
	}
	defer rows.Close()

	out := make([]TickerTierEntry, 0)
	for rows.Next() {
		var e TickerTierEntry
		if err := rows.Scan(&e.Ticker, &e.ActiveSubscribers, &e.Tier, &e.LastScanAt); err != nil {
			return nil, fmt.Errorf("list tier entries: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tier entries: %w", err)
	}
	return out, nil
}

// TouchTickerScanned records the completion time of a ticker scan.
func (s *Store) TouchTickerScanned(ctx context.Context, ticker string, at time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, touchTickerScannedSQL, strings.ToUpper(ticker), at); err != nil {
		return fmt.Errorf("touch ticker scanned: %w", err)
	}
	return nil
}

// RecordDecision stores a recipient's response to an alert.
func (s *Store) RecordDecision(ctx context.Context, rec DecisionRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now().UTC()
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode decision metadata: %w", err)
	}

	if _, err := db.Exec(ctx, insertDecisionSQL, rec.ID, rec.SignalID, rec.UserID, rec.Decision, rec.DecidedAt, metaJSON); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

func collectSignals(rows pgx.Rows, capacity int) ([]Signal, error) {
	defer rows.Close()

	signals := make([]Signal, 0, capacity)
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return signals, nil
}

func scanSignal(rows pgx.Rows) (Signal, error) {
	var (
		sig      Signal
		codes    []byte
		priceStr string
	)
	if err := rows.Scan(
		&sig.ID,
		&sig.Ticker,
		&sig.AsOf,
		&sig.FrontExpiry,
		&sig.BackExpiry,
		&sig.FrontDTE,
		&sig.BackDTE,
		&sig.FrontIV,
		&sig.BackIV,
		&sig.SigmaFwd,
		&sig.FF,
		&sig.VolPoint,
		&sig.QualityScore,
		&codes,
		&sig.DedupeKey,
		&priceStr,
		&sig.Provider,
		&sig.IsDiscovery,
		&sig.CreatedAt,
	); err != nil {
		return Signal{}, err
	}

	if len(codes) > 0 {
		if err := json.Unmarshal(codes, &sig.ReasonCodes); err != nil {
			return Signal{}, fmt.Errorf("decode reason codes: %w", err)
		}
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Signal{}, fmt.Errorf("parse underlying price: %w", err)
	}
	sig.UnderlyingPrice = price
	return sig, nil
}
