package stability

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/coord"
	"forward-factor-alerts/internal/metrics"
)

// Reasons returned with every decision.
const (
	ReasonFirstScan  = "first_scan"
	ReasonStable     = "stable"
	ReasonLockFailed = "lock_failed"
)

const (
	fieldLastFF      = "last_ff"
	fieldCount       = "consecutive_count"
	fieldLastAlertTS = "last_alert_ts"
	fieldFirstSeen   = "first_seen"

	releaseTimeout = 2 * time.Second
)

// Store is the slice of the coordination store the tracker needs.
type Store interface {
	coord.Hashes
	coord.Locker
}

// Observation is one freshly computed FF value for a calendar pair.
type Observation struct {
	Ticker      string
	FrontExpiry time.Time
	BackExpiry  time.Time
	FF          float64
}

// Policy carries the recipient's debounce settings.
type Policy struct {
	RequiredScans int
	Cooldown      time.Duration
	MinDelta      float64
}

// Decision is the tracker's verdict for one observation.
type Decision struct {
	Alert  bool
	Reason string
	Count  int
}

// Options tune locking and state retention.
type Options struct {
	StateTTL     time.Duration
	LockTTL      time.Duration
	LockAttempts int
	LockRetry    time.Duration
}

// Tracker debounces candidates across scans so only persistent anomalies alert.
type Tracker struct {
	store   Store
	opts    Options
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	metrics *metrics.Registry
	logger  zerolog.Logger
}

// New constructs a tracker backed by store.
func New(store Store, opts Options, m *metrics.Registry, logger zerolog.Logger) *Tracker {
	if opts.StateTTL <= 0 {
		opts.StateTTL = 24 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Second
	}
	if opts.LockAttempts <= 0 {
		opts.LockAttempts = 20
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = 50 * time.Millisecond
	}
	return &Tracker{
		store:   store,
		opts:    opts,
		now:     time.Now,
		sleep:   sleepCtx,
		metrics: m,
		logger:  logger.With().Str("component", "stability").Logger(),
	}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Key returns the state key for a calendar pair. Expiry dates are used rather
// than DTE so the key survives the daily DTE roll.
func Key(ticker string, front, back time.Time) string {
	return fmt.Sprintf("stability:%s:%s:%s",
		strings.ToUpper(ticker), front.Format(chain.DateLayout), back.Format(chain.DateLayout))
}

// Check records obs and decides whether it may alert under policy.
func (t *Tracker) Check(ctx context.Context, obs Observation, policy Policy) (Decision, error) {
	decisions, err := t.CheckAll(ctx, obs, []Policy{policy})
	if err != nil {
		return Decision{}, err
	}
	return decisions[0], nil
}

// CheckAll records obs once and judges it against every policy in turn, so
// recipients sharing a calendar pair keep their own debounce settings without
// each of them advancing the streak. Decisions are returned in policy order.
// When any policy authorises an alert the pair's alert time is stamped once.
func (t *Tracker) CheckAll(ctx context.Context, obs Observation, policies []Policy) ([]Decision, error) {
	if len(policies) == 0 {
		return nil, nil
	}
	key := Key(obs.Ticker, obs.FrontExpiry, obs.BackExpiry)
	lockKey := "lock:" + key
	token := uuid.NewString()

	acquired, err := t.acquire(ctx, lockKey, token)
	if err != nil {
		return nil, err
	}
	if !acquired {
		t.logger.Warn().Str("key", key).Msg("stability lock not acquired")
		t.metrics.StabilityDecision(ReasonLockFailed)
		out := make([]Decision, len(policies))
		for i := range out {
			out[i] = Decision{Alert: false, Reason: ReasonLockFailed}
		}
		return out, nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := t.store.Unlock(relCtx, lockKey, token); err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("release stability lock")
		}
	}()

	decisions, err := t.transition(ctx, key, obs.FF, policies)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		t.metrics.StabilityDecision(reasonClass(d.Reason))
		t.logger.Debug().
			Str("key", key).
			Float64("ff", obs.FF).
			Bool("alert", d.Alert).
			Int("count", d.Count).
			Str("reason", d.Reason).
			Msg("stability checked")
	}
	return decisions, nil
}

func (t *Tracker) acquire(ctx context.Context, key, token string) (bool, error) {
	for attempt := 1; attempt <= t.opts.LockAttempts; attempt++ {
		ok, err := t.store.TryLock(ctx, key, token, t.opts.LockTTL)
		if err != nil {
			return false, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return true, nil
		}
		if attempt == t.opts.LockAttempts {
			break
		}
		if err := t.sleep(ctx, t.opts.LockRetry); err != nil {
			return false, err
		}
	}
	return false, nil
}

// pairState is the persisted streak as read before the current observation.
type pairState struct {
	lastFF    float64
	count     int
	lastAlert time.Time
	hasAlert  bool
}

func (t *Tracker) transition(ctx context.Context, key string, ff float64, policies []Policy) ([]Decision, error) {
	raw, err := t.store.HashGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load stability state: %w", err)
	}
	now := t.now().UTC()
	ffStr := strconv.FormatFloat(ff, 'f', -1, 64)
	decisions := make([]Decision, len(policies))

	if len(raw) == 0 {
		fields := map[string]string{
			fieldLastFF:      ffStr,
			fieldCount:       "1",
			fieldLastAlertTS: "",
			fieldFirstSeen:   now.Format(time.RFC3339Nano),
		}
		if err := t.store.HashSet(ctx, key, fields, t.opts.StateTTL); err != nil {
			return nil, fmt.Errorf("save stability state: %w", err)
		}
		for i := range decisions {
			decisions[i] = Decision{Alert: false, Reason: ReasonFirstScan, Count: 1}
		}
		return decisions, nil
	}

	state := pairState{}
	state.lastFF, _ = strconv.ParseFloat(raw[fieldLastFF], 64)
	state.count, _ = strconv.Atoi(raw[fieldCount])
	if v := raw[fieldLastAlertTS]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			state.lastAlert, state.hasAlert = ts, true
		} else {
			t.logger.Warn().Str("key", key).Str("value", v).Msg("unparseable last alert timestamp; ignoring")
		}
	}
	count := state.count + 1

	alert := false
	for i, p := range policies {
		decisions[i] = decide(state, count, ff, now, p)
		alert = alert || decisions[i].Alert
	}

	update := map[string]string{
		fieldLastFF: ffStr,
		fieldCount:  strconv.Itoa(count),
	}
	if alert {
		update[fieldLastAlertTS] = now.Format(time.RFC3339Nano)
	}
	if err := t.store.HashSet(ctx, key, update, t.opts.StateTTL); err != nil {
		return nil, fmt.Errorf("save stability state: %w", err)
	}
	return decisions, nil
}

// decide applies one policy to the stored state. Cooldown and the FF delta
// only apply once the pair has alerted; the scan count applies always.
func decide(state pairState, count int, ff float64, now time.Time, policy Policy) Decision {
	if state.hasAlert {
		elapsed := now.Sub(state.lastAlert)
		if elapsed < policy.Cooldown {
			return Decision{Reason: fmt.Sprintf("cooldown_%.1fmin", elapsed.Minutes()), Count: count}
		}
		if delta := ff - state.lastFF; delta < policy.MinDelta {
			return Decision{Reason: fmt.Sprintf("ff_delta_too_small_%.4f", delta), Count: count}
		}
	}
	if count < policy.RequiredScans {
		return Decision{Reason: fmt.Sprintf("need_%d_scans", policy.RequiredScans), Count: count}
	}
	return Decision{Alert: true, Reason: ReasonStable, Count: count}
}

// Reset unconditionally removes the state for a calendar pair.
func (t *Tracker) Reset(ctx context.Context, ticker string, front, back time.Time) error {
	key := Key(ticker, front, back)
	if err := t.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	t.logger.Info().Str("key", key).Msg("stability state reset")
	return nil
}

func reasonClass(reason string) string {
	switch {
	case strings.HasPrefix(reason, "cooldown_"):
		return "cooldown"
	case strings.HasPrefix(reason, "ff_delta_too_small_"):
		return "ff_delta_too_small"
	case strings.HasPrefix(reason, "need_"):
		return "need_scans"
	default:
		return reason
	}
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
