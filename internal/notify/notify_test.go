package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forward-factor-alerts/internal/coord"
	"forward-factor-alerts/internal/storage"
	"forward-factor-alerts/internal/usercfg"
)

type fakeSignals map[uuid.UUID]storage.Signal

func (f fakeSignals) GetSignal(_ context.Context, id uuid.UUID) (storage.Signal, error) {
	sig, ok := f[id]
	if !ok {
		return storage.Signal{}, storage.ErrNotFound
	}
	return sig, nil
}

type fakeUsers struct {
	subs      []storage.Recipient
	discovery []storage.Recipient
}

func (f *fakeUsers) ListSubscribers(context.Context, string) ([]storage.Recipient, error) {
	return f.subs, nil
}

func (f *fakeUsers) ListDiscoveryRecipients(context.Context) ([]storage.Recipient, error) {
	return f.discovery, nil
}

func (f *fakeUsers) all() []storage.Recipient {
	return append(append([]storage.Recipient{}, f.subs...), f.discovery...)
}

func (f *fakeUsers) GetRecipient(_ context.Context, id uuid.UUID) (storage.Recipient, error) {
	for _, r := range f.all() {
		if r.UserID == id {
			return r, nil
		}
	}
	return storage.Recipient{}, storage.ErrNotFound
}

func (f *fakeUsers) GetRecipientByChat(_ context.Context, chatID string) (storage.Recipient, error) {
	for _, r := range f.all() {
		if r.ChatID == chatID {
			return r, nil
		}
	}
	return storage.Recipient{}, storage.ErrNotFound
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	fail map[string]bool
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[msg.ChatID] {
		return errors.New("chat unreachable")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) chats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.ChatID)
	}
	return out
}

type fakeDecisions struct {
	records []storage.DecisionRecord
}

func (f *fakeDecisions) RecordDecision(_ context.Context, rec storage.DecisionRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func user(chat, settings string) storage.Recipient {
	r := storage.Recipient{UserID: uuid.New(), ChatID: chat}
	if settings != "" {
		r.Settings = json.RawMessage(settings)
	}
	return r
}

func testSignal(discovery bool) storage.Signal {
	return storage.Signal{
		ID:              uuid.New(),
		Ticker:          "SPY",
		AsOf:            time.Date(2025, 1, 21, 15, 0, 0, 0, time.UTC),
		FrontExpiry:     time.Date(2025, 2, 21, 0, 0, 0, 0, time.UTC),
		BackExpiry:      time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC),
		FrontDTE:        31,
		BackDTE:         59,
		FrontIV:         0.45,
		BackIV:          0.35,
		SigmaFwd:        0.2064,
		FF:              1.1828,
		VolPoint:        "ATM",
		UnderlyingPrice: decimal.RequireFromString("500.125"),
		Provider:        "polygon",
		IsDiscovery:     discovery,
	}
}

// noon UTC is 04:00 in Vancouver.
var noonUTC = time.Date(2025, 1, 21, 12, 0, 0, 0, time.UTC)

func newRouter(sig storage.Signal, users *fakeUsers, sender Sender) (*Router, *coord.Memory) {
	q := coord.NewMemory()
	r := NewRouter(RouterOptions{PopTimeout: 10 * time.Millisecond, IdleSleep: 5 * time.Millisecond, Defaults: usercfg.Default()},
		fakeSignals{sig.ID: sig}, users, sender, q, nil, zerolog.Nop())
	return r.WithClock(func() time.Time { return noonUTC }), q
}

func TestActionDataRoundTrip(t *testing.T) {
	id := uuid.New()
	action, got, err := ParseActionData(ActionData(ActionAccept, id))
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, action)
	assert.Equal(t, id, got)

	for _, bad := range []string{"", "accept", "delete:" + id.String(), "ignore:not-a-uuid"} {
		_, _, err := ParseActionData(bad)
		assert.ErrorIs(t, err, ErrInvalidAction, bad)
	}
}

func TestRenderSignal(t *testing.T) {
	text := RenderSignal(testSignal(false), noonUTC)
	assert.Contains(t, text, "Forward Factor Signal: SPY")
	assert.Contains(t, text, "Forward Factor: 118.28%")
	assert.Contains(t, text, "Front IV (31d): 45.00%")
	assert.Contains(t, text, "Front: 2025-02-21 (31 DTE)")
	assert.Contains(t, text, "Underlying: $500.13")
	assert.Contains(t, text, "2025-01-21 12:00 UTC")

	assert.Contains(t, RenderSignal(testSignal(true), noonUTC), "Discovery Signal: SPY")
}

func TestRenderReminderVariants(t *testing.T) {
	sig := testSignal(false)
	assert.Contains(t, RenderReminder(sig, ReminderOneDayBefore), "expires tomorrow")
	assert.Contains(t, RenderReminder(sig, ReminderExpiryDay), "EXPIRES TODAY")
	assert.Equal(t, "Reminder for SPY trade", RenderReminder(sig, "other"))

	sig.UnderlyingPrice = decimal.Zero
	assert.Contains(t, RenderReminder(sig, ReminderExpiryDay), "Underlying: N/A")
}

func TestDeliverFiltersAudience(t *testing.T) {
	sig := testSignal(false)
	users := &fakeUsers{subs: []storage.Recipient{
		user("plain", ""),
		user("sleeping", `{"quiet_hours": {"enabled": true, "start": "22:00", "end": "08:00"}}`),
		user("picky", `{"ff_threshold": 2.0}`),
		user("", ""),
		user("broken", `{"vol_point": "nope"}`),
	}}
	sender := &recordingSender{}
	r, _ := newRouter(sig, users, sender)

	report, err := r.Deliver(context.Background(), sig.ID.String())
	require.NoError(t, err)
	assert.Equal(t, Report{
		OutcomeSent:           1,
		OutcomeQuietHours:     1,
		OutcomeBelowThreshold: 1,
		OutcomeNoChat:         1,
		OutcomeInvalidConfig:  1,
	}, report)

	require.Equal(t, []string{"plain"}, sender.chats())
	msg := sender.sent[0]
	require.Len(t, msg.Buttons, 2)
	assert.Equal(t, "accept:"+sig.ID.String(), msg.Buttons[0].Data)
	assert.Equal(t, "ignore:"+sig.ID.String(), msg.Buttons[1].Data)
}

func TestDeliverDiscoveryAddsDiscoveryUsers(t *testing.T) {
	sub := user("sub", "")
	users := &fakeUsers{
		subs:      []storage.Recipient{sub},
		discovery: []storage.Recipient{sub, user("explorer", `{"discovery_mode": true}`)},
	}

	sender := &recordingSender{}
	r, _ := newRouter(testSignal(false), users, sender)
	_, err := r.Deliver(context.Background(), r.signals.(fakeSignals).any().ID.String())
	require.NoError(t, err)
	assert.Equal(t, []string{"sub"}, sender.chats())

	sender = &recordingSender{}
	r, _ = newRouter(testSignal(true), users, sender)
	_, err = r.Deliver(context.Background(), r.signals.(fakeSignals).any().ID.String())
	require.NoError(t, err)
	assert.Equal(t, []string{"sub", "explorer"}, sender.chats())
}

func (f fakeSignals) any() storage.Signal {
	for _, s := range f {
		return s
	}
	return storage.Signal{}
}

func TestDeliverIsolatesSendFailures(t *testing.T) {
	sig := testSignal(false)
	users := &fakeUsers{subs: []storage.Recipient{user("down", ""), user("up", "")}}
	sender := &recordingSender{fail: map[string]bool{"down": true}}
	r, _ := newRouter(sig, users, sender)

	report, err := r.Deliver(context.Background(), sig.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, report[OutcomeFailed])
	assert.Equal(t, []string{"up"}, sender.chats())
}

func TestDeliverMissingSignalIsDropped(t *testing.T) {
	r, _ := newRouter(testSignal(false), &fakeUsers{}, &recordingSender{})
	report, err := r.Deliver(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, report)

	_, err = r.Deliver(context.Background(), "garbage")
	assert.Error(t, err)
}

func TestRouterRunConsumesQueue(t *testing.T) {
	sig := testSignal(false)
	sender := &recordingSender{}
	r, q := newRouter(sig, &fakeUsers{subs: []storage.Recipient{user("chat", "")}}, sender)
	require.NoError(t, q.Push(context.Background(), "notification_queue", sig.ID.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, []string{"chat"}, sender.chats())
}

func newReminders(t *testing.T, sig storage.Signal, users *fakeUsers, sender Sender, now time.Time) (*Reminders, *coord.Memory) {
	t.Helper()
	mem := coord.NewMemory()
	rem, err := NewReminders(ReminderOptions{}, mem, fakeSignals{sig.ID: sig}, users, sender, nil, zerolog.Nop())
	require.NoError(t, err)
	return rem.WithClock(func() time.Time { return now }), mem
}

func TestReminderInstantsFollowMarketTime(t *testing.T) {
	rem, _ := newReminders(t, testSignal(false), &fakeUsers{}, &recordingSender{}, noonUTC)

	winter := rem.Instants(time.Date(2025, 2, 21, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 2, 20, 14, 30, 0, 0, time.UTC), winter[ReminderOneDayBefore])
	assert.Equal(t, time.Date(2025, 2, 21, 14, 30, 0, 0, time.UTC), winter[ReminderExpiryDay])

	summer := rem.Instants(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 6, 30, 13, 30, 0, 0, time.UTC), summer[ReminderOneDayBefore])
	assert.Equal(t, time.Date(2025, 7, 1, 13, 30, 0, 0, time.UTC), summer[ReminderExpiryDay])
}

func TestScheduleSkipsPastInstants(t *testing.T) {
	sig := testSignal(false)
	ctx := context.Background()

	rem, mem := newReminders(t, sig, &fakeUsers{}, &recordingSender{}, noonUTC)
	n, err := rem.Schedule(ctx, sig, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Between the two instants only the expiry-day reminder remains.
	rem, mem = newReminders(t, sig, &fakeUsers{}, &recordingSender{}, time.Date(2025, 2, 20, 20, 0, 0, 0, time.UTC))
	n, err = rem.Schedule(ctx, sig, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	due, err := mem.ScheduleDue(ctx, "reminder_queue", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, strings.Contains(due[0], `"type":"expiry_day"`))

	rem, _ = newReminders(t, sig, &fakeUsers{}, &recordingSender{}, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	n, err = rem.Schedule(ctx, sig, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFireDueSendsOnce(t *testing.T) {
	sig := testSignal(false)
	trader := user("trader", "")
	users := &fakeUsers{subs: []storage.Recipient{trader}}
	sender := &recordingSender{}
	ctx := context.Background()

	clock := noonUTC
	rem, _ := newReminders(t, sig, users, sender, noonUTC)
	rem.WithClock(func() time.Time { return clock })
	_, err := rem.Schedule(ctx, sig, trader.UserID)
	require.NoError(t, err)

	sent, err := rem.FireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent, "nothing due yet")

	clock = time.Date(2025, 2, 20, 15, 0, 0, 0, time.UTC)
	sent, err = rem.FireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	sent, err = rem.FireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent, "claimed reminders are not resent")

	clock = time.Date(2025, 2, 21, 15, 0, 0, 0, time.UTC)
	sent, err = rem.FireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Len(t, sender.sent, 2)
	assert.Contains(t, sender.sent[0].Text, "expires tomorrow")
	assert.Contains(t, sender.sent[1].Text, "EXPIRES TODAY")
	assert.Empty(t, sender.sent[0].Buttons)
}

func TestFireDueConcurrentPollersDeliverOnce(t *testing.T) {
	sig := testSignal(false)
	trader := user("trader", "")
	users := &fakeUsers{subs: []storage.Recipient{trader}}
	sender := &recordingSender{}
	ctx := context.Background()

	mem := coord.NewMemory()
	late := time.Date(2025, 2, 22, 0, 0, 0, 0, time.UTC)
	pollers := make([]*Reminders, 4)
	for i := range pollers {
		rem, err := NewReminders(ReminderOptions{}, mem, fakeSignals{sig.ID: sig}, users, sender, nil, zerolog.Nop())
		require.NoError(t, err)
		pollers[i] = rem.WithClock(func() time.Time { return noonUTC })
	}
	_, err := pollers[0].Schedule(ctx, sig, trader.UserID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, p := range pollers {
		wg.Add(1)
		go func(p *Reminders) {
			defer wg.Done()
			p.WithClock(func() time.Time { return late })
			_, _ = p.FireDue(ctx)
		}(p)
	}
	wg.Wait()
	assert.Len(t, sender.chats(), 2)
}

func TestFireDueDropsUnknownSignal(t *testing.T) {
	sig := testSignal(false)
	trader := user("trader", "")
	sender := &recordingSender{}
	ctx := context.Background()

	rem, mem := newReminders(t, sig, &fakeUsers{subs: []storage.Recipient{trader}}, sender, noonUTC)
	other := testSignal(false)
	_, err := rem.Schedule(ctx, other, trader.UserID)
	require.NoError(t, err)

	rem.WithClock(func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) })
	sent, err := rem.FireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, sender.sent)
	left, _ := mem.ScheduleDue(ctx, "reminder_queue", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Empty(t, left)
}

func TestActionHandlerAcceptSchedulesReminders(t *testing.T) {
	sig := testSignal(false)
	trader := user("trader", "")
	users := &fakeUsers{subs: []storage.Recipient{trader}}
	decisions := &fakeDecisions{}
	rem, mem := newReminders(t, sig, users, &recordingSender{}, noonUTC)
	h := NewActionHandler(users, fakeSignals{sig.ID: sig}, decisions, rem, zerolog.Nop())

	decision, err := h.Handle(context.Background(), ActionEvent{ChatID: "trader", Data: ActionData(ActionAccept, sig.ID), ReceivedAt: noonUTC})
	require.NoError(t, err)
	assert.Equal(t, storage.DecisionPlaced, decision)

	require.Len(t, decisions.records, 1)
	rec := decisions.records[0]
	assert.Equal(t, sig.ID, rec.SignalID)
	assert.Equal(t, trader.UserID, rec.UserID)
	assert.Equal(t, "trader", rec.Metadata["chat_id"])
	assert.Equal(t, noonUTC, rec.DecidedAt)

	due, _ := mem.ScheduleDue(context.Background(), "reminder_queue", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Len(t, due, 2)
}

func TestActionHandlerIgnoreAndUnknownChat(t *testing.T) {
	sig := testSignal(false)
	users := &fakeUsers{subs: []storage.Recipient{user("trader", "")}}
	decisions := &fakeDecisions{}
	rem, mem := newReminders(t, sig, users, &recordingSender{}, noonUTC)
	h := NewActionHandler(users, fakeSignals{sig.ID: sig}, decisions, rem, zerolog.Nop())

	decision, err := h.Handle(context.Background(), ActionEvent{ChatID: "trader", Data: ActionData(ActionIgnore, sig.ID)})
	require.NoError(t, err)
	assert.Equal(t, storage.DecisionIgnored, decision)
	due, _ := mem.ScheduleDue(context.Background(), "reminder_queue", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Empty(t, due)

	_, err = h.Handle(context.Background(), ActionEvent{ChatID: "stranger", Data: ActionData(ActionAccept, sig.ID)})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = h.Handle(context.Background(), ActionEvent{ChatID: "trader", Data: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidAction)
	assert.Len(t, decisions.records, 1)
}
