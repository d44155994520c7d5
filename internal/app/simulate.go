package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"forward-factor-alerts/internal/alerting"
	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/coord"
	"forward-factor-alerts/internal/engine"
	"forward-factor-alerts/internal/metrics"
	"forward-factor-alerts/internal/notify"
	"forward-factor-alerts/internal/scanner"
	"forward-factor-alerts/internal/storage"
	"forward-factor-alerts/internal/usercfg"
)

// SimulationStep is the outcome of one simulated scan.
type SimulationStep struct {
	FrontIV   float64
	BackIV    float64
	FF        float64
	Result    scanner.Result
	Delivered int
}

// Simulate replays a synthetic option chain through the scan worker, the
// stability tracker and the notification router, all backed by in-process
// stores. Alerts are written to the log instead of Telegram.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) ([]SimulationStep, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ticker := strings.ToUpper(opts.Ticker)

	cfg := a.Config.Defaults
	cfg.FFThreshold = 0
	cfg.DTEPairs = []usercfg.DTEPair{{Front: opts.FrontDTE, Back: opts.BackDTE}}
	settings, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	mem := newSimStore(storage.Recipient{
		UserID:   uuid.New(),
		ChatID:   "simulated",
		Settings: settings,
	})
	queue := a.Config.Queues.Notification
	if queue == "" {
		queue = "notification_queue"
	}
	cs := coord.NewMemory()
	m := metrics.New()
	provider := &syntheticChain{opts: opts}

	worker := scanner.NewWorker(scanner.Options{
		NotificationQueue: queue,
		Defaults:          a.Config.Defaults,
	}, provider, mem, mem, mem, a.newTracker(cs, m), cs, m, a.Logger)
	router := notify.NewRouter(notify.RouterOptions{
		Queue:    queue,
		Defaults: a.Config.Defaults,
	}, mem, mem, alerting.NewLogSender(a.Logger), cs, m, a.Logger)

	steps := make([]SimulationStep, 0, opts.Scans)
	for i := 0; i < opts.Scans; i++ {
		provider.setScan(i)
		res, err := worker.ScanTicker(ctx, scanner.Job{Ticker: ticker})
		if err != nil {
			return steps, fmt.Errorf("scan %d: %w", i+1, err)
		}

		delivered := 0
		for {
			id, ok, err := cs.Pop(ctx, queue, 0)
			if err != nil {
				return steps, err
			}
			if !ok {
				break
			}
			report, err := router.Deliver(ctx, id)
			if err != nil {
				return steps, err
			}
			delivered += report[notify.OutcomeSent]
		}

		frontIV, backIV := provider.ivs(i)
		ff, _ := engine.ForwardFactor(frontIV, opts.FrontDTE, backIV, opts.BackDTE)
		step := SimulationStep{FrontIV: frontIV, BackIV: backIV, FF: ff, Result: res, Delivered: delivered}
		steps = append(steps, step)
		fmt.Fprintf(a.Out, "scan %d: front_iv=%.2f%% back_iv=%.2f%% ff=%.2f%% candidates=%d alerts=%d inserted=%d delivered=%d\n",
			i+1, frontIV*100, backIV*100, ff*100, res.Candidates, res.Alerts, res.Inserted, delivered)
	}
	return steps, nil
}

func (o SimulateOptions) validate() error {
	switch {
	case strings.TrimSpace(o.Ticker) == "":
		return errors.New("ticker is required")
	case o.Price <= 0:
		return errors.New("price must be positive")
	case o.FrontDTE <= 0 || o.BackDTE <= o.FrontDTE:
		return errors.New("back dte must exceed a positive front dte")
	case o.FrontIV <= 0 || o.BackIV <= 0:
		return errors.New("implied vols must be positive")
	case o.Scans <= 0:
		return errors.New("scans must be positive")
	}
	return nil
}

// syntheticChain serves a liquid two-expiry chain whose front IV moves by
// Drift on every scan.
type syntheticChain struct {
	mu   sync.Mutex
	opts SimulateOptions
	scan int
}

func (s *syntheticChain) setScan(i int) {
	s.mu.Lock()
	s.scan = i
	s.mu.Unlock()
}

func (s *syntheticChain) ivs(i int) (float64, float64) {
	return s.opts.FrontIV + s.opts.Drift*float64(i), s.opts.BackIV
}

func (s *syntheticChain) Snapshot(_ context.Context, ticker string) (*chain.Snapshot, error) {
	s.mu.Lock()
	scan := s.scan
	s.mu.Unlock()

	now := time.Now().UTC()
	frontIV, backIV := s.ivs(scan)
	return &chain.Snapshot{
		Ticker:          ticker,
		AsOf:            now,
		UnderlyingPrice: s.opts.Price,
		Provider:        "synthetic",
		Expiries: []chain.ExpirySlice{
			s.slice(now, s.opts.FrontDTE, frontIV),
			s.slice(now, s.opts.BackDTE, backIV),
		},
	}, nil
}

func (s *syntheticChain) slice(now time.Time, dte int, iv float64) chain.ExpirySlice {
	day := now.In(chain.MarketLocation()).AddDate(0, 0, dte)
	exp := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	out := chain.ExpirySlice{Expiry: exp, DTE: dte}

	price := s.opts.Price
	for _, k := range []float64{0.95, 1.0, 1.05} {
		strike := math.Round(price*k*100) / 100
		callDelta := 0.5 - (k-1)*5
		for _, leg := range []struct {
			typ   chain.OptionType
			delta float64
		}{{chain.Call, callDelta}, {chain.Put, callDelta - 1}} {
			bid, ask := price*0.02, price*0.0204
			vol, oi, ivCopy, delta := int64(500), int64(2000), iv, leg.delta
			out.Contracts = append(out.Contracts, chain.Contract{
				Symbol:       fmt.Sprintf("O:SIM%s%s%.0f", exp.Format("060102"), strings.ToUpper(string(leg.typ[:1])), strike*1000),
				Strike:       strike,
				Expiry:       exp,
				Type:         leg.typ,
				Bid:          &bid,
				Ask:          &ask,
				Volume:       &vol,
				OpenInterest: &oi,
				IV:           &ivCopy,
				Delta:        &delta,
			})
		}
	}
	return out
}

// simStore keeps signals and the single simulated recipient in memory.
type simStore struct {
	mu        sync.Mutex
	recipient storage.Recipient
	signals   map[uuid.UUID]storage.Signal
	keys      map[string]struct{}
}

func newSimStore(r storage.Recipient) *simStore {
	return &simStore{
		recipient: r,
		signals:   make(map[uuid.UUID]storage.Signal),
		keys:      make(map[string]struct{}),
	}
}

func (s *simStore) ListSubscribers(context.Context, string) ([]storage.Recipient, error) {
	return []storage.Recipient{s.recipient}, nil
}

func (s *simStore) ListDiscoveryRecipients(context.Context) ([]storage.Recipient, error) {
	return nil, nil
}

func (s *simStore) InsertSignal(_ context.Context, sig storage.Signal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.keys[sig.DedupeKey]; dup {
		return false, nil
	}
	s.keys[sig.DedupeKey] = struct{}{}
	s.signals[sig.ID] = sig
	return true, nil
}

func (s *simStore) GetSignal(_ context.Context, id uuid.UUID) (storage.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return storage.Signal{}, storage.ErrNotFound
	}
	return sig, nil
}

func (s *simStore) TouchTickerScanned(context.Context, string, time.Time) error { return nil }
