// Package scanner consumes scan jobs, evaluates option chains for every
// interested recipient, and turns debounced candidates into persisted signals
// and notification jobs.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/coord"
	"forward-factor-alerts/internal/engine"
	"forward-factor-alerts/internal/fetcher"
	"forward-factor-alerts/internal/metrics"
	"forward-factor-alerts/internal/stability"
	"forward-factor-alerts/internal/storage"
	"forward-factor-alerts/internal/usercfg"
)

// Job sources, used for metrics and logging.
const (
	SourceRegular   = "regular"
	SourceDiscovery = "discovery"
)

// PlanInsufficientHint explains an entitlement failure to the operator.
const PlanInsufficientHint = "market data plan lacks options snapshot access; upgrade the provider plan or replace provider.api_key"

// Job is one ticker popped from a scan queue.
type Job struct {
	Ticker    string
	Discovery bool
}

// Source names the queue the job came from.
func (j Job) Source() string {
	if j.Discovery {
		return SourceDiscovery
	}
	return SourceRegular
}

// Recipients resolves who a ticker's scan is evaluated for.
type Recipients interface {
	ListSubscribers(ctx context.Context, ticker string) ([]storage.Recipient, error)
	ListDiscoveryRecipients(ctx context.Context) ([]storage.Recipient, error)
}

// Signals persists debounced candidates.
type Signals interface {
	InsertSignal(ctx context.Context, sig storage.Signal) (bool, error)
}

// ScanRecorder stamps the registry after each scan.
type ScanRecorder interface {
	TouchTickerScanned(ctx context.Context, ticker string, at time.Time) error
}

// Checker is the stability gate. One observation is recorded per call and
// judged against each policy.
type Checker interface {
	CheckAll(ctx context.Context, obs stability.Observation, policies []stability.Policy) ([]stability.Decision, error)
}

// Options configure queue names and polling.
type Options struct {
	ScanQueue         string
	DiscoveryQueue    string
	NotificationQueue string
	PopTimeout        time.Duration
	IdleSleep         time.Duration
	Concurrency       int
	Defaults          usercfg.SignalConfig
}

// Result summarises one ticker scan.
type Result struct {
	Recipients int
	Candidates int
	Alerts     int
	Inserted   int
}

// Worker runs the scan loop.
type Worker struct {
	opts       Options
	provider   fetcher.ChainProvider
	recipients Recipients
	signals    Signals
	registry   ScanRecorder
	tracker    Checker
	queues     coord.Queues
	now        func() time.Time
	metrics    *metrics.Registry
	logger     zerolog.Logger
}

// NewWorker constructs a scan worker.
func NewWorker(opts Options, provider fetcher.ChainProvider, recipients Recipients, signals Signals, registry ScanRecorder, tracker Checker, queues coord.Queues, m *metrics.Registry, logger zerolog.Logger) *Worker {
	if opts.ScanQueue == "" {
		opts.ScanQueue = "scan_queue"
	}
	if opts.DiscoveryQueue == "" {
		opts.DiscoveryQueue = "discovery_queue"
	}
	if opts.NotificationQueue == "" {
		opts.NotificationQueue = "notification_queue"
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = time.Second
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Worker{
		opts:       opts,
		provider:   provider,
		recipients: recipients,
		signals:    signals,
		registry:   registry,
		tracker:    tracker,
		queues:     queues,
		now:        time.Now,
		metrics:    m,
		logger:     logger.With().Str("component", "scan_worker").Logger(),
	}
}

// Run starts Concurrency independent loops and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Int("concurrency", w.opts.Concurrency).
		Str("scan_queue", w.opts.ScanQueue).
		Str("discovery_queue", w.opts.DiscoveryQueue).
		Msg("scan worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error { return w.loop(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, ok, err := w.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error().Err(err).Msg("pop scan job failed")
			if err := sleepCtx(ctx, w.opts.IdleSleep); err != nil {
				return err
			}
			continue
		}
		if !ok {
			if err := sleepCtx(ctx, w.opts.IdleSleep); err != nil {
				return err
			}
			continue
		}

		if _, err := w.ScanTicker(ctx, job); err != nil {
			w.logger.Error().Err(err).Str("ticker", job.Ticker).Str("source", job.Source()).Msg("scan failed")
		}
	}
}

// next pops from the regular queue first and falls back to discovery.
func (w *Worker) next(ctx context.Context) (Job, bool, error) {
	ticker, ok, err := w.queues.Pop(ctx, w.opts.ScanQueue, w.opts.PopTimeout)
	if err != nil {
		return Job{}, false, fmt.Errorf("pop %s: %w", w.opts.ScanQueue, err)
	}
	if ok {
		return Job{Ticker: ticker}, true, nil
	}

	ticker, ok, err = w.queues.Pop(ctx, w.opts.DiscoveryQueue, w.opts.PopTimeout)
	if err != nil {
		return Job{}, false, fmt.Errorf("pop %s: %w", w.opts.DiscoveryQueue, err)
	}
	if ok {
		return Job{Ticker: ticker, Discovery: true}, true, nil
	}
	return Job{}, false, nil
}

type audienceMember struct {
	recipient     storage.Recipient
	discoveryOnly bool
}

type pairKey struct {
	front, back string
}

// interest is one recipient's candidate for a calendar pair.
type interest struct {
	member    audienceMember
	candidate engine.Candidate
	policy    stability.Policy
}

// ScanTicker fetches one snapshot and evaluates it for every recipient.
// Failures for one recipient or candidate are logged and do not stop the
// others. Each calendar pair is observed by the tracker once per scan and
// judged against the debounce settings of every recipient interested in it.
func (w *Worker) ScanTicker(ctx context.Context, job Job) (Result, error) {
	start := w.now()
	ticker := strings.ToUpper(strings.TrimSpace(job.Ticker))
	log := w.logger.With().Str("ticker", ticker).Str("source", job.Source()).Logger()

	var res Result
	outcome := "ok"
	defer func() { w.metrics.ScanFinished(job.Source(), outcome, w.now().Sub(start)) }()

	if ticker == "" {
		outcome = "invalid"
		return res, errors.New("empty ticker")
	}

	audience, err := w.audience(ctx, ticker, job.Discovery)
	if err != nil {
		outcome = "error"
		return res, err
	}
	res.Recipients = len(audience)
	if len(audience) == 0 {
		outcome = "no_recipients"
		log.Debug().Msg("no recipients; skipping fetch")
		return res, nil
	}

	snap, err := w.provider.Snapshot(ctx, ticker)
	if err != nil {
		outcome = "provider_error"
		if errors.Is(err, fetcher.ErrPlanInsufficient) {
			outcome = "plan_insufficient"
			log.Error().Err(err).Str("hint", PlanInsufficientHint).Msg("provider plan does not cover option snapshots")
			return res, fmt.Errorf("%s: %w", PlanInsufficientHint, err)
		}
		return res, fmt.Errorf("fetch snapshot: %w", err)
	}

	pairs := make(map[pairKey][]interest)
	var order []pairKey
	for _, member := range audience {
		for _, in := range w.evaluateRecipient(log, snap, member) {
			key := pairKey{in.candidate.Front.Expiry.Format(chain.DateLayout), in.candidate.Back.Expiry.Format(chain.DateLayout)}
			if _, ok := pairs[key]; !ok {
				order = append(order, key)
			}
			pairs[key] = append(pairs[key], in)
			res.Candidates++
		}
	}
	w.metrics.CandidatesFound(res.Candidates)

	for _, key := range order {
		w.decidePair(ctx, log, key, pairs[key], &res)
	}

	if err := w.registry.TouchTickerScanned(ctx, ticker, w.now().UTC()); err != nil {
		log.Warn().Err(err).Msg("update last scan time failed")
	}

	log.Info().
		Int("recipients", res.Recipients).
		Int("candidates", res.Candidates).
		Int("alerts", res.Alerts).
		Int("inserted", res.Inserted).
		Dur("elapsed", w.now().Sub(start)).
		Msg("ticker scanned")
	return res, nil
}

// audience returns active subscribers followed by discovery-mode users not
// already subscribed. Discovery users are only included for discovery jobs.
func (w *Worker) audience(ctx context.Context, ticker string, discovery bool) ([]audienceMember, error) {
	subs, err := w.recipients.ListSubscribers(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	out := make([]audienceMember, 0, len(subs))
	seen := make(map[string]struct{}, len(subs))
	for _, r := range subs {
		seen[r.UserID.String()] = struct{}{}
		out = append(out, audienceMember{recipient: r})
	}
	if !discovery {
		return out, nil
	}

	extra, err := w.recipients.ListDiscoveryRecipients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list discovery recipients: %w", err)
	}
	for _, r := range extra {
		if _, ok := seen[r.UserID.String()]; ok {
			continue
		}
		seen[r.UserID.String()] = struct{}{}
		out = append(out, audienceMember{recipient: r, discoveryOnly: true})
	}
	return out, nil
}

func (w *Worker) evaluateRecipient(log zerolog.Logger, snap *chain.Snapshot, member audienceMember) []interest {
	rlog := log.With().Str("user_id", member.recipient.UserID.String()).Logger()

	cfg, err := member.recipient.Config(w.opts.Defaults)
	if err != nil {
		rlog.Warn().Err(err).Msg("invalid user settings; skipping recipient")
		return nil
	}

	eval := engine.Evaluate(snap, cfg)
	for _, rej := range eval.Rejections {
		rlog.Debug().
			Str("front", rej.FrontExpiry.Format(chain.DateLayout)).
			Str("back", rej.BackExpiry.Format(chain.DateLayout)).
			Str("reason", rej.Reason).
			Strs("codes", rej.ReasonCodes).
			Msg("pair rejected")
	}

	policy := stability.Policy{
		RequiredScans: cfg.StabilityScans,
		Cooldown:      cfg.Cooldown(),
		MinDelta:      cfg.DeltaFFMin,
	}
	out := make([]interest, 0, len(eval.Candidates))
	for _, c := range eval.Candidates {
		out = append(out, interest{member: member, candidate: c, policy: policy})
	}
	return out
}

// decidePair records one observation for the pair and persists a signal when
// any interested recipient's policy authorises it. The signal is a discovery
// signal only when no authorising recipient subscribes to the ticker.
func (w *Worker) decidePair(ctx context.Context, log zerolog.Logger, key pairKey, list []interest, res *Result) {
	plog := log.With().Str("front", key.front).Str("back", key.back).Logger()

	policies := make([]stability.Policy, len(list))
	for i, in := range list {
		policies[i] = in.policy
	}
	first := list[0].candidate
	decisions, err := w.tracker.CheckAll(ctx, stability.Observation{
		Ticker:      first.Ticker,
		FrontExpiry: first.Front.Expiry,
		BackExpiry:  first.Back.Expiry,
		FF:          first.FF,
	}, policies)
	if err != nil {
		plog.Error().Err(err).Msg("stability check failed")
		return
	}

	var winner *interest
	for i, d := range decisions {
		if !d.Alert {
			plog.Debug().
				Str("user_id", list[i].member.recipient.UserID.String()).
				Str("reason", d.Reason).
				Int("count", d.Count).
				Msg("candidate held back")
			continue
		}
		if winner == nil || (winner.member.discoveryOnly && !list[i].member.discoveryOnly) {
			winner = &list[i]
		}
	}
	if winner == nil {
		return
	}
	res.Alerts++

	c := winner.candidate
	sig := storage.NewSignal(c, winner.member.discoveryOnly)
	inserted, err := w.signals.InsertSignal(ctx, sig)
	w.metrics.SignalInsert(inserted)
	if err != nil {
		plog.Error().Err(err).Msg("persist signal failed")
		return
	}
	if !inserted {
		plog.Debug().Str("dedupe_key", sig.DedupeKey).Msg("signal already recorded today")
		return
	}
	res.Inserted++

	if err := w.queues.Push(ctx, w.opts.NotificationQueue, sig.ID.String()); err != nil {
		plog.Error().Err(err).Str("signal_id", sig.ID.String()).Msg("enqueue notification failed")
		return
	}
	w.metrics.Enqueued(w.opts.NotificationQueue, 1)
	plog.Info().
		Str("signal_id", sig.ID.String()).
		Str("user_id", winner.member.recipient.UserID.String()).
		Float64("ff", c.FF).
		Bool("discovery", sig.IsDiscovery).
		Msg("signal created")
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
