package app

import (
	"context"
	"errors"
	"strings"
)

// Enqueue pushes manual scan jobs onto the regular or discovery queue. A
// running scanner picks them up like any dispatched job.
func (a *App) Enqueue(ctx context.Context, opts EnqueueOptions) (int, error) {
	tickers := normalizeTickers(opts.Tickers)
	if len(tickers) == 0 {
		return 0, errors.New("at least one ticker is required")
	}

	if a.Config.Redis.Addr == "" {
		return 0, errors.New("redis.addr not configured; manual jobs need a shared queue")
	}
	cs, closeCoord, err := a.openCoord(ctx)
	if err != nil {
		return 0, err
	}
	defer closeCoord()

	queue := a.Config.Queues.Scan
	if opts.Discovery {
		queue = a.Config.Queues.Discovery
	}
	if err := cs.Push(ctx, queue, tickers...); err != nil {
		return 0, err
	}

	a.Logger.Info().Str("queue", queue).Strs("tickers", tickers).Msg("scan jobs enqueued")
	return len(tickers), nil
}

func normalizeTickers(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			t := strings.ToUpper(strings.TrimSpace(part))
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
