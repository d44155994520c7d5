// Package coord provides the shared coordination primitives used across
// processes: TTL'd hashes, FIFO work queues, time-ordered schedules and
// short-lived exclusive locks.
package coord

import (
	"context"
	"time"
)

// Hashes stores small field maps with an expiry.
type Hashes interface {
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Queues is a set of named FIFO lists. Push appends at the head and Pop takes
// from the tail, so values leave in the order they were pushed.
type Queues interface {
	Push(ctx context.Context, queue string, values ...string) error
	// Pop blocks up to timeout and reports false when nothing arrived.
	Pop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error)
	// Replace atomically swaps the queue contents for values.
	Replace(ctx context.Context, queue string, values []string) error
	Len(ctx context.Context, queue string) (int64, error)
}

// Schedules is a set of members ordered by a unix-seconds score.
type Schedules interface {
	ScheduleAdd(ctx context.Context, key, member string, at time.Time) error
	ScheduleDue(ctx context.Context, key string, now time.Time) ([]string, error)
	// ScheduleClaim removes member and reports whether this caller removed it.
	ScheduleClaim(ctx context.Context, key, member string) (bool, error)
}

// Locker grants exclusive, expiring ownership of a key to a token holder.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Unlock releases key only while token still owns it.
	Unlock(ctx context.Context, key, token string) error
}

// Store bundles every coordination primitive.
type Store interface {
	Hashes
	Queues
	Schedules
	Locker
	Ping(ctx context.Context) error
}
