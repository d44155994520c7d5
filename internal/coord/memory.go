package coord

import (
	"context"
	"sort"
	"sync"
	"time"
)

const memoryPollInterval = 10 * time.Millisecond

type memHash struct {
	fields  map[string]string
	expires time.Time
}

type memLock struct {
	token   string
	expires time.Time
}

// Memory is an in-process Store for single-binary runs and tests.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	hashes map[string]memHash
	lists  map[string][]string
	zsets  map[string]map[string]float64
	locks  map[string]memLock
}

// NewMemory returns an empty store using the wall clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock returns an empty store whose expiries follow now.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		now:    now,
		hashes: make(map[string]memHash),
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
		locks:  make(map[string]memLock),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	if !h.expires.IsZero() && !m.now().Before(h.expires) {
		delete(m.hashes, key)
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HashSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok || (!h.expires.IsZero() && !m.now().Before(h.expires)) {
		h = memHash{fields: make(map[string]string)}
	}
	for k, v := range fields {
		h.fields[k] = v
	}
	if ttl > 0 {
		h.expires = m.now().Add(ttl)
	}
	m.hashes[key] = h
	return nil
}

// TTL returns the remaining lifetime of a hash, or zero when absent.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok || h.expires.IsZero() {
		return 0
	}
	return h.expires.Sub(m.now())
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.hashes, k)
		delete(m.lists, k)
		delete(m.zsets, k)
		delete(m.locks, k)
	}
	return nil
}

func (m *Memory) Push(_ context.Context, queue string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lists[queue] = append(m.lists[queue], values...)
	return nil
}

func (m *Memory) Pop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if v, ok := m.tryPop(queue); ok {
			return v, true, nil
		}
		if !time.Now().Before(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(memoryPollInterval):
		}
	}
}

func (m *Memory) tryPop(queue string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[queue]
	if len(list) == 0 {
		return "", false
	}
	v := list[0]
	m.lists[queue] = list[1:]
	return v, true
}

func (m *Memory) Replace(_ context.Context, queue string, values []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lists[queue] = append([]string(nil), values...)
	return nil
}

func (m *Memory) Len(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.lists[queue])), nil
}

func (m *Memory) ScheduleAdd(_ context.Context, key, member string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = float64(at.Unix())
	return nil
}

func (m *Memory) ScheduleDue(_ context.Context, key string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := float64(now.Unix())
	var due []string
	for member, score := range m.zsets[key] {
		if score >= 0 && score <= limit {
			due = append(due, member)
		}
	}
	set := m.zsets[key]
	sort.Slice(due, func(i, j int) bool {
		if set[due[i]] != set[due[j]] {
			return set[due[i]] < set[due[j]]
		}
		return due[i] < due[j]
	})
	return due, nil
}

func (m *Memory) ScheduleClaim(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.zsets[key]
	if _, ok := set[member]; !ok {
		return false, nil
	}
	delete(set, member)
	return true, nil
}

func (m *Memory) TryLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[key]; ok && m.now().Before(l.expires) {
		return false, nil
	}
	m.locks[key] = memLock{token: token, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *Memory) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[key]; ok && l.token == token {
		delete(m.locks, key)
	}
	return nil
}
