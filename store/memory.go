package store

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/nhalm/limitkit"
	"github.com/nhalm/limitkit/cache"
)

type limitEntry struct {
	// registered is false for entries created only to index counters of a
	// limit that was never added.
	registered bool
	counters   map[limitkit.Counter]struct{}
}

// Memory is the in-process implementation of limitkit.Storage.
//
// Counter values live in a lazily expiring cache keyed by Counter. A
// namespace index (namespace -> limit -> counters) lets DeleteLimit and
// DeleteLimits purge counters without scanning the whole cache.
//
// State is local to the process and is not shared across instances. Use
// the Redis store when several instances must enforce one global limit.
type Memory struct {
	mu       sync.RWMutex
	counters *cache.Cache[limitkit.Counter, int64]
	limits   map[string]map[limitkit.Limit]*limitEntry
	clock    limitkit.Clock
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// MemoryWithClock sets the clock used for expiry. Defaults to the wall clock.
func MemoryWithClock(clock limitkit.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

// NewMemory creates an empty in-memory store.
//
// Memory starts no goroutines. Expired counters are ignored on read and
// replaced on write; call PurgeExpired periodically to reclaim their memory.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		counters: cache.New[limitkit.Counter, int64](),
		limits:   make(map[string]map[limitkit.Limit]*limitEntry),
		clock:    limitkit.SystemClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddLimit registers limit. Adding a limit that is already registered keeps
// the counters already associated with it.
func (m *Memory) AddLimit(_ context.Context, limit limitkit.Limit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry(limit).registered = true
	return nil
}

// GetLimits returns the limits registered for namespace.
func (m *Memory) GetLimits(_ context.Context, namespace string) ([]limitkit.Limit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limits := make([]limitkit.Limit, 0, len(m.limits[namespace]))
	for l, e := range m.limits[namespace] {
		if e.registered {
			limits = append(limits, l)
		}
	}
	return limits, nil
}

// DeleteLimit removes the counters of limit from the cache, then the limit.
func (m *Memory) DeleteLimit(_ context.Context, limit limitkit.Limit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byLimit := m.limits[limit.Namespace()]
	if e, ok := byLimit[limit]; ok {
		for c := range e.counters {
			m.counters.Remove(c)
		}
		delete(byLimit, limit)
	}
	if len(byLimit) == 0 {
		delete(m.limits, limit.Namespace())
	}
	return nil
}

// DeleteLimits removes every counter and limit of namespace.
func (m *Memory) DeleteLimits(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.limits[namespace] {
		for c := range e.counters {
			m.counters.Remove(c)
		}
	}
	delete(m.limits, namespace)
	return nil
}

// IsWithinLimits reports whether delta can be consumed from counter.
// A counter with no live entry has its full capacity available.
func (m *Memory) IsWithinLimits(_ context.Context, counter limitkit.Counter, delta uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, _ := m.current(counter)
	return consume(value, delta) >= 0, nil
}

// UpdateCounter consumes delta from counter. When the counter has no live
// entry a new window starts at max_value - delta. The stored value has no
// floor: usage past the limit is kept until the window resets.
func (m *Memory) UpdateCounter(_ context.Context, counter limitkit.Counter, delta uint64) (limitkit.CounterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.update(counter, delta), nil
}

// CheckAndUpdate consumes delta from every counter unless one of them
// would go below zero, in which case nothing changes and the first such
// counter is reported.
func (m *Memory) CheckAndUpdate(_ context.Context, counters []limitkit.Counter, delta uint64) ([]limitkit.CounterState, limitkit.Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	states := make([]limitkit.CounterState, len(counters))
	var auth limitkit.Authorization

	for i, c := range counters {
		value, expiresAt := m.current(c)
		after := consume(value, delta)
		states[i] = limitkit.CounterState{
			Remaining: clampRemaining(after),
			ExpiresIn: max(0, expiresAt.Sub(now)),
			Exceeded:  after < 0,
		}
		if !auth.Limited && after < 0 {
			auth = limitkit.Limited(c.Limit().Name())
		}
	}
	if auth.Limited {
		return states, auth, nil
	}

	for i, c := range counters {
		states[i] = m.update(c, delta)
	}
	return states, auth, nil
}

// GetCounters returns the live counters of namespace with their stored
// values and time left in their window.
func (m *Memory) GetCounters(_ context.Context, namespace string) ([]limitkit.CounterSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	var snapshots []limitkit.CounterSnapshot
	for _, e := range m.limits[namespace] {
		for c := range e.counters {
			entry, ok := m.counters.Get(c)
			if !ok || entry.IsExpired(now) {
				continue
			}
			snapshots = append(snapshots, limitkit.CounterSnapshot{
				Counter:   c,
				Value:     entry.Value,
				ExpiresIn: entry.ExpiresAt.Sub(now),
			})
		}
	}
	return snapshots, nil
}

// PurgeExpired removes expired counters from the cache and the index and
// returns how many were removed.
func (m *Memory) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := m.counters.PurgeExpired(m.clock.Now())
	for _, c := range purged {
		byLimit := m.limits[c.Namespace()]
		e, ok := byLimit[c.Limit()]
		if !ok {
			continue
		}
		delete(e.counters, c)
		if !e.registered && len(e.counters) == 0 {
			delete(byLimit, c.Limit())
			if len(byLimit) == 0 {
				delete(m.limits, c.Namespace())
			}
		}
	}
	return len(purged)
}

// Close is a no-op; Memory holds no external resources.
func (m *Memory) Close() error {
	return nil
}

// current returns the counter's live value and expiry, or its full capacity
// and a fresh window when it has no live entry. Callers hold m.mu.
func (m *Memory) current(counter limitkit.Counter) (int64, time.Time) {
	now := m.clock.Now()
	entry, ok := m.counters.Get(counter)
	if !ok || entry.IsExpired(now) {
		return capacity(counter), now.Add(counter.Window())
	}
	return entry.Value, entry.ExpiresAt
}

// update applies delta to counter. Callers hold m.mu for writing.
func (m *Memory) update(counter limitkit.Counter, delta uint64) limitkit.CounterState {
	now := m.clock.Now()
	entry, ok := m.counters.Get(counter)

	if !ok || entry.IsExpired(now) {
		value := consume(capacity(counter), delta)
		expiresAt := now.Add(counter.Window())
		m.counters.Insert(counter, value, expiresAt)
		m.entry(counter.Limit()).counters[counter] = struct{}{}
		return limitkit.CounterState{Remaining: clampRemaining(value), ExpiresIn: counter.Window(), Exceeded: value < 0}
	}

	value := consume(entry.Value, delta)
	m.counters.SetValue(counter, value)
	return limitkit.CounterState{Remaining: clampRemaining(value), ExpiresIn: max(0, entry.ExpiresAt.Sub(now)), Exceeded: value < 0}
}

// entry returns the index entry of limit, creating an unregistered one if
// needed. Callers hold m.mu for writing.
func (m *Memory) entry(limit limitkit.Limit) *limitEntry {
	byLimit, ok := m.limits[limit.Namespace()]
	if !ok {
		byLimit = make(map[limitkit.Limit]*limitEntry)
		m.limits[limit.Namespace()] = byLimit
	}
	e, ok := byLimit[limit]
	if !ok {
		e = &limitEntry{counters: make(map[limitkit.Counter]struct{})}
		byLimit[limit] = e
	}
	return e
}

// capacity is exact: NewLimit caps MaxValue at limitkit.MaxLimitValue.
func capacity(counter limitkit.Counter) int64 {
	return int64(counter.MaxValue())
}

// consume returns value - delta, saturating at math.MinInt64.
func consume(value int64, delta uint64) int64 {
	if delta > math.MaxInt64 {
		return math.MinInt64
	}
	d := int64(delta)
	if value < math.MinInt64+d {
		return math.MinInt64
	}
	return value - d
}

func clampRemaining(value int64) uint64 {
	if value < 0 {
		return 0
	}
	return uint64(value)
}
