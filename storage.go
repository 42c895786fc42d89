package limitkit

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Storage defines the operations every counter backend implements.
// Implementations must be safe for concurrent use.
//
// Every non-nil error returned by a Storage is a *StorageError whose
// Transient flag tells the caller whether retrying is safe.
type Storage interface {
	// AddLimit registers limit under its namespace.
	AddLimit(ctx context.Context, limit Limit) error

	// GetLimits returns every limit registered for namespace, in no
	// particular order. Returns an empty slice if there are none.
	GetLimits(ctx context.Context, namespace string) ([]Limit, error)

	// DeleteLimit removes every counter of limit, then the limit itself.
	DeleteLimit(ctx context.Context, limit Limit) error

	// DeleteLimits removes every counter and limit of namespace.
	DeleteLimits(ctx context.Context, namespace string) error

	// IsWithinLimits reports whether consuming delta from counter would
	// stay within its limit. It never changes stored state. A counter with
	// no entry, or whose entry has expired, is fully available.
	IsWithinLimits(ctx context.Context, counter Counter, delta uint64) (bool, error)

	// UpdateCounter consumes delta from counter, starting a new window when
	// the counter has no live entry. Usage past the limit is recorded.
	UpdateCounter(ctx context.Context, counter Counter, delta uint64) (CounterState, error)

	// CheckAndUpdate consumes delta from every counter when none of them
	// would exceed its limit. Otherwise nothing is consumed and the first
	// exceeded counter, in input order, is reported. The returned states
	// are positionally paired with counters.
	CheckAndUpdate(ctx context.Context, counters []Counter, delta uint64) ([]CounterState, Authorization, error)

	// GetCounters returns a snapshot of the live counters of namespace.
	GetCounters(ctx context.Context, namespace string) ([]CounterSnapshot, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Authorization is the outcome of a rate limit check. The zero value means
// the request is allowed.
type Authorization struct {
	Limited bool
	// LimitName is the name of the first exceeded limit, if it has one.
	LimitName string
}

// Limited returns a limited outcome for the limit called name.
func Limited(name string) Authorization {
	return Authorization{Limited: true, LimitName: name}
}

// Clock supplies the current instant to backends that compute expiry
// locally. clockwork.Clock satisfies it.
type Clock interface {
	Now() time.Time
}

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock {
	return clockwork.NewRealClock()
}
