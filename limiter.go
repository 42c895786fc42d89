package limitkit

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// RateLimiter evaluates requests against the limits registered in a
// Storage. A request is described by its namespace and a map of values;
// the limits of the namespace whose conditions hold and whose variables
// are all present apply to it.
type RateLimiter struct {
	storage Storage
}

// CounterStatus pairs an applicable counter with its state after a check.
type CounterStatus struct {
	Counter Counter
	State   CounterState
}

// CheckResult is the outcome of CheckRateLimitedAndUpdate.
type CheckResult struct {
	Authorization
	Counters []CounterStatus
}

// NewRateLimiter creates a RateLimiter over storage.
func NewRateLimiter(storage Storage) *RateLimiter {
	return &RateLimiter{storage: storage}
}

// Storage returns the underlying storage.
func (rl *RateLimiter) Storage() Storage {
	return rl.storage
}

// AddLimit registers limit.
func (rl *RateLimiter) AddLimit(ctx context.Context, limit Limit) error {
	return rl.storage.AddLimit(ctx, limit)
}

// GetLimits returns the limits registered for namespace.
func (rl *RateLimiter) GetLimits(ctx context.Context, namespace string) ([]Limit, error) {
	return rl.storage.GetLimits(ctx, namespace)
}

// DeleteLimit removes limit and its counters.
func (rl *RateLimiter) DeleteLimit(ctx context.Context, limit Limit) error {
	return rl.storage.DeleteLimit(ctx, limit)
}

// DeleteLimits removes every limit and counter of namespace.
func (rl *RateLimiter) DeleteLimits(ctx context.Context, namespace string) error {
	return rl.storage.DeleteLimits(ctx, namespace)
}

// GetCounters returns the live counters of namespace.
func (rl *RateLimiter) GetCounters(ctx context.Context, namespace string) ([]CounterSnapshot, error) {
	return rl.storage.GetCounters(ctx, namespace)
}

// ConfigureWith makes the registered limits of every namespace in known
// plus every namespace in limits equal to limits. Limits no longer present
// are deleted along with their counters; limits already registered keep
// their counters.
func (rl *RateLimiter) ConfigureWith(ctx context.Context, known []string, limits []Limit) error {
	wanted := make(map[string]map[Limit]struct{})
	for _, l := range limits {
		if wanted[l.Namespace()] == nil {
			wanted[l.Namespace()] = make(map[Limit]struct{})
		}
		wanted[l.Namespace()][l] = struct{}{}
	}

	for _, ns := range known {
		if _, ok := wanted[ns]; !ok {
			if err := rl.storage.DeleteLimits(ctx, ns); err != nil {
				return fmt.Errorf("delete namespace %q: %w", ns, err)
			}
		}
	}

	for ns, set := range wanted {
		current, err := rl.storage.GetLimits(ctx, ns)
		if err != nil {
			return fmt.Errorf("get limits of %q: %w", ns, err)
		}
		for _, l := range current {
			if _, ok := set[l]; ok {
				delete(set, l)
				continue
			}
			if err := rl.storage.DeleteLimit(ctx, l); err != nil {
				return fmt.Errorf("delete limit %s: %w", l, err)
			}
		}
		for l := range set {
			if err := rl.storage.AddLimit(ctx, l); err != nil {
				return fmt.Errorf("add limit %s: %w", l, err)
			}
		}
	}
	return nil
}

// CheckRateLimited reports whether consuming delta would exceed any
// applicable limit, without consuming anything.
func (rl *RateLimiter) CheckRateLimited(ctx context.Context, namespace string, values map[string]string, delta uint64) (Authorization, error) {
	counters, err := rl.countersFor(ctx, namespace, values)
	if err != nil {
		return Authorization{}, err
	}
	for _, c := range counters {
		ok, err := rl.storage.IsWithinLimits(ctx, c, delta)
		if err != nil {
			return Authorization{}, err
		}
		if !ok {
			return Limited(c.Limit().Name()), nil
		}
	}
	return Authorization{}, nil
}

// UpdateCounters consumes delta from every applicable counter.
func (rl *RateLimiter) UpdateCounters(ctx context.Context, namespace string, values map[string]string, delta uint64) error {
	counters, err := rl.countersFor(ctx, namespace, values)
	if err != nil {
		return err
	}
	for _, c := range counters {
		if _, err := rl.storage.UpdateCounter(ctx, c, delta); err != nil {
			return err
		}
	}
	return nil
}

// CheckRateLimitedAndUpdate consumes delta from every applicable counter
// unless one of them would be exceeded.
func (rl *RateLimiter) CheckRateLimitedAndUpdate(ctx context.Context, namespace string, values map[string]string, delta uint64) (CheckResult, error) {
	counters, err := rl.countersFor(ctx, namespace, values)
	if err != nil {
		return CheckResult{}, err
	}
	if len(counters) == 0 {
		return CheckResult{}, nil
	}

	states, auth, err := rl.storage.CheckAndUpdate(ctx, counters, delta)
	if err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{Authorization: auth, Counters: make([]CounterStatus, len(counters))}
	for i, c := range counters {
		result.Counters[i] = CounterStatus{Counter: c, State: states[i]}
	}
	return result, nil
}

func (rl *RateLimiter) countersFor(ctx context.Context, namespace string, values map[string]string) ([]Counter, error) {
	limits, err := rl.storage.GetLimits(ctx, namespace)
	if err != nil {
		return nil, err
	}
	counters := make([]Counter, 0, len(limits))
	for _, l := range limits {
		if !l.Applies(values) {
			continue
		}
		if c, ok := NewCounter(l, values); ok {
			counters = append(counters, c)
		}
	}
	// GetLimits is unordered; sort so the reported limit is deterministic.
	slices.SortFunc(counters, func(a, b Counter) int {
		return cmp.Compare(a.Key(), b.Key())
	})
	return counters, nil
}
