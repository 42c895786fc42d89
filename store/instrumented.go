package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nhalm/limitkit"
)

// Instrumented wraps a limitkit.Storage and records Prometheus metrics for
// every operation.
type Instrumented struct {
	next limitkit.Storage

	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	limited    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	purged     prometheus.Counter
}

// NewInstrumented wraps next, registering its collectors on reg. It panics
// if the collectors are already registered on reg.
func NewInstrumented(next limitkit.Storage, reg prometheus.Registerer) *Instrumented {
	factory := promauto.With(reg)
	return &Instrumented{
		next: next,

		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limitkit_storage_operations_total",
				Help: "Total number of storage operations performed",
			},
			[]string{"operation"},
		),

		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limitkit_storage_errors_total",
				Help: "Total number of failed storage operations",
			},
			[]string{"operation", "kind"},
		),

		limited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limitkit_limited_total",
				Help: "Total number of checks rejected by a limit",
			},
			[]string{"namespace", "limit"},
		),

		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "limitkit_storage_operation_duration_seconds",
				Help:    "Duration of storage operations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to 330ms
			},
			[]string{"operation"},
		),

		purged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "limitkit_counters_purged_total",
				Help: "Total number of expired counters reclaimed",
			},
		),
	}
}

// Unwrap returns the wrapped storage.
func (s *Instrumented) Unwrap() limitkit.Storage {
	return s.next
}

func (s *Instrumented) AddLimit(ctx context.Context, limit limitkit.Limit) error {
	defer s.observe("add_limit", time.Now())
	return s.record("add_limit", s.next.AddLimit(ctx, limit))
}

func (s *Instrumented) GetLimits(ctx context.Context, namespace string) ([]limitkit.Limit, error) {
	defer s.observe("get_limits", time.Now())
	limits, err := s.next.GetLimits(ctx, namespace)
	return limits, s.record("get_limits", err)
}

func (s *Instrumented) DeleteLimit(ctx context.Context, limit limitkit.Limit) error {
	defer s.observe("delete_limit", time.Now())
	return s.record("delete_limit", s.next.DeleteLimit(ctx, limit))
}

func (s *Instrumented) DeleteLimits(ctx context.Context, namespace string) error {
	defer s.observe("delete_limits", time.Now())
	return s.record("delete_limits", s.next.DeleteLimits(ctx, namespace))
}

func (s *Instrumented) IsWithinLimits(ctx context.Context, counter limitkit.Counter, delta uint64) (bool, error) {
	defer s.observe("is_within_limits", time.Now())
	ok, err := s.next.IsWithinLimits(ctx, counter, delta)
	if err == nil && !ok {
		s.limited.WithLabelValues(counter.Namespace(), counter.Limit().Name()).Inc()
	}
	return ok, s.record("is_within_limits", err)
}

func (s *Instrumented) UpdateCounter(ctx context.Context, counter limitkit.Counter, delta uint64) (limitkit.CounterState, error) {
	defer s.observe("update_counter", time.Now())
	state, err := s.next.UpdateCounter(ctx, counter, delta)
	return state, s.record("update_counter", err)
}

func (s *Instrumented) CheckAndUpdate(ctx context.Context, counters []limitkit.Counter, delta uint64) ([]limitkit.CounterState, limitkit.Authorization, error) {
	defer s.observe("check_and_update", time.Now())
	states, auth, err := s.next.CheckAndUpdate(ctx, counters, delta)
	if err == nil && auth.Limited && len(counters) > 0 {
		s.limited.WithLabelValues(counters[0].Namespace(), auth.LimitName).Inc()
	}
	return states, auth, s.record("check_and_update", err)
}

func (s *Instrumented) GetCounters(ctx context.Context, namespace string) ([]limitkit.CounterSnapshot, error) {
	defer s.observe("get_counters", time.Now())
	snapshots, err := s.next.GetCounters(ctx, namespace)
	return snapshots, s.record("get_counters", err)
}

// PurgeExpired purges the wrapped storage when it is a Purger and returns
// the number of counters removed. It returns 0 otherwise.
func (s *Instrumented) PurgeExpired() int {
	p, ok := s.next.(Purger)
	if !ok {
		return 0
	}
	n := p.PurgeExpired()
	s.purged.Add(float64(n))
	return n
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}

func (s *Instrumented) record(operation string, err error) error {
	s.operations.WithLabelValues(operation).Inc()
	if err != nil {
		kind := "permanent"
		if limitkit.IsTransient(err) {
			kind = "transient"
		}
		s.errors.WithLabelValues(operation, kind).Inc()
	}
	return err
}

func (s *Instrumented) observe(operation string, start time.Time) {
	s.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
