package limitkit

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

// IsLimited decides the outcome of a batch of counters from the raw values
// a networked backend read for them in one round trip.
//
// results is the flat list of (value, ttl_ms) pairs, positionally paired
// with counters: results[2i] is the consumed value stored for counters[i]
// before this request (nil when the key did not exist) and results[2i+1]
// is the key's remaining time to live in milliseconds (nil or negative
// when no expiry is set). Every counter gets a refreshed state, with
// Exceeded set on each counter delta would overrun. The outcome names the
// first exceeded counter in input order.
//
// IsLimited panics if len(results) != 2*len(counters).
func IsLimited(counters []Counter, delta uint64, results []*int64) ([]CounterState, Authorization) {
	if len(results) != 2*len(counters) {
		panic(fmt.Sprintf("limitkit: IsLimited got %d results for %d counters", len(results), len(counters)))
	}

	states := make([]CounterState, len(counters))
	var auth Authorization

	for i, counter := range counters {
		value, ttl := results[2*i], results[2*i+1]

		var stored uint64
		if value != nil && *value > 0 {
			stored = uint64(*value)
		}

		remaining, ok := remainingAfter(counter.MaxValue(), stored, delta)

		expiresIn := counter.Window()
		if ttl != nil && *ttl >= 0 {
			expiresIn = ttlDuration(*ttl)
		}

		states[i] = CounterState{Remaining: remaining, ExpiresIn: expiresIn, Exceeded: !ok}

		if !auth.Limited && !ok {
			auth = Limited(counter.Limit().Name())
		}
	}

	return states, auth
}

// ttlDuration converts a TTL in milliseconds, saturating at the largest
// time.Duration.
func ttlDuration(ms int64) time.Duration {
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return math.MaxInt64
	}
	return time.Duration(ms) * time.Millisecond
}

// remainingAfter computes max - (stored + delta). ok is false when the sum
// exceeds max, including when it overflows.
func remainingAfter(maxValue, stored, delta uint64) (remaining uint64, ok bool) {
	consumed, carry := bits.Add64(stored, delta, 0)
	if carry != 0 || consumed > maxValue {
		return 0, false
	}
	return maxValue - consumed, true
}
