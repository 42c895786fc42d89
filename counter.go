package limitkit

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Counter is a concrete, addressable instance of a Limit for one set of
// qualifying values. Counters are comparable and are used as map keys.
//
// A Counter carries identity only. The observed state of a counter
// (remaining budget, time until reset) is returned by storage operations
// as a CounterState.
type Counter struct {
	limit Limit
	// values is the canonical JSON encoding of the qualifying values,
	// sorted by variable name.
	values string
}

// CounterState is the observed state of a counter after a storage call.
type CounterState struct {
	// Remaining is the budget left in the current window, clamped to zero.
	Remaining uint64
	// ExpiresIn is the time until the current window resets.
	ExpiresIn time.Duration
	// Exceeded is true when the requested delta overran this counter's limit.
	Exceeded bool
}

// CounterSnapshot is one live counter as reported by Storage.GetCounters.
type CounterSnapshot struct {
	Counter Counter
	// Value is the stored remaining value. It goes negative when usage was
	// recorded past the limit.
	Value     int64
	ExpiresIn time.Duration
}

// NewCounter builds the counter of limit for the given request values.
// Only the limit's variables are kept. It returns false when values lacks
// one of the limit's variables, in which case the limit does not apply.
func NewCounter(limit Limit, values map[string]string) (Counter, bool) {
	vars := limit.Variables()
	pairs := make([][2]string, 0, len(vars))
	for _, v := range vars {
		val, ok := values[v]
		if !ok {
			return Counter{}, false
		}
		pairs = append(pairs, [2]string{v, val})
	}
	return Counter{limit: limit, values: encodePairs(pairs)}, true
}

// Limit returns the limit the counter belongs to.
func (c Counter) Limit() Limit { return c.limit }

// Namespace returns the namespace of the counter's limit.
func (c Counter) Namespace() string { return c.limit.namespace }

// MaxValue returns the capacity of the counter's limit.
func (c Counter) MaxValue() uint64 { return c.limit.maxValue }

// Window returns the window of the counter's limit.
func (c Counter) Window() time.Duration { return c.limit.window }

// Values returns a copy of the qualifying values.
func (c Counter) Values() map[string]string {
	pairs := decodePairs(c.values)
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p[0]] = p[1]
	}
	return out
}

// Key returns a stable string identity for the counter, suitable as a
// backend key suffix. Equal counters have equal keys.
func (c Counter) Key() string {
	b, _ := json.Marshal(c.limit)
	return string(b) + c.values
}

// String implements fmt.Stringer.
func (c Counter) String() string {
	return fmt.Sprintf("%s %v", c.limit, c.Values())
}

type counterJSON struct {
	Limit  Limit             `json:"limit"`
	Values map[string]string `json:"set_variables"`
}

// MarshalJSON implements json.Marshaler.
func (c Counter) MarshalJSON() ([]byte, error) {
	return json.Marshal(counterJSON{Limit: c.limit, Values: c.Values()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Counter) UnmarshalJSON(data []byte) error {
	var cj counterJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	parsed, ok := NewCounter(cj.Limit, cj.Values)
	if !ok {
		return fmt.Errorf("counter values do not cover the variables of %s", cj.Limit)
	}
	*c = parsed
	return nil
}

func encodePairs(pairs [][2]string) string {
	if len(pairs) == 0 {
		return ""
	}
	slices.SortFunc(pairs, func(a, b [2]string) int {
		return cmp.Compare(a[0], b[0])
	})
	b, _ := json.Marshal(pairs)
	return string(b)
}

func decodePairs(s string) [][2]string {
	if s == "" {
		return nil
	}
	var pairs [][2]string
	// s was produced by encodePairs.
	_ = json.Unmarshal([]byte(s), &pairs)
	return pairs
}
