// Package limitkit provides the counter-state core of a rate limiter.
//
// A Limit describes a rule (namespace, capacity, window). A Counter is a
// concrete instance of a Limit keyed by the request values its variables
// name. Storage backends implement the Storage interface and track how much
// of each Counter's budget has been consumed in the current window:
//
//	st := store.NewMemory()
//	defer st.Close()
//
//	limit, _ := limitkit.NewLimit("api", 100, time.Minute,
//		limitkit.WithName("per-user"),
//		limitkit.WithVariables("user_id"),
//	)
//	counter, _ := limitkit.NewCounter(limit, map[string]string{"user_id": "42"})
//
//	ok, err := st.IsWithinLimits(ctx, counter, 1)
//	state, err := st.UpdateCounter(ctx, counter, 1)
//
// Networked backends read and increment a whole batch of counters in one
// round trip and feed the raw (value, ttl) pairs through IsLimited, which
// produces the same outcome the in-process store would.
package limitkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// listSep joins canonical condition and variable lists. It cannot appear
// in configuration text.
const listSep = "\x1f"

// Limit is an immutable rate limiting rule.
//
// Limit is comparable: two limits built from the same namespace, capacity,
// window, name, conditions and variables are equal with == and may be used
// as map keys.
type Limit struct {
	namespace  string
	maxValue   uint64
	window     time.Duration
	name       string
	conditions string
	variables  string
}

// LimitOption configures optional parts of a Limit.
type LimitOption func(*limitDef)

type limitDef struct {
	name       string
	conditions []string
	variables  []string
}

// WithName sets the user-facing name reported when the limit is exceeded.
func WithName(name string) LimitOption {
	return func(d *limitDef) {
		d.name = name
	}
}

// WithConditions restricts the limit to requests whose values satisfy every
// condition. Conditions have the form "var == value" or "var != value".
func WithConditions(conditions ...string) LimitOption {
	return func(d *limitDef) {
		d.conditions = append(d.conditions, conditions...)
	}
}

// WithVariables names the request values a Counter of this limit is keyed by.
func WithVariables(variables ...string) LimitOption {
	return func(d *limitDef) {
		d.variables = append(d.variables, variables...)
	}
}

// MaxLimitValue is the largest capacity a Limit may have. Backends store
// counters as signed 64-bit integers.
const MaxLimitValue = math.MaxInt64

// NewLimit creates a Limit allowing maxValue units per window in namespace.
// maxValue may not exceed MaxLimitValue.
func NewLimit(namespace string, maxValue uint64, window time.Duration, opts ...LimitOption) (Limit, error) {
	if namespace == "" {
		return Limit{}, errors.New("limit namespace cannot be empty")
	}
	if maxValue > MaxLimitValue {
		return Limit{}, fmt.Errorf("limit max value %d exceeds %d", maxValue, uint64(MaxLimitValue))
	}
	if window <= 0 {
		return Limit{}, fmt.Errorf("limit window must be positive, got %s", window)
	}

	def := &limitDef{}
	for _, opt := range opts {
		opt(def)
	}

	conditions := make([]string, 0, len(def.conditions))
	for _, raw := range def.conditions {
		c, err := parseCondition(raw)
		if err != nil {
			return Limit{}, err
		}
		conditions = append(conditions, c.String())
	}

	variables := make([]string, 0, len(def.variables))
	for _, v := range def.variables {
		v = strings.TrimSpace(v)
		if v == "" {
			return Limit{}, errors.New("limit variable cannot be empty")
		}
		if strings.Contains(v, listSep) {
			return Limit{}, fmt.Errorf("limit variable %q contains a reserved character", v)
		}
		variables = append(variables, v)
	}

	return Limit{
		namespace:  namespace,
		maxValue:   maxValue,
		window:     window,
		name:       def.name,
		conditions: canonicalList(conditions),
		variables:  canonicalList(variables),
	}, nil
}

// Namespace returns the namespace the limit belongs to.
func (l Limit) Namespace() string { return l.namespace }

// MaxValue returns the capacity of the limit per window.
func (l Limit) MaxValue() uint64 { return l.maxValue }

// Window returns the period over which MaxValue applies.
func (l Limit) Window() time.Duration { return l.window }

// Name returns the user-facing name, or "" when the limit has none.
func (l Limit) Name() string { return l.name }

// Conditions returns the limit's conditions in canonical order.
func (l Limit) Conditions() []string { return splitList(l.conditions) }

// Variables returns the limit's variables in canonical order.
func (l Limit) Variables() []string { return splitList(l.variables) }

// IsZero reports whether l is the zero Limit.
func (l Limit) IsZero() bool { return l == Limit{} }

// Applies reports whether every condition of the limit holds for values.
func (l Limit) Applies(values map[string]string) bool {
	for _, raw := range l.Conditions() {
		// Conditions were validated by NewLimit.
		c, err := parseCondition(raw)
		if err != nil || !c.matches(values) {
			return false
		}
	}
	return true
}

// String returns a compact human-readable form of the limit.
func (l Limit) String() string {
	var sb strings.Builder
	sb.WriteString(l.namespace)
	if l.name != "" {
		sb.WriteByte('/')
		sb.WriteString(l.name)
	}
	fmt.Fprintf(&sb, " %d per %s", l.maxValue, l.window)
	if l.conditions != "" {
		sb.WriteString(" when [")
		sb.WriteString(strings.Join(l.Conditions(), ", "))
		sb.WriteByte(']')
	}
	if l.variables != "" {
		sb.WriteString(" by [")
		sb.WriteString(strings.Join(l.Variables(), ", "))
		sb.WriteByte(']')
	}
	return sb.String()
}

type limitJSON struct {
	Namespace  string   `json:"namespace"`
	MaxValue   uint64   `json:"max_value"`
	WindowMS   int64    `json:"window_ms"`
	Name       string   `json:"name,omitempty"`
	Conditions []string `json:"conditions"`
	Variables  []string `json:"variables"`
}

// MarshalJSON implements json.Marshaler.
func (l Limit) MarshalJSON() ([]byte, error) {
	return json.Marshal(limitJSON{
		Namespace:  l.namespace,
		MaxValue:   l.maxValue,
		WindowMS:   l.window.Milliseconds(),
		Name:       l.name,
		Conditions: l.Conditions(),
		Variables:  l.Variables(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The decoded definition is
// validated the same way NewLimit validates it.
func (l *Limit) UnmarshalJSON(data []byte) error {
	var lj limitJSON
	if err := json.Unmarshal(data, &lj); err != nil {
		return err
	}
	parsed, err := NewLimit(lj.Namespace, lj.MaxValue, time.Duration(lj.WindowMS)*time.Millisecond,
		WithName(lj.Name),
		WithConditions(lj.Conditions...),
		WithVariables(lj.Variables...),
	)
	if err != nil {
		return fmt.Errorf("invalid limit: %w", err)
	}
	*l = parsed
	return nil
}

type condition struct {
	variable string
	negated  bool
	value    string
}

func parseCondition(raw string) (condition, error) {
	op, negated := "==", false
	idx := strings.Index(raw, "!=")
	if idx >= 0 {
		op, negated = "!=", true
	} else {
		idx = strings.Index(raw, "==")
	}
	if idx < 0 {
		return condition{}, fmt.Errorf("invalid condition %q: expected \"var == value\" or \"var != value\"", raw)
	}

	variable := strings.TrimSpace(raw[:idx])
	value := unquote(strings.TrimSpace(raw[idx+len(op):]))
	if variable == "" {
		return condition{}, fmt.Errorf("invalid condition %q: missing variable", raw)
	}
	if strings.Contains(variable, listSep) || strings.Contains(value, listSep) {
		return condition{}, fmt.Errorf("invalid condition %q: contains a reserved character", raw)
	}
	return condition{variable: variable, negated: negated, value: value}, nil
}

func (c condition) matches(values map[string]string) bool {
	v, ok := values[c.variable]
	if c.negated {
		return !ok || v != c.value
	}
	return ok && v == c.value
}

func (c condition) String() string {
	op := "=="
	if c.negated {
		op = "!="
	}
	return c.variable + " " + op + " " + c.value
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func canonicalList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	sorted := slices.Clone(items)
	slices.Sort(sorted)
	return strings.Join(slices.Compact(sorted), listSep)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, listSep)
}
