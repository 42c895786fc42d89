package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nhalm/limitkit"
)

const (
	// DefaultResponseTimeout bounds a single round trip to Redis.
	DefaultResponseTimeout = 350 * time.Millisecond

	// DefaultBatchSize is the maximum number of keys removed per DEL.
	DefaultBatchSize = 100
)

// updateScript consumes ARGV[1] from one counter and returns the value and
// PTTL the key had before, as {value, ttl}. A new key gets the window
// ARGV[2] (milliseconds) as expiry. The counter ARGV[3] is recorded in the
// limit's counter set KEYS[2] and the limit ARGV[4] in the namespace's
// counted-limit set KEYS[3].
var updateScript = redis.NewScript(`
local before = redis.call('GET', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
redis.call('INCRBY', KEYS[1], ARGV[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
redis.call('SADD', KEYS[2], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
return {before, ttl}
`)

// checkAndUpdateScript reads the value and PTTL of the n counter keys
// KEYS[1..n] and, only when none of them would exceed its limit, consumes
// ARGV[1] from each. For counter i, ARGV[4i-2] is the limit's max value,
// ARGV[4i-1] its window in milliseconds, ARGV[4i] the counter recorded in
// the counter set KEYS[n+i] and ARGV[4i+1] the limit recorded in the
// counted-limit set KEYS[2n+1]. Returns the flat list of pre-update
// {value, ttl} pairs.
var checkAndUpdateScript = redis.NewScript(`
local n = (#KEYS - 1) / 2
local delta = tonumber(ARGV[1])
local result = {}
local limited = false
for i = 1, n do
    local value = redis.call('GET', KEYS[i])
    local ttl = redis.call('PTTL', KEYS[i])
    result[2 * i - 1] = value
    result[2 * i] = ttl
    if (tonumber(value) or 0) + delta > tonumber(ARGV[4 * i - 2]) then
        limited = true
    end
end
if not limited then
    for i = 1, n do
        redis.call('INCRBY', KEYS[i], delta)
        if result[2 * i] < 0 then
            redis.call('PEXPIRE', KEYS[i], ARGV[4 * i - 1])
        end
        redis.call('SADD', KEYS[n + i], ARGV[4 * i])
        redis.call('SADD', KEYS[2 * n + 1], ARGV[4 * i + 1])
    end
end
return result
`)

// pruneScript removes from the counter set KEYS[1] every member ARGV[i-1]
// whose counter key KEYS[i] (i >= 3) no longer exists, then drops the limit
// ARGV[1] from the counted-limit set KEYS[2] once its counter set is empty.
var pruneScript = redis.NewScript(`
for i = 3, #KEYS do
    if redis.call('EXISTS', KEYS[i]) == 0 then
        redis.call('SREM', KEYS[1], ARGV[i - 1])
    end
end
if redis.call('SCARD', KEYS[1]) == 0 then
    redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`)

// Redis is a Redis-backed implementation of limitkit.Storage suitable for
// distributed deployments. Counters store the consumed amount of their
// window and expire with it, so every instance sharing the Redis server
// enforces one global budget.
//
// Keys are hash-tagged by namespace so that all keys of one namespace land
// in the same cluster slot:
//
//	<prefix>{<namespace>}:limits                  set of registered limits (JSON)
//	<prefix>{<namespace>}:counted_limits          set of limits with counters (JSON)
//	<prefix>{<namespace>}:limit:<id>:counters     set of counters (JSON)
//	<prefix>{<namespace>}:counter:<id>:<values>   consumed value, PTTL = window left
//
// A limit lands in counted_limits when one of its counters is first
// updated, registered or not, so DeleteLimits and GetCounters reach the
// counters of limits that were never added.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	timeout   time.Duration
	batchSize int
}

// RedisConfig holds configuration for the Redis connection.
// All fields should be populated explicitly by application code from
// configuration files or flags. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional)
	Password string

	// DB is the Redis database number (default: 0)
	DB int

	// Prefix is prepended to all keys (default: "limitkit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration

	// ResponseTimeout bounds each storage operation (default: 350ms)
	ResponseTimeout time.Duration

	// BatchSize is the maximum number of keys per DEL when deleting limits (default: 100)
	BatchSize int
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "limitkit:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, storageErr("failed to connect to redis", err)
	}

	return NewRedisFromClient(client, config), nil
}

// NewRedisFromClient creates a Redis store over an existing client, which
// may be a cluster or failover client. Only the Prefix, ResponseTimeout and
// BatchSize fields of config are used.
func NewRedisFromClient(client redis.UniversalClient, config RedisConfig) *Redis {
	if config.Prefix == "" {
		config.Prefix = "limitkit:"
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	return &Redis{
		client:    client,
		prefix:    config.Prefix,
		timeout:   config.ResponseTimeout,
		batchSize: config.BatchSize,
	}
}

// AddLimit registers limit in its namespace's limit set.
func (r *Redis) AddLimit(ctx context.Context, limit limitkit.Limit) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	member, err := json.Marshal(limit)
	if err != nil {
		return limitkit.NewStorageError("failed to encode limit", err, false)
	}
	if err := r.client.SAdd(ctx, r.limitsKey(limit.Namespace()), member).Err(); err != nil {
		return storageErr("redis add limit failed", err)
	}
	return nil
}

// GetLimits returns the limits registered for namespace.
func (r *Redis) GetLimits(ctx context.Context, namespace string) ([]limitkit.Limit, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	return r.getLimits(ctx, namespace)
}

// DeleteLimit removes the counters of limit, its counter set, and the limit.
func (r *Redis) DeleteLimit(ctx context.Context, limit limitkit.Limit) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.deleteCountersOf(ctx, limit); err != nil {
		return err
	}

	member, err := json.Marshal(limit)
	if err != nil {
		return limitkit.NewStorageError("failed to encode limit", err, false)
	}
	pipe := r.client.Pipeline()
	pipe.SRem(ctx, r.limitsKey(limit.Namespace()), member)
	pipe.SRem(ctx, r.countedLimitsKey(limit.Namespace()), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("redis delete limit failed", err)
	}
	return nil
}

// DeleteLimits removes every counter and limit of namespace.
func (r *Redis) DeleteLimits(ctx context.Context, namespace string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	registered, err := r.limitSet(ctx, r.limitsKey(namespace))
	if err != nil {
		return err
	}
	counted, err := r.limitSet(ctx, r.countedLimitsKey(namespace))
	if err != nil {
		return err
	}

	seen := make(map[limitkit.Limit]struct{}, len(registered)+len(counted))
	for _, l := range append(registered, counted...) {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		if err := r.deleteCountersOf(ctx, l); err != nil {
			return err
		}
	}
	if err := r.client.Del(ctx, r.limitsKey(namespace), r.countedLimitsKey(namespace)).Err(); err != nil {
		return storageErr("redis delete limits failed", err)
	}
	return nil
}

// IsWithinLimits reads the consumed value of counter without changing it.
func (r *Redis) IsWithinLimits(ctx context.Context, counter limitkit.Counter, delta uint64) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, r.counterKey(counter)).Int64()
	if err == redis.Nil {
		_, auth := limitkit.IsLimited([]limitkit.Counter{counter}, delta, []*int64{nil, nil})
		return !auth.Limited, nil
	}
	if err != nil {
		return false, storageErr("redis get counter failed", err)
	}
	_, auth := limitkit.IsLimited([]limitkit.Counter{counter}, delta, []*int64{&val, nil})
	return !auth.Limited, nil
}

// UpdateCounter atomically consumes delta from counter.
func (r *Redis) UpdateCounter(ctx context.Context, counter limitkit.Counter, delta uint64) (limitkit.CounterState, error) {
	if delta > math.MaxInt64 {
		return limitkit.CounterState{}, limitkit.NewStorageError(fmt.Sprintf("delta %d exceeds the redis integer range", delta), nil, false)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	member, err := json.Marshal(counter)
	if err != nil {
		return limitkit.CounterState{}, limitkit.NewStorageError("failed to encode counter", err, false)
	}
	limitMember, err := json.Marshal(counter.Limit())
	if err != nil {
		return limitkit.CounterState{}, limitkit.NewStorageError("failed to encode limit", err, false)
	}

	keys := []string{r.counterKey(counter), r.countersKey(counter.Limit()), r.countedLimitsKey(counter.Namespace())}
	res, err := updateScript.Run(ctx, r.client, keys, delta, counter.Window().Milliseconds(), member, limitMember).Slice()
	if err != nil {
		return limitkit.CounterState{}, storageErr("redis update counter failed", err)
	}

	pairs, err := parseScriptResult(res, 1)
	if err != nil {
		return limitkit.CounterState{}, err
	}
	states, _ := limitkit.IsLimited([]limitkit.Counter{counter}, delta, pairs)
	return states[0], nil
}

// CheckAndUpdate reads and, when no counter would be exceeded, consumes
// delta from every counter in one atomic script execution. All counters
// must belong to the same namespace.
func (r *Redis) CheckAndUpdate(ctx context.Context, counters []limitkit.Counter, delta uint64) ([]limitkit.CounterState, limitkit.Authorization, error) {
	if len(counters) == 0 {
		return nil, limitkit.Authorization{}, nil
	}
	if delta > math.MaxInt64 {
		return nil, limitkit.Authorization{}, limitkit.NewStorageError(fmt.Sprintf("delta %d exceeds the redis integer range", delta), nil, false)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n := len(counters)
	keys := make([]string, 2*n+1)
	args := make([]any, 0, 1+4*n)
	args = append(args, delta)
	for i, c := range counters {
		member, err := json.Marshal(c)
		if err != nil {
			return nil, limitkit.Authorization{}, limitkit.NewStorageError("failed to encode counter", err, false)
		}
		limitMember, err := json.Marshal(c.Limit())
		if err != nil {
			return nil, limitkit.Authorization{}, limitkit.NewStorageError("failed to encode limit", err, false)
		}
		keys[i] = r.counterKey(c)
		keys[n+i] = r.countersKey(c.Limit())
		args = append(args, strconv.FormatUint(c.MaxValue(), 10), c.Window().Milliseconds(), member, limitMember)
	}
	keys[2*n] = r.countedLimitsKey(counters[0].Namespace())

	res, err := checkAndUpdateScript.Run(ctx, r.client, keys, args...).Slice()
	if err != nil {
		return nil, limitkit.Authorization{}, storageErr("redis check and update failed", err)
	}

	pairs, err := parseScriptResult(res, n)
	if err != nil {
		return nil, limitkit.Authorization{}, err
	}
	states, auth := limitkit.IsLimited(counters, delta, pairs)
	return states, auth, nil
}

// GetCounters returns the live counters of namespace, including counters of
// limits that were never registered. Counters whose keys have expired are
// dropped from their limit's counter set.
func (r *Redis) GetCounters(ctx context.Context, namespace string) ([]limitkit.CounterSnapshot, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	limits, err := r.limitSet(ctx, r.countedLimitsKey(namespace))
	if err != nil {
		return nil, err
	}

	var snapshots []limitkit.CounterSnapshot
	for _, l := range limits {
		counters, members, err := r.countersOf(ctx, l)
		if err != nil {
			return nil, err
		}
		if len(counters) == 0 {
			if err := r.prune(ctx, l, nil, nil); err != nil {
				return nil, err
			}
			continue
		}

		pipe := r.client.Pipeline()
		gets := make([]*redis.StringCmd, len(counters))
		ttls := make([]*redis.DurationCmd, len(counters))
		for i, c := range counters {
			gets[i] = pipe.Get(ctx, r.counterKey(c))
			ttls[i] = pipe.PTTL(ctx, r.counterKey(c))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, storageErr("redis get counters failed", err)
		}

		var staleKeys []string
		var staleMembers []any
		for i, c := range counters {
			consumed, err := gets[i].Int64()
			if err == redis.Nil {
				staleKeys = append(staleKeys, r.counterKey(c))
				staleMembers = append(staleMembers, members[i])
				continue
			}
			if err != nil {
				return nil, storageErr("redis get counters failed", err)
			}
			expiresIn := c.Window()
			if ttl := ttls[i].Val(); ttl >= 0 {
				expiresIn = ttl
			}
			snapshots = append(snapshots, limitkit.CounterSnapshot{
				Counter:   c,
				Value:     consume(capacity(c), uint64(max(0, consumed))),
				ExpiresIn: expiresIn,
			})
		}

		if len(staleKeys) > 0 {
			if err := r.prune(ctx, l, staleKeys, staleMembers); err != nil {
				return nil, err
			}
		}
	}
	return snapshots, nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) getLimits(ctx context.Context, namespace string) ([]limitkit.Limit, error) {
	return r.limitSet(ctx, r.limitsKey(namespace))
}

func (r *Redis) limitSet(ctx context.Context, key string) ([]limitkit.Limit, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, storageErr("redis get limits failed", err)
	}
	limits := make([]limitkit.Limit, 0, len(members))
	for _, m := range members {
		var l limitkit.Limit
		if err := json.Unmarshal([]byte(m), &l); err != nil {
			return nil, limitkit.NewStorageError("failed to decode limit", err, false)
		}
		limits = append(limits, l)
	}
	return limits, nil
}

func (r *Redis) countersOf(ctx context.Context, limit limitkit.Limit) ([]limitkit.Counter, []string, error) {
	members, err := r.client.SMembers(ctx, r.countersKey(limit)).Result()
	if err != nil {
		return nil, nil, storageErr("redis get counters failed", err)
	}
	counters := make([]limitkit.Counter, 0, len(members))
	for _, m := range members {
		var c limitkit.Counter
		if err := json.Unmarshal([]byte(m), &c); err != nil {
			return nil, nil, limitkit.NewStorageError("failed to decode counter", err, false)
		}
		counters = append(counters, c)
	}
	return counters, members, nil
}

// prune removes the given counters from the counter set of limit unless
// their keys were recreated, and forgets limit once it has no counters.
func (r *Redis) prune(ctx context.Context, limit limitkit.Limit, counterKeys []string, members []any) error {
	limitMember, err := json.Marshal(limit)
	if err != nil {
		return limitkit.NewStorageError("failed to encode limit", err, false)
	}
	keys := append([]string{r.countersKey(limit), r.countedLimitsKey(limit.Namespace())}, counterKeys...)
	args := append([]any{limitMember}, members...)
	if err := pruneScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return storageErr("redis prune counters failed", err)
	}
	return nil
}

func (r *Redis) deleteCountersOf(ctx context.Context, limit limitkit.Limit) error {
	counters, _, err := r.countersOf(ctx, limit)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(counters)+1)
	for _, c := range counters {
		keys = append(keys, r.counterKey(c))
	}
	keys = append(keys, r.countersKey(limit))

	for start := 0; start < len(keys); start += r.batchSize {
		end := min(start+r.batchSize, len(keys))
		if err := r.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return storageErr("redis delete counters failed", err)
		}
	}
	return nil
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Redis) limitsKey(namespace string) string {
	return r.prefix + "{" + namespace + "}:limits"
}

func (r *Redis) countedLimitsKey(namespace string) string {
	return r.prefix + "{" + namespace + "}:counted_limits"
}

func (r *Redis) countersKey(limit limitkit.Limit) string {
	return r.prefix + "{" + limit.Namespace() + "}:limit:" + limitID(limit) + ":counters"
}

func (r *Redis) counterKey(counter limitkit.Counter) string {
	values, _ := json.Marshal(counter.Values())
	return r.prefix + "{" + counter.Namespace() + "}:counter:" + limitID(counter.Limit()) + ":" + string(values)
}

// limitID is a short stable identifier of a limit definition.
func limitID(limit limitkit.Limit) string {
	b, _ := json.Marshal(limit)
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// parseScriptResult converts a script reply into the flat (value, ttl)
// list expected by limitkit.IsLimited, rejecting replies that do not hold
// exactly one pair per counter.
func parseScriptResult(res []any, counters int) ([]*int64, error) {
	if len(res) != 2*counters {
		return nil, limitkit.NewStorageError(
			fmt.Sprintf("unexpected script result length: got %d, want %d", len(res), 2*counters), nil, false)
	}
	out := make([]*int64, len(res))
	for i, v := range res {
		switch val := v.(type) {
		case nil:
		case int64:
			out[i] = &val
		case string:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, limitkit.NewStorageError("unexpected counter value in script result", err, false)
			}
			out[i] = &n
		default:
			return nil, limitkit.NewStorageError(fmt.Sprintf("unexpected type in script result: %T", v), nil, false)
		}
	}
	return out, nil
}
