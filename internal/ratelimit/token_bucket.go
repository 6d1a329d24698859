// Package ratelimit throttles job submissions with token buckets kept in
// Redis, so every API replica shares the same budgets.
//
// Each submission draws from two buckets at once: the submitter's own and,
// when configured, one shared by the whole fleet that bounds how many
// worker units can be launched per window. Both are debited in the same
// script call or neither is.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "vidflow:submissions"

type Scope string

const (
	ScopeSubmitter Scope = "submitter"
	ScopeFleet     Scope = "fleet"
)

// Budget allows Capacity submissions per Window. A zero Capacity disables
// the bucket it configures.
type Budget struct {
	Capacity int
	Window   time.Duration
}

type Decision struct {
	Allowed bool
	// Remaining is the smallest token count left across the checked buckets.
	Remaining  int64
	RetryAfter time.Duration
	// Scope names the exhausted bucket when Allowed is false.
	Scope Scope
}

// KEYS: one hash per bucket. ARGV[1] now ms, ARGV[2] cost, then
// capacity, refill per ms and ttl ms for each key in order.
// Returns {denying key index or 0, min remaining, retry after ms}.
const submissionScript = `
local now_ms = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])

local levels = {}
local denied = 0
local retry_after_ms = 0
for i, key in ipairs(KEYS) do
  local base = 2 + (i - 1) * 3
  local capacity = tonumber(ARGV[base + 1])
  local refill = tonumber(ARGV[base + 2])
  local stored = redis.call("HMGET", key, "level", "at")
  local level = tonumber(stored[1]) or capacity
  local at = tonumber(stored[2]) or now_ms
  level = math.min(capacity, level + math.max(0, now_ms - at) * refill)
  levels[i] = level
  if level < cost then
    local wait = math.ceil((cost - level) / refill)
    if wait > retry_after_ms then
      retry_after_ms = wait
      denied = i
    end
  end
end

local remaining = -1
for i, key in ipairs(KEYS) do
  local base = 2 + (i - 1) * 3
  local level = levels[i]
  if denied == 0 then
    level = level - cost
  end
  if remaining < 0 or level < remaining then
    remaining = level
  end
  redis.call("HSET", key, "level", level, "at", now_ms)
  redis.call("PEXPIRE", key, tonumber(ARGV[base + 3]))
end

return {denied, math.floor(remaining), retry_after_ms}
`

type bucket struct {
	scope       Scope
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
}

func newBucket(scope Scope, b Budget) (bucket, error) {
	if b.Capacity <= 0 {
		return bucket{}, fmt.Errorf("%s capacity must be positive", scope)
	}
	if b.Window <= 0 {
		return bucket{}, fmt.Errorf("%s window must be positive", scope)
	}
	windowMS := max(b.Window.Milliseconds(), 1)
	return bucket{
		scope:       scope,
		capacity:    int64(b.Capacity),
		refillPerMS: float64(b.Capacity) / float64(windowMS),
		ttl:         2 * b.Window,
	}, nil
}

type SubmissionLimiter struct {
	client    redis.UniversalClient
	submitter bucket
	fleet     *bucket
	keyPrefix string
	now       func() time.Time
	script    *redis.Script
}

// NewSubmissionLimiter checks every submission against perSubmitter and,
// unless fleet.Capacity is zero, against the shared fleet budget.
func NewSubmissionLimiter(client redis.UniversalClient, perSubmitter, fleet Budget, keyPrefix string) (*SubmissionLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	submitter, err := newBucket(ScopeSubmitter, perSubmitter)
	if err != nil {
		return nil, err
	}
	l := &SubmissionLimiter{
		client:    client,
		submitter: submitter,
		keyPrefix: strings.TrimSpace(keyPrefix),
		now:       time.Now,
		script:    redis.NewScript(submissionScript),
	}
	if l.keyPrefix == "" {
		l.keyPrefix = defaultKeyPrefix
	}
	if fleet.Capacity != 0 {
		shared, err := newBucket(ScopeFleet, fleet)
		if err != nil {
			return nil, err
		}
		l.fleet = &shared
	}
	return l, nil
}

func (l *SubmissionLimiter) buckets() []bucket {
	if l.fleet == nil {
		return []bucket{l.submitter}
	}
	return []bucket{l.submitter, *l.fleet}
}

func (l *SubmissionLimiter) keys(subject string) []string {
	keys := []string{l.keyPrefix + ":submitter:" + subject}
	if l.fleet != nil {
		keys = append(keys, l.keyPrefix+":fleet")
	}
	return keys
}

func (l *SubmissionLimiter) Allow(ctx context.Context, subject string) (Decision, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	buckets := l.buckets()
	args := []any{l.now().UTC().UnixMilli(), 1}
	for _, b := range buckets {
		args = append(args, b.capacity, b.refillPerMS, b.ttl.Milliseconds())
	}

	raw, err := l.script.Run(ctx, l.client, l.keys(subject), args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run submission limiter script: %w", err)
	}
	return parseDecision(raw, buckets)
}

func parseDecision(raw any, buckets []bucket) (Decision, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("invalid submission limiter response %v", raw)
	}

	var parsed [3]int64
	for i, v := range values {
		n, err := toInt64(v)
		if err != nil {
			return Decision{}, fmt.Errorf("parse submission limiter field %d: %w", i, err)
		}
		parsed[i] = n
	}

	denied := parsed[0]
	if denied < 0 || denied > int64(len(buckets)) {
		return Decision{}, fmt.Errorf("submission limiter denied unknown bucket %d", denied)
	}
	d := Decision{
		Allowed:    denied == 0,
		Remaining:  parsed[1],
		RetryAfter: time.Duration(parsed[2]) * time.Millisecond,
	}
	if !d.Allowed {
		d.Scope = buckets[denied-1].scope
	}
	return d, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
