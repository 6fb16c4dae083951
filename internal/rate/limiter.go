package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Scope names the counter a decision came from.
type Scope uint8

const (
	ScopeDevice Scope = iota + 1
	ScopeUserDevice
	ScopeRoute
)

func (s Scope) String() string {
	switch s {
	case ScopeDevice:
		return "device"
	case ScopeUserDevice:
		return "user_device"
	case ScopeRoute:
		return "route"
	default:
		return "unknown"
	}
}

// Window selects the counting algorithm.
type Window string

const (
	WindowFixed   Window = "fixed"
	WindowSliding Window = "sliding"
)

// Rule admits Limit requests per Period. A rule with Limit <= 0 is disabled.
type Rule struct {
	Limit  int
	Period time.Duration
	Window Window
}

func (r Rule) enabled() bool { return r.Limit > 0 && r.Period > 0 }

// Config holds the rules per scope. Routes overrides Route for named routes.
type Config struct {
	Device     Rule
	UserDevice Rule
	Route      Rule
	Routes     map[string]Rule
}

// Request identifies the caller. UserID is empty for unauthenticated calls.
type Request struct {
	TenantID string
	DeviceID string
	UserID   string
	Route    string
}

// Decision is the admission outcome. RetryAfter is set when refused.
type Decision struct {
	Allowed    bool
	Scope      Scope
	RetryAfter time.Duration
}

// fixedWindowLua increments the counter and arms its expiry on first hit.
// Returns {count, pttl}.
var fixedWindowLua = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`)

// slidingWindowLua trims members older than the period and admits when the
// remaining count is under the limit.
// ARGV: now ms, period ms, limit, member
// Returns {1, 0} when admitted, {0, retry ms} when refused.
var slidingWindowLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - period)
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = period
  if oldest[2] then
    retry = tonumber(oldest[2]) + period - now
  end
  return {0, retry}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], period)
return {1, 0}
`)

// Limiter evaluates admission rules against Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{redis: redisClient, config: cfg, now: now}
}

// Admit checks every applicable scope in order and stops at the first
// refusal. Requests without a device id skip the device scopes.
func (l *Limiter) Admit(ctx context.Context, req Request) (Decision, error) {
	tenant := req.TenantID
	if tenant == "" {
		tenant = "0"
	}

	type check struct {
		scope Scope
		rule  Rule
		key   string
	}
	var checks []check
	if req.DeviceID != "" {
		checks = append(checks, check{ScopeDevice, l.config.Device, "rl:d:" + tenant + ":" + req.DeviceID})
		if req.UserID != "" {
			checks = append(checks, check{ScopeUserDevice, l.config.UserDevice, "rl:ud:" + tenant + ":" + req.UserID + ":" + req.DeviceID})
		}
	}
	if req.Route != "" {
		rule := l.config.Route
		if r, ok := l.config.Routes[req.Route]; ok {
			rule = r
		}
		checks = append(checks, check{ScopeRoute, rule, "rl:r:" + tenant + ":" + req.Route + ":" + req.DeviceID})
	}

	for _, c := range checks {
		if !c.rule.enabled() {
			continue
		}
		ok, retry, err := l.hit(ctx, c.key, c.rule)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return Decision{Allowed: false, Scope: c.scope, RetryAfter: retry}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Check is Admit returning ErrRateLimited on refusal.
func (l *Limiter) Check(ctx context.Context, req Request) error {
	d, err := l.Admit(ctx, req)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s scope, retry after %s", ErrRateLimited, d.Scope, d.RetryAfter)
	}
	return nil
}

func (l *Limiter) hit(ctx context.Context, key string, rule Rule) (bool, time.Duration, error) {
	if rule.Window == WindowSliding {
		res, err := slidingWindowLua.Run(ctx, l.redis, []string{key + ":s"},
			l.now().UnixMilli(), rule.Period.Milliseconds(), rule.Limit, uuid.NewString(),
		).Int64Slice()
		if err != nil {
			return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if len(res) != 2 {
			return false, 0, fmt.Errorf("%w: unexpected window reply", ErrRedisUnavailable)
		}
		return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
	}

	res, err := fixedWindowLua.Run(ctx, l.redis, []string{key + ":f"}, rule.Period.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("%w: unexpected window reply", ErrRedisUnavailable)
	}
	if res[0] > int64(rule.Limit) {
		retry := time.Duration(res[1]) * time.Millisecond
		if retry < 0 {
			retry = rule.Period
		}
		return false, retry, nil
	}
	return true, 0, nil
}
