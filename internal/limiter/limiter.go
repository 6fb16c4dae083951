package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every store failure.
var ErrRedisUnavailable = errors.New("limiter redis unavailable")

// ErrOwnerNotFound is returned for session-scoped buckets whose session
// document no longer exists.
var ErrOwnerNotFound = errors.New("limiter bucket owner not found")

// Context is the closed set of security contexts a bucket can track.
type Context uint8

const (
	ContextLogin Context = iota + 1
	ContextChangePassword
	ContextActivation
	ContextDeactivation
	ContextTwoFactorToggle
	ContextTwoFactorLogin
	ContextDeviceVerification
	ContextPasswordReset
)

var contextNames = map[Context]string{
	ContextLogin:              "LOGIN",
	ContextChangePassword:     "CHANGE_PASSWORD",
	ContextActivation:         "ACTIVATE_ACCOUNT",
	ContextDeactivation:       "DEACTIVATE_ACCOUNT",
	ContextTwoFactorToggle:    "TOGGLE_TWO_FACTOR",
	ContextTwoFactorLogin:     "TWO_FACTOR",
	ContextDeviceVerification: "DEVICE_VERIFICATION",
	ContextPasswordReset:      "PASSWORD_RESET",
}

func (c Context) String() string {
	if name, ok := contextNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Contexts lists every known context in declaration order.
func Contexts() []Context {
	return []Context{
		ContextLogin,
		ContextChangePassword,
		ContextActivation,
		ContextDeactivation,
		ContextTwoFactorToggle,
		ContextTwoFactorLogin,
		ContextDeviceVerification,
		ContextPasswordReset,
	}
}

// Bucket is the persisted state for one context.
type Bucket struct {
	FailedAttempts int
	LockoutUntil   time.Time
}

// Ref addresses a bucket: the owning hash document plus the context. Buckets
// owned by a session live inside the session hash and require it to exist.
type Ref struct {
	Key       string
	Context   Context
	MustExist bool
}

// UserRef addresses a user-owned bucket.
func UserRef(tenantID, userID string, c Context) Ref {
	return Ref{Key: "sb:" + normalizeTenantID(tenantID) + ":" + userID, Context: c}
}

// DocumentRef addresses a bucket stored inside an existing hash document.
func DocumentRef(key string, c Context) Ref {
	return Ref{Key: key, Context: c, MustExist: true}
}

// LockState is the result of CheckLocked.
type LockState struct {
	Locked     bool
	RetryAfter time.Duration
}

// FailureResult is the result of RecordFailure.
type FailureResult struct {
	Locked            bool
	AttemptsRemaining int
	RetryAfter        time.Duration
	Message           string
}

// Policy bounds a context.
type Policy struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

// recordFailureLua performs the whole read-modify-write for one failure.
// KEYS[1] = bucket document
// ARGV[1] = count field, ARGV[2] = lockout field
// ARGV[3] = max attempts, ARGV[4] = lockout ms, ARGV[5] = now ms, ARGV[6] = must exist
//
// Returns {status, count, lockout_until}; status -1 owner missing, 0 open, 1 locked.
var recordFailureLua = redis.NewScript(`
if ARGV[6] == '1' and redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, 0, 0}
end

local count = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local lockedUntil = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
local maxAttempts = tonumber(ARGV[3])
local lockoutMs = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

if lockedUntil > 0 then
  if lockedUntil > now then
    return {1, count, lockedUntil}
  end
  count = 0
  lockedUntil = 0
end

count = count + 1
if count >= maxAttempts then
  lockedUntil = now + lockoutMs
  redis.call('HSET', KEYS[1], ARGV[1], count, ARGV[2], lockedUntil)
  return {1, count, lockedUntil}
end

redis.call('HSET', KEYS[1], ARGV[1], count, ARGV[2], 0)
return {0, count, 0}
`)

// Limiter tracks failed attempts per (owner, context) in Redis hashes.
type Limiter struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// New creates a Limiter. now defaults to time.Now.
func New(redisClient redis.UniversalClient, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{redis: redisClient, now: now}
}

// CheckLocked reports whether ref is inside an unexpired lockout window.
func (l *Limiter) CheckLocked(ctx context.Context, ref Ref) (LockState, error) {
	bucket, err := l.Get(ctx, ref)
	if err != nil {
		return LockState{}, err
	}

	now := l.now()
	if bucket.LockoutUntil.After(now) {
		return LockState{Locked: true, RetryAfter: bucket.LockoutUntil.Sub(now)}, nil
	}
	return LockState{}, nil
}

// RecordFailure counts one failure. An expired lock is cleared before the
// increment; reaching MaxAttempts starts a new lockout window. While locked
// the counter is not incremented.
func (l *Limiter) RecordFailure(ctx context.Context, ref Ref, policy Policy) (FailureResult, error) {
	if policy.MaxAttempts <= 0 || policy.LockoutDuration <= 0 {
		return FailureResult{}, fmt.Errorf("invalid limiter policy for %s", ref.Context)
	}

	now := l.now()
	mustExist := "0"
	if ref.MustExist {
		mustExist = "1"
	}

	raw, err := recordFailureLua.Run(ctx, l.redis,
		[]string{ref.Key},
		countField(ref.Context),
		lockField(ref.Context),
		policy.MaxAttempts,
		policy.LockoutDuration.Milliseconds(),
		now.UnixMilli(),
		mustExist,
	).Int64Slice()
	if err != nil {
		return FailureResult{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(raw) != 3 {
		return FailureResult{}, fmt.Errorf("%w: invalid limiter script response", ErrRedisUnavailable)
	}

	switch raw[0] {
	case -1:
		return FailureResult{}, ErrOwnerNotFound
	case 1:
		retry := time.UnixMilli(raw[2]).Sub(now)
		return FailureResult{
			Locked:     true,
			RetryAfter: retry,
			Message:    lockedMessage(retry),
		}, nil
	default:
		remaining := policy.MaxAttempts - int(raw[1])
		return FailureResult{
			AttemptsRemaining: remaining,
			Message:           remainingMessage(remaining),
		}, nil
	}
}

// Reset clears the context's counter and lockout.
func (l *Limiter) Reset(ctx context.Context, ref Ref) error {
	if err := l.redis.HDel(ctx, ref.Key, countField(ref.Context), lockField(ref.Context)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get returns the stored bucket; a missing bucket is the zero value.
func (l *Limiter) Get(ctx context.Context, ref Ref) (Bucket, error) {
	vals, err := l.redis.HMGet(ctx, ref.Key, countField(ref.Context), lockField(ref.Context)).Result()
	if err != nil {
		return Bucket{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var bucket Bucket
	if n := parseInt(vals[0]); n > 0 {
		bucket.FailedAttempts = int(n)
	}
	if ms := parseInt(vals[1]); ms > 0 {
		bucket.LockoutUntil = time.UnixMilli(ms)
	}
	return bucket, nil
}

// Snapshot returns every user-owned bucket with state.
func (l *Limiter) Snapshot(ctx context.Context, tenantID, userID string) (map[Context]Bucket, error) {
	out := make(map[Context]Bucket)
	for _, c := range Contexts() {
		bucket, err := l.Get(ctx, UserRef(tenantID, userID, c))
		if err != nil {
			return nil, err
		}
		if bucket.FailedAttempts > 0 || !bucket.LockoutUntil.IsZero() {
			out[c] = bucket
		}
	}
	return out, nil
}

// Purge drops every user-owned bucket for userID.
func (l *Limiter) Purge(ctx context.Context, tenantID, userID string) error {
	if err := l.redis.Del(ctx, UserRef(tenantID, userID, ContextLogin).Key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func countField(c Context) string { return c.String() + ".n" }
func lockField(c Context) string  { return c.String() + ".until" }

func parseInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func lockedMessage(retry time.Duration) string {
	return fmt.Sprintf("Too many failed attempts. Try again in %s.", retry.Round(time.Second))
}

func remainingMessage(remaining int) string {
	if remaining == 1 {
		return "Invalid, 1 attempt remaining."
	}
	return fmt.Sprintf("Invalid, %d attempts remaining.", remaining)
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}
