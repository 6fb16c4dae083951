package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every store failure.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrNotFound is returned when no session exists for the lookup.
var ErrNotFound = errors.New("session not found")

const (
	sessionPrefix = "ses"
	indexPrefix   = "sid"
	userSetPrefix = "sus"
	devSetPrefix  = "sdv"
)

// upsertLoginScript creates or refreshes the (user, device) record.
// KEYS[1] = session key, KEYS[2] = user set, KEYS[3] = device set
// ARGV: candidate sid, refresh hash, now ms, sid index prefix, tenant, user,
// device
//
// Returns the record as a flat HGETALL reply.
var upsertLoginLua = redis.NewScript(`
local key = KEYS[1]
local now = ARGV[3]
if redis.call('HSETNX', key, 'sid', ARGV[1]) == 1 then
  redis.call('HSET', key,
    'tenant', ARGV[5],
    'user', ARGV[6],
    'device', ARGV[7],
    'first_seen_at', now,
    'last_logout_at', 0,
    'login_count', 0)
end
redis.call('HSET', key, 'refresh', ARGV[2], 'issued_at', now, 'last_login_at', now)
redis.call('HINCRBY', key, 'login_count', 1)
local sid = redis.call('HGET', key, 'sid')
redis.call('SET', ARGV[4] .. sid, ARGV[6] .. ':' .. ARGV[7])
redis.call('SADD', KEYS[2], ARGV[7])
redis.call('SADD', KEYS[3], ARGV[6])
return redis.call('HGETALL', key)
`)

// ensureScript creates a logged-out record when the pair has none.
// KEYS[1] = session key, KEYS[2] = user set, KEYS[3] = device set
// ARGV: candidate sid, now ms, sid index prefix, tenant, user, device
var ensureLua = redis.NewScript(`
local key = KEYS[1]
if redis.call('HSETNX', key, 'sid', ARGV[1]) == 1 then
  redis.call('HSET', key,
    'tenant', ARGV[4],
    'user', ARGV[5],
    'device', ARGV[6],
    'refresh', '',
    'issued_at', 0,
    'first_seen_at', ARGV[2],
    'last_login_at', 0,
    'last_logout_at', 0,
    'login_count', 0)
  redis.call('SET', ARGV[3] .. ARGV[1], ARGV[5] .. ':' .. ARGV[6])
  redis.call('SADD', KEYS[2], ARGV[6])
  redis.call('SADD', KEYS[3], ARGV[5])
end
return redis.call('HGETALL', key)
`)

// rotateScript compares the stored refresh hash and swaps it.
// KEYS[1] = session key, KEYS[2] = user set, KEYS[3] = device set
// ARGV: presented hash, next hash, now ms, threshold ms, ttl ms,
// sid index prefix, user, device
//
// Returns {status, sid}: 0 not found, 1 expired, 2 reuse (deleted),
// 3 fresh, 4 rotated.
var rotateLua = redis.NewScript(`
local key = KEYS[1]
local f = redis.call('HMGET', key, 'sid', 'refresh', 'issued_at')
if not f[1] then
  return {0, ''}
end
if f[2] ~= ARGV[1] then
  redis.call('DEL', key)
  redis.call('DEL', ARGV[6] .. f[1])
  redis.call('SREM', KEYS[2], ARGV[8])
  redis.call('SREM', KEYS[3], ARGV[7])
  return {2, f[1]}
end
local now = tonumber(ARGV[3])
local issued = tonumber(f[3])
if issued + tonumber(ARGV[5]) <= now then
  return {1, f[1]}
end
if now - issued < tonumber(ARGV[4]) then
  return {3, f[1]}
end
redis.call('HSET', key, 'refresh', ARGV[2], 'issued_at', ARGV[3])
return {4, f[1]}
`)

// invalidateScript logs a session out by id.
// KEYS[1] = sid index key
// ARGV: now ms, session key prefix, ttl ms
//
// Returns 0 not found, 2 already logged out or expired, 1 logged out now.
var invalidateLua = redis.NewScript(`
local ref = redis.call('GET', KEYS[1])
if not ref then
  return 0
end
local key = ARGV[2] .. ref
local f = redis.call('HMGET', key, 'refresh', 'issued_at')
if not f[1] then
  redis.call('DEL', KEYS[1])
  return 0
end
if f[1] == '' or tonumber(f[2]) + tonumber(ARGV[3]) <= tonumber(ARGV[1]) then
  return 2
end
redis.call('HSET', key, 'refresh', '', 'last_logout_at', ARGV[1])
return 1
`)

// deleteScript removes the record and its indexes.
// KEYS[1] = session key, KEYS[2] = user set, KEYS[3] = device set
// ARGV: sid index prefix, user, device
var deleteLua = redis.NewScript(`
local sid = redis.call('HGET', KEYS[1], 'sid')
redis.call('SREM', KEYS[2], ARGV[3])
redis.call('SREM', KEYS[3], ARGV[2])
if not sid then
  return 0
end
redis.call('DEL', ARGV[1] .. sid)
redis.call('DEL', KEYS[1])
return 1
`)

// purgeScript deletes a session once nothing has touched it for the refresh
// window: no issuance, creation or logout, and no attempt bucket still
// locked. Pending records (issued_at 0) carry the TWO_FACTOR bucket and age
// from first_seen_at.
// KEYS[1] = session key
// ARGV: now ms, ttl ms, sid prefix, user set prefix, device set prefix
var purgeLua = redis.NewScript(`
local flat = redis.call('HGETALL', KEYS[1])
if #flat == 0 then
  return 0
end
local h = {}
for i = 1, #flat, 2 do
  h[flat[i]] = flat[i + 1]
end
if not h['sid'] then
  return 0
end
local now = tonumber(ARGV[1])
local last = math.max(
  tonumber(h['issued_at'] or '0') or 0,
  tonumber(h['first_seen_at'] or '0') or 0,
  tonumber(h['last_logout_at'] or '0') or 0)
if last + tonumber(ARGV[2]) > now then
  return 0
end
for field, value in pairs(h) do
  if string.sub(field, -6) == '.until' and (tonumber(value) or 0) > now then
    return 0
  end
end
redis.call('DEL', KEYS[1])
redis.call('DEL', ARGV[3] .. h['tenant'] .. ':' .. h['sid'])
redis.call('SREM', ARGV[4] .. h['tenant'] .. ':' .. h['user'], h['device'])
redis.call('SREM', ARGV[5] .. h['tenant'] .. ':' .. h['device'], h['user'])
return 1
`)

// Store is the Redis-backed session store.
type Store struct {
	redis      redis.UniversalClient
	now        func() time.Time
	refreshTTL time.Duration
}

// NewStore returns a Store. refreshTTL bounds how long a session authorizes
// refreshes after its last issuance.
func NewStore(rdb redis.UniversalClient, now func() time.Time, refreshTTL time.Duration) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{redis: rdb, now: now, refreshTTL: refreshTTL}
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}

// Key returns the Redis key of the (user, device) record. Callers use it to
// address session-owned limiter buckets.
func (s *Store) Key(tenantID, userID, deviceID string) string {
	return sessionPrefix + ":" + normalizeTenantID(tenantID) + ":" + userID + ":" + deviceID
}

func (s *Store) sessionKeyPrefix(tenantID string) string {
	return sessionPrefix + ":" + normalizeTenantID(tenantID) + ":"
}

func (s *Store) indexKeyPrefix(tenantID string) string {
	return indexPrefix + ":" + normalizeTenantID(tenantID) + ":"
}

func (s *Store) userSetKey(tenantID, userID string) string {
	return userSetPrefix + ":" + normalizeTenantID(tenantID) + ":" + userID
}

func (s *Store) deviceSetKey(tenantID, deviceID string) string {
	return devSetPrefix + ":" + normalizeTenantID(tenantID) + ":" + deviceID
}

// UpsertLogin binds refreshHash to the (user, device) pair, creating the
// record on first login. firstSeenAt and the session id are only set on
// creation.
func (s *Store) UpsertLogin(ctx context.Context, tenantID, userID, deviceID, refreshHash string) (Session, error) {
	tenantID = normalizeTenantID(tenantID)
	reply, err := upsertLoginLua.Run(ctx, s.redis,
		[]string{s.Key(tenantID, userID, deviceID), s.userSetKey(tenantID, userID), s.deviceSetKey(tenantID, deviceID)},
		uuid.NewString(),
		refreshHash,
		s.now().UnixMilli(),
		s.indexKeyPrefix(tenantID),
		tenantID,
		userID,
		deviceID,
	).StringSlice()
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return decode(pairsToMap(reply)), nil
}

// Ensure returns the pair's record, creating a logged-out one if needed.
// Session-owned limiter buckets require the record to exist.
func (s *Store) Ensure(ctx context.Context, tenantID, userID, deviceID string) (Session, error) {
	tenantID = normalizeTenantID(tenantID)
	reply, err := ensureLua.Run(ctx, s.redis,
		[]string{s.Key(tenantID, userID, deviceID), s.userSetKey(tenantID, userID), s.deviceSetKey(tenantID, deviceID)},
		uuid.NewString(),
		s.now().UnixMilli(),
		s.indexKeyPrefix(tenantID),
		tenantID,
		userID,
		deviceID,
	).StringSlice()
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return decode(pairsToMap(reply)), nil
}

// FindByUserDevice loads the record for the pair.
func (s *Store) FindByUserDevice(ctx context.Context, tenantID, userID, deviceID string) (Session, error) {
	return s.load(ctx, s.Key(tenantID, userID, deviceID))
}

// FindByID resolves a session id through the index.
func (s *Store) FindByID(ctx context.Context, tenantID, sessionID string) (Session, error) {
	ref, err := s.redis.Get(ctx, s.indexKeyPrefix(tenantID)+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.load(ctx, s.sessionKeyPrefix(tenantID)+ref)
}

func (s *Store) load(ctx context.Context, key string) (Session, error) {
	m, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if m["sid"] == "" {
		return Session{}, ErrNotFound
	}
	return decode(m), nil
}

// Rotate swaps presentedHash for nextHash when presentedHash is the stored
// value and the stored token is older than threshold. A mismatch deletes the
// session and reports RotateReuse.
func (s *Store) Rotate(
	ctx context.Context,
	tenantID, userID, deviceID string,
	presentedHash, nextHash string,
	threshold time.Duration,
) (RotateStatus, string, error) {
	tenantID = normalizeTenantID(tenantID)
	reply, err := rotateLua.Run(ctx, s.redis,
		[]string{s.Key(tenantID, userID, deviceID), s.userSetKey(tenantID, userID), s.deviceSetKey(tenantID, deviceID)},
		presentedHash,
		nextHash,
		s.now().UnixMilli(),
		threshold.Milliseconds(),
		s.refreshTTL.Milliseconds(),
		s.indexKeyPrefix(tenantID),
		userID,
		deviceID,
	).Slice()
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(reply) != 2 {
		return 0, "", fmt.Errorf("%w: unexpected rotate reply", ErrRedisUnavailable)
	}

	code, _ := reply[0].(int64)
	sid, _ := reply[1].(string)
	switch code {
	case 0:
		return RotateNotFound, "", nil
	case 1:
		return RotateExpired, sid, nil
	case 2:
		return RotateReuse, sid, nil
	case 3:
		return RotateFresh, sid, nil
	case 4:
		return RotateRotated, sid, nil
	}
	return 0, "", fmt.Errorf("%w: unknown rotate status %d", ErrRedisUnavailable, code)
}

// Invalidate logs the session out. It reports alreadyLoggedOut without
// writing anything when there is no live refresh token.
func (s *Store) Invalidate(ctx context.Context, tenantID, sessionID string) (alreadyLoggedOut bool, err error) {
	status, err := invalidateLua.Run(ctx, s.redis,
		[]string{s.indexKeyPrefix(tenantID) + sessionID},
		s.now().UnixMilli(),
		s.sessionKeyPrefix(tenantID),
		s.refreshTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	switch status {
	case 0:
		return false, ErrNotFound
	case 2:
		return true, nil
	}
	return false, nil
}

// Delete hard-deletes the pair's record. It reports whether a record existed.
func (s *Store) Delete(ctx context.Context, tenantID, userID, deviceID string) (bool, error) {
	tenantID = normalizeTenantID(tenantID)
	n, err := deleteLua.Run(ctx, s.redis,
		[]string{s.Key(tenantID, userID, deviceID), s.userSetKey(tenantID, userID), s.deviceSetKey(tenantID, deviceID)},
		s.indexKeyPrefix(tenantID),
		userID,
		deviceID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n == 1, nil
}

// ListForUser returns every stored session of the user, logged in or not.
func (s *Store) ListForUser(ctx context.Context, tenantID, userID string) ([]Session, error) {
	devices, err := s.redis.SMembers(ctx, s.userSetKey(tenantID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	keys := make([]string, 0, len(devices))
	for _, d := range devices {
		keys = append(keys, s.Key(tenantID, userID, d))
	}
	return s.loadMany(ctx, keys)
}

// ListForDevice returns every stored session bound to the device.
func (s *Store) ListForDevice(ctx context.Context, tenantID, deviceID string) ([]Session, error) {
	users, err := s.redis.SMembers(ctx, s.deviceSetKey(tenantID, deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	keys := make([]string, 0, len(users))
	for _, u := range users {
		keys = append(keys, s.Key(tenantID, u, deviceID))
	}
	return s.loadMany(ctx, keys)
}

func (s *Store) loadMany(ctx context.Context, keys []string) ([]Session, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	out := make([]Session, 0, len(keys))
	for _, cmd := range cmds {
		m := cmd.Val()
		if m["sid"] == "" {
			continue
		}
		out = append(out, decode(m))
	}
	return out, nil
}

// PurgeExpired deletes every session idle for longer than the refresh
// window whose attempt buckets are not locked.
// This is an O(n) scan intended for the retention job only.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	removed := 0

	iter := s.redis.Scan(ctx, 0, sessionPrefix+":*", 256).Iterator()
	for iter.Next(ctx) {
		n, err := purgeLua.Run(ctx, s.redis, []string{iter.Val()},
			now,
			s.refreshTTL.Milliseconds(),
			indexPrefix+":",
			userSetPrefix+":",
			devSetPrefix+":",
		).Int()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return removed, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func pairsToMap(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

func decode(m map[string]string) Session {
	ms := func(f string) time.Time {
		v, err := strconv.ParseInt(m[f], 10, 64)
		if err != nil || v == 0 {
			return time.Time{}
		}
		return time.UnixMilli(v).UTC()
	}
	count, _ := strconv.ParseInt(m["login_count"], 10, 64)

	return Session{
		ID:           m["sid"],
		TenantID:     m["tenant"],
		UserID:       m["user"],
		DeviceID:     m["device"],
		RefreshHash:  m["refresh"],
		IssuedAt:     ms("issued_at"),
		FirstSeenAt:  ms("first_seen_at"),
		LastLoginAt:  ms("last_login_at"),
		LastLogoutAt: ms("last_logout_at"),
		LoginCount:   count,
	}
}
