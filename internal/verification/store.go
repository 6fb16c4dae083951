package verification

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/tenantAuth/internal"
)

const (
	recordPrefix = "ver"
	linkPrefix   = "vln"

	// DefaultRetention keeps terminal records around for auditing until the
	// retention sweep or the Redis TTL removes them.
	DefaultRetention = 24 * time.Hour
)

var (
	// ErrRedisUnavailable wraps any store failure.
	ErrRedisUnavailable = errors.New("verification redis unavailable")
	// ErrInvalidRequest reports an IssueRequest that cannot be honoured.
	ErrInvalidRequest = errors.New("invalid verification request")
)

// issueLua refuses to replace a live artifact.
// KEYS[1] = record key, KEYS[2] = link index key (unused for OTP)
// ARGV: now, id, kind, channel, hash, salt, expires_at, max_attempts,
// ttl_ms, tenant, user, purpose, device, link prefix
//
// Returns {0, expires_at} when an artifact is already active, {1, expires_at}
// after writing the new one.
var issueLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local rec = KEYS[1]
if redis.call('EXISTS', rec) == 1 then
  local f = redis.call('HMGET', rec, 'used', 'expires_at', 'attempts', 'max_attempts', 'id')
  local exp = tonumber(f[2] or '0')
  local attempts = tonumber(f[3] or '0')
  local maxa = tonumber(f[4] or '0')
  if f[1] == '0' and exp > now and (maxa == 0 or attempts < maxa) then
    return {0, exp}
  end
  if f[5] then
    redis.call('DEL', ARGV[14] .. f[5])
  end
  redis.call('DEL', rec)
end
redis.call('HSET', rec,
  'id', ARGV[2],
  'kind', ARGV[3],
  'channel', ARGV[4],
  'hash', ARGV[5],
  'salt', ARGV[6],
  'expires_at', ARGV[7],
  'max_attempts', ARGV[8],
  'attempts', 0,
  'used', '0',
  'created_at', ARGV[1],
  'tenant', ARGV[10],
  'user', ARGV[11],
  'purpose', ARGV[12],
  'device', ARGV[13])
redis.call('PEXPIRE', rec, ARGV[9])
if ARGV[3] == 'link' then
  redis.call('SET', KEYS[2], rec, 'PX', ARGV[9])
end
return {1, tonumber(ARGV[7])}
`)

// validateOTPLua checks and consumes an OTP in one step.
// KEYS[1] = record key
// ARGV[1] = expected artifact id, ARGV[2] = provided hash, ARGV[3] = now
//
// Returns {status, n}:
//
//	0 not found / used, 1 expired, 2 valid (n = stored hash),
//	3 mismatch (n = remaining), 4 exhausted
var validateOTPLua = redis.NewScript(`
local rec = KEYS[1]
local f = redis.call('HMGET', rec, 'id', 'kind', 'used', 'expires_at', 'attempts', 'max_attempts', 'hash')
if not f[1] or f[1] ~= ARGV[1] or f[2] ~= 'otp' or f[3] ~= '0' then
  return {0, 0}
end
local now = tonumber(ARGV[3])
if tonumber(f[4]) <= now then
  return {1, 0}
end
local attempts = tonumber(f[5])
local maxa = tonumber(f[6])
if attempts >= maxa then
  return {4, 0}
end
if f[7] ~= ARGV[2] then
  attempts = redis.call('HINCRBY', rec, 'attempts', 1)
  if attempts >= maxa then
    return {4, 0}
  end
  return {3, maxa - attempts}
end
redis.call('HSET', rec, 'used', '1', 'used_at', ARGV[3])
return {2, f[7]}
`)

// consumeLinkLua finds and marks a link used in one step.
// KEYS[1] = link index key
// ARGV[1] = expected artifact id, ARGV[2] = provided hash, ARGV[3] = now,
// ARGV[4] = purpose
//
// Returns {0} when the link is unknown, used, expired or wrong, otherwise
// {1, stored hash, user, device, channel, expires_at, created_at}.
var consumeLinkLua = redis.NewScript(`
local rec = redis.call('GET', KEYS[1])
if not rec then
  return {0}
end
local f = redis.call('HMGET', rec, 'id', 'kind', 'used', 'expires_at', 'purpose', 'hash', 'user', 'device', 'channel', 'created_at')
if not f[1] or f[1] ~= ARGV[1] or f[2] ~= 'link' or f[3] ~= '0' or f[5] ~= ARGV[4] then
  return {0}
end
if tonumber(f[4]) <= tonumber(ARGV[3]) then
  return {0}
end
if f[6] ~= ARGV[2] then
  return {0}
end
redis.call('HSET', rec, 'used', '1', 'used_at', ARGV[3])
redis.call('DEL', KEYS[1])
return {1, f[6], f[7], f[8], f[9], f[4], f[10]}
`)

// purgeLua deletes a record when it is used or expired.
// KEYS[1] = record key, ARGV[1] = now, ARGV[2] = link prefix
var purgeLua = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'used', 'expires_at', 'id', 'tenant')
if not f[3] then
  return 0
end
if f[1] == '1' or tonumber(f[2] or '0') <= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  redis.call('DEL', ARGV[2] .. f[4] .. ':' .. f[3])
  return 1
end
return 0
`)

// Store persists verification artifacts in Redis hashes.
type Store struct {
	redis     redis.UniversalClient
	now       func() time.Time
	retention time.Duration
}

// NewStore returns a Store. A nil now defaults to time.Now and a zero
// retention to DefaultRetention.
func NewStore(rdb redis.UniversalClient, now func() time.Time, retention time.Duration) *Store {
	if now == nil {
		now = time.Now
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{redis: rdb, now: now, retention: retention}
}

// Issue creates a new artifact for req.Key unless one is still active.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	if err := validateRequest(req); err != nil {
		return IssueResult{}, err
	}
	req.Key.TenantID = normalizeTenant(req.Key.TenantID)

	id, err := internal.NewArtifactID()
	if err != nil {
		return IssueResult{}, fmt.Errorf("artifact id: %w", err)
	}
	salt, err := internal.NewSalt()
	if err != nil {
		return IssueResult{}, fmt.Errorf("artifact salt: %w", err)
	}

	now := s.now()
	expiresAt := now.Add(req.TTL)

	var (
		artifact Artifact
		secret   []byte
	)
	switch req.Kind {
	case KindOTP:
		code, err := internal.NewOTP(req.CodeLength)
		if err != nil {
			return IssueResult{}, fmt.Errorf("otp: %w", err)
		}
		secret = []byte(code)
		artifact = OTP{ID: id.String(), Code: code, ExpiresAt: expiresAt, MaxAttempts: req.MaxAttempts}
	case KindLink:
		raw, err := internal.NewSecret()
		if err != nil {
			return IssueResult{}, fmt.Errorf("link secret: %w", err)
		}
		secret = raw[:]
		artifact = Link{ID: id.String(), Token: internal.EncodeLinkToken(id, raw), ExpiresAt: expiresAt}
	}

	sum := internal.SaltedHash(salt[:], secret)
	ttl := req.TTL + s.retention

	res, err := issueLua.Run(ctx, s.redis,
		[]string{recordKey(req.Key), linkKey(req.Key.TenantID, id.String())},
		now.UnixMilli(),
		id.String(),
		req.Kind.String(),
		string(req.Channel),
		hex.EncodeToString(sum[:]),
		hex.EncodeToString(salt[:]),
		expiresAt.UnixMilli(),
		req.MaxAttempts,
		ttl.Milliseconds(),
		req.Key.TenantID,
		req.Key.UserID,
		string(req.Key.Purpose),
		req.Key.DeviceID,
		linkPrefix+":"+req.Key.TenantID+":",
	).Int64Slice()
	if err != nil {
		return IssueResult{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return IssueResult{}, fmt.Errorf("%w: unexpected issue reply", ErrRedisUnavailable)
	}

	if res[0] == 0 {
		return IssueResult{Status: IssueAlreadyActive, ActiveUntil: time.UnixMilli(res[1])}, nil
	}
	return IssueResult{Status: IssueIssued, Artifact: artifact, ActiveUntil: expiresAt}, nil
}

// ValidateOTP checks code against the active OTP for key. Every business
// outcome is reported in the Result; errors mean the store failed.
func (s *Store) ValidateOTP(ctx context.Context, key Key, code string) (Result, error) {
	recKey := recordKey(key)
	fields, err := s.redis.HMGet(ctx, recKey, "id", "salt").Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	id, _ := fields[0].(string)
	saltHex, _ := fields[1].(string)
	salt, decodeErr := hex.DecodeString(saltHex)
	if id == "" || decodeErr != nil {
		return notFound(), nil
	}

	sum := internal.SaltedHash(salt, []byte(code))
	provided := hex.EncodeToString(sum[:])

	res, err := validateOTPLua.Run(ctx, s.redis, []string{recKey}, id, provided, s.now().UnixMilli()).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected validate reply", ErrRedisUnavailable)
	}

	status, _ := res[0].(int64)
	switch status {
	case 0:
		return notFound(), nil
	case 1:
		return Result{Status: StatusExpired, Message: "Verification code has expired."}, nil
	case 3:
		remaining, _ := res[1].(int64)
		return Result{
			Status:            StatusMismatch,
			AttemptsRemaining: int(remaining),
			Message:           fmt.Sprintf("Invalid, %d attempts remaining.", remaining),
		}, nil
	case 4:
		return Result{Status: StatusExhausted, Message: "Too many invalid attempts. Request a new code."}, nil
	case 2:
		stored, _ := res[1].(string)
		if subtle.ConstantTimeCompare([]byte(stored), []byte(provided)) != 1 {
			return Result{}, fmt.Errorf("%w: hash compare disagreement", ErrRedisUnavailable)
		}
		return Result{
			Status: StatusValid,
			Record: Record{ID: id, Key: key, Kind: KindOTP, Used: true},
		}, nil
	}
	return Result{}, fmt.Errorf("%w: unknown validate status %d", ErrRedisUnavailable, status)
}

// ConsumeLink atomically marks the link used. A concurrent duplicate always
// loses with StatusInvalidOrExpired.
func (s *Store) ConsumeLink(ctx context.Context, tenantID string, purpose Purpose, token string) (Result, error) {
	invalid := Result{Status: StatusInvalidOrExpired, Message: "Link is invalid or has expired."}

	tenantID = normalizeTenant(tenantID)
	id, secret, err := internal.DecodeLinkToken(token)
	if err != nil {
		return invalid, nil
	}
	idxKey := linkKey(tenantID, id.String())

	recKey, err := s.redis.Get(ctx, idxKey).Result()
	if errors.Is(err, redis.Nil) {
		return invalid, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	saltHex, err := s.redis.HGet(ctx, recKey, "salt").Result()
	if errors.Is(err, redis.Nil) {
		return invalid, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return invalid, nil
	}

	sum := internal.SaltedHash(salt, secret[:])
	provided := hex.EncodeToString(sum[:])

	res, err := consumeLinkLua.Run(ctx, s.redis, []string{idxKey},
		id.String(), provided, s.now().UnixMilli(), string(purpose),
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) == 0 {
		return Result{}, fmt.Errorf("%w: unexpected consume reply", ErrRedisUnavailable)
	}
	if status, _ := res[0].(int64); status != 1 || len(res) != 7 {
		return invalid, nil
	}

	stored, _ := res[1].(string)
	if subtle.ConstantTimeCompare([]byte(stored), []byte(provided)) != 1 {
		return invalid, nil
	}

	user, _ := res[2].(string)
	device, _ := res[3].(string)
	channel, _ := res[4].(string)
	expires, _ := strconv.ParseInt(fmt.Sprint(res[5]), 10, 64)
	created, _ := strconv.ParseInt(fmt.Sprint(res[6]), 10, 64)

	return Result{
		Status: StatusValid,
		Record: Record{
			ID:        id.String(),
			Key:       Key{TenantID: tenantID, UserID: user, Purpose: purpose, DeviceID: device},
			Kind:      KindLink,
			Channel:   Channel(channel),
			ExpiresAt: time.UnixMilli(expires),
			CreatedAt: time.UnixMilli(created),
			Used:      true,
		},
	}, nil
}

// Get returns the record for key without its secret.
func (s *Store) Get(ctx context.Context, key Key) (Record, bool, error) {
	m, err := s.redis.HGetAll(ctx, recordKey(key)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(m) == 0 {
		return Record{}, false, nil
	}
	return decodeRecord(key, m), true, nil
}

// Purge deletes every used or expired record and returns how many were
// removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	removed := 0

	iter := s.redis.Scan(ctx, 0, recordPrefix+":*", 256).Iterator()
	for iter.Next(ctx) {
		n, err := purgeLua.Run(ctx, s.redis, []string{iter.Val()}, now, linkPrefix+":").Int()
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

func notFound() Result {
	return Result{Status: StatusNotFound, Message: "No active verification code."}
}

func validateRequest(req IssueRequest) error {
	switch {
	case req.Key.UserID == "":
		return fmt.Errorf("%w: missing user", ErrInvalidRequest)
	case !req.Key.Purpose.Valid():
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidRequest, req.Key.Purpose)
	case req.TTL <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidRequest)
	case req.Kind == KindLink && req.Channel != ChannelEmail:
		return fmt.Errorf("%w: links require the email channel", ErrInvalidRequest)
	case req.Kind == KindOTP && req.MaxAttempts <= 0:
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidRequest)
	case req.Kind != KindOTP && req.Kind != KindLink:
		return fmt.Errorf("%w: unknown kind", ErrInvalidRequest)
	}
	return nil
}

func decodeRecord(key Key, m map[string]string) Record {
	atoi := func(f string) int64 {
		v, _ := strconv.ParseInt(m[f], 10, 64)
		return v
	}
	return Record{
		ID:          m["id"],
		Key:         key,
		Kind:        parseKind(m["kind"]),
		Channel:     Channel(m["channel"]),
		ExpiresAt:   time.UnixMilli(atoi("expires_at")),
		CreatedAt:   time.UnixMilli(atoi("created_at")),
		Used:        m["used"] == "1",
		Attempts:    int(atoi("attempts")),
		MaxAttempts: int(atoi("max_attempts")),
	}
}

func normalizeTenant(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}

func recordKey(k Key) string {
	key := recordPrefix + ":" + normalizeTenant(k.TenantID) + ":" + string(k.Purpose) + ":" + k.UserID
	if k.DeviceID != "" {
		key += ":" + k.DeviceID
	}
	return key
}

func linkKey(tenantID, id string) string {
	return linkPrefix + ":" + normalizeTenant(tenantID) + ":" + id
}
