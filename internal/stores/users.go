package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/tenantAuth/identity"
)

var ErrRedisUnavailable = errors.New("identity redis unavailable")

const deactivatedIndex = "uda"

var _ identity.Users = (*Users)(nil)

// createUserLua allocates the next id and writes the user with its indexes.
// KEYS[1] = sequence, KEYS[2] = email index, KEYS[3] = phone index
// ARGV[1] = capacity (0 = unbounded), ARGV[2] = user key prefix,
// ARGV[3] = has email, ARGV[4] = has phone, ARGV[5..] = field/value pairs
//
// Returns the id, -1 on duplicate identifier, -2 when capacity is reached.
var createUserLua = redis.NewScript(`
if ARGV[3] == '1' and redis.call('EXISTS', KEYS[2]) == 1 then
  return -1
end
if ARGV[4] == '1' and redis.call('EXISTS', KEYS[3]) == 1 then
  return -1
end
local cap = tonumber(ARGV[1])
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cap > 0 and cur + 1 > cap then
  return -2
end
local id = redis.call('INCR', KEYS[1])
local key = ARGV[2] .. id
redis.call('HSET', key, 'id', id, unpack(ARGV, 5))
if ARGV[3] == '1' then
  redis.call('SET', KEYS[2], id)
end
if ARGV[4] == '1' then
  redis.call('SET', KEYS[3], id)
end
return id
`)

// updateUserLua applies a patch when every expectation holds.
// KEYS[1] = user key, KEYS[2] = deactivated index
// ARGV[1] = index member, ARGV[2] = expectation count N,
// ARGV[3..2+2N] = field/expected pairs, remaining = field/value pairs
//
// Returns 0 when missing, 2 when a precondition fails, 1 on success.
var updateUserLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local n = tonumber(ARGV[2])
local i = 3
for _ = 1, n do
  if redis.call('HGET', KEYS[1], ARGV[i]) ~= ARGV[i + 1] then
    return 2
  end
  i = i + 2
end
if i <= #ARGV then
  redis.call('HSET', KEYS[1], unpack(ARGV, i))
end
local f = redis.call('HMGET', KEYS[1], 'active', 'deactivated_at')
if f[1] == '0' and tonumber(f[2] or '0') > 0 then
  redis.call('ZADD', KEYS[2], f[2], ARGV[1])
else
  redis.call('ZREM', KEYS[2], ARGV[1])
end
return 1
`)

// deleteDeactivatedLua removes a user that is still deactivated before the
// cutoff, together with its identifier indexes.
// KEYS[1] = user key, KEYS[2] = deactivated index
// ARGV[1] = member, ARGV[2] = cutoff ms, ARGV[3] = email index prefix,
// ARGV[4] = phone index prefix
var deleteDeactivatedLua = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'id', 'active', 'deactivated_at', 'email', 'phone_full')
if not f[1] then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 0
end
local at = tonumber(f[3] or '0')
if f[2] ~= '0' or at == 0 or at > tonumber(ARGV[2]) then
  return 0
end
if f[4] and f[4] ~= '' and redis.call('GET', ARGV[3] .. f[4]) == f[1] then
  redis.call('DEL', ARGV[3] .. f[4])
end
if f[5] and f[5] ~= '' and redis.call('GET', ARGV[4] .. f[5]) == f[1] then
  redis.call('DEL', ARGV[4] .. f[5])
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// Users implements identity.Users on Redis.
type Users struct {
	redis redis.UniversalClient
	now   func() time.Time
}

func NewUsers(rdb redis.UniversalClient, now func() time.Time) *Users {
	if now == nil {
		now = time.Now
	}
	return &Users{redis: rdb, now: now}
}

func userPrefix(tenantID string) string  { return "usr:" + normalizeTenant(tenantID) + ":" }
func emailPrefix(tenantID string) string { return "uem:" + normalizeTenant(tenantID) + ":" }
func phonePrefix(tenantID string) string { return "uph:" + normalizeTenant(tenantID) + ":" }
func seqKey(tenantID string) string      { return "uid:" + normalizeTenant(tenantID) + ":seq" }

func userKey(tenantID string, id uint64) string {
	return userPrefix(tenantID) + strconv.FormatUint(id, 10)
}

func member(tenantID string, id uint64) string {
	return normalizeTenant(tenantID) + ":" + strconv.FormatUint(id, 10)
}

func (s *Users) Create(ctx context.Context, tenantID string, u identity.User, capacity uint64) (identity.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	fields := []interface{}{
		"email", u.Email,
		"phone_cc", u.Phone.CountryCode,
		"phone_number", u.Phone.Number,
		"phone_full", u.Phone.Full,
		"password", u.PasswordHash,
		"active", boolField(u.Active),
		"blocked", boolField(u.Blocked),
		"verified", boolField(u.Verified),
		"admin", boolField(u.Admin),
		"tfa", boolField(u.TwoFactorEnabled),
		"tfa_on_at", timeField(u.TwoFactorEnabledAt),
		"tfa_off_at", timeField(u.TwoFactorDisabledAt),
		"created_at", timeField(u.CreatedAt),
		"password_changed_at", timeField(u.PasswordChangedAt),
		"activated_at", timeField(u.ActivatedAt),
		"deactivated_at", timeField(u.DeactivatedAt),
	}
	args := append([]interface{}{
		capacity,
		userPrefix(tenantID),
		boolField(u.Email != ""),
		boolField(u.Phone.Full != ""),
	}, fields...)

	id, err := createUserLua.Run(ctx, s.redis,
		[]string{seqKey(tenantID), emailPrefix(tenantID) + u.Email, phonePrefix(tenantID) + u.Phone.Full},
		args...,
	).Int64()
	if err != nil {
		return identity.User{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	switch id {
	case -1:
		return identity.User{}, identity.ErrDuplicate
	case -2:
		return identity.User{}, identity.ErrCapacity
	}

	u.ID = uint64(id)
	return u, nil
}

func (s *Users) ByID(ctx context.Context, tenantID string, id uint64) (identity.User, error) {
	m, err := s.redis.HGetAll(ctx, userKey(tenantID, id)).Result()
	if err != nil {
		return identity.User{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(m) == 0 {
		return identity.User{}, identity.ErrNotFound
	}
	return decodeUser(m), nil
}

func (s *Users) ByEmail(ctx context.Context, tenantID, email string) (identity.User, error) {
	return s.byIndex(ctx, tenantID, emailPrefix(tenantID)+strings.ToLower(email))
}

func (s *Users) ByPhone(ctx context.Context, tenantID, full string) (identity.User, error) {
	return s.byIndex(ctx, tenantID, phonePrefix(tenantID)+full)
}

func (s *Users) byIndex(ctx context.Context, tenantID, key string) (identity.User, error) {
	raw, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return identity.User{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return identity.User{}, identity.ErrNotFound
	}
	return s.ByID(ctx, tenantID, id)
}

func (s *Users) Update(ctx context.Context, tenantID string, id uint64, p identity.UserPatch) (identity.User, error) {
	var expect, set []interface{}
	addExpect := func(field string, v string) { expect = append(expect, field, v) }
	addSet := func(field string, v string) { set = append(set, field, v) }

	if p.ExpectActive != nil {
		addExpect("active", boolField(*p.ExpectActive))
	}
	if p.ExpectBlocked != nil {
		addExpect("blocked", boolField(*p.ExpectBlocked))
	}
	if p.ExpectTwoFactor != nil {
		addExpect("tfa", boolField(*p.ExpectTwoFactor))
	}
	if p.ExpectPasswordHash != nil {
		addExpect("password", *p.ExpectPasswordHash)
	}

	if p.PasswordHash != nil {
		addSet("password", *p.PasswordHash)
	}
	if p.Active != nil {
		addSet("active", boolField(*p.Active))
	}
	if p.Blocked != nil {
		addSet("blocked", boolField(*p.Blocked))
	}
	if p.Verified != nil {
		addSet("verified", boolField(*p.Verified))
	}
	if p.TwoFactorEnabled != nil {
		addSet("tfa", boolField(*p.TwoFactorEnabled))
	}
	if p.TwoFactorEnabledAt != nil {
		addSet("tfa_on_at", timeField(*p.TwoFactorEnabledAt))
	}
	if p.TwoFactorDisabledAt != nil {
		addSet("tfa_off_at", timeField(*p.TwoFactorDisabledAt))
	}
	if p.PasswordChangedAt != nil {
		addSet("password_changed_at", timeField(*p.PasswordChangedAt))
	}
	if p.ActivatedAt != nil {
		addSet("activated_at", timeField(*p.ActivatedAt))
	}
	if p.DeactivatedAt != nil {
		addSet("deactivated_at", timeField(*p.DeactivatedAt))
	}

	args := make([]interface{}, 0, 2+len(expect)+len(set))
	args = append(args, member(tenantID, id), len(expect)/2)
	args = append(args, expect...)
	args = append(args, set...)

	status, err := updateUserLua.Run(ctx, s.redis,
		[]string{userKey(tenantID, id), deactivatedIndex}, args...,
	).Int()
	if err != nil {
		return identity.User{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	switch status {
	case 0:
		return identity.User{}, identity.ErrNotFound
	case 2:
		return identity.User{}, identity.ErrConflict
	}
	return s.ByID(ctx, tenantID, id)
}

func (s *Users) DeleteDeactivatedBefore(ctx context.Context, cutoff time.Time) ([]identity.Ref, error) {
	members, err := s.redis.ZRangeByScore(ctx, deactivatedIndex, &redis.ZRangeBy{
		Min: "1",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var deleted []identity.Ref
	for _, m := range members {
		idx := strings.LastIndexByte(m, ':')
		if idx <= 0 {
			continue
		}
		tenantID := m[:idx]
		id, err := strconv.ParseUint(m[idx+1:], 10, 64)
		if err != nil {
			continue
		}

		n, err := deleteDeactivatedLua.Run(ctx, s.redis,
			[]string{userKey(tenantID, id), deactivatedIndex},
			m, cutoff.UnixMilli(), emailPrefix(tenantID), phonePrefix(tenantID),
		).Int()
		if err != nil {
			return deleted, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if n == 1 {
			deleted = append(deleted, identity.Ref{TenantID: tenantID, UserID: id})
		}
	}
	return deleted, nil
}

func decodeUser(m map[string]string) identity.User {
	id, _ := strconv.ParseUint(m["id"], 10, 64)
	return identity.User{
		ID:    id,
		Email: m["email"],
		Phone: identity.Phone{
			CountryCode: m["phone_cc"],
			Number:      m["phone_number"],
			Full:        m["phone_full"],
		},
		PasswordHash:        m["password"],
		Active:              m["active"] == "1",
		Blocked:             m["blocked"] == "1",
		Verified:            m["verified"] == "1",
		Admin:               m["admin"] == "1",
		TwoFactorEnabled:    m["tfa"] == "1",
		TwoFactorEnabledAt:  parseTime(m["tfa_on_at"]),
		TwoFactorDisabledAt: parseTime(m["tfa_off_at"]),
		CreatedAt:           parseTime(m["created_at"]),
		PasswordChangedAt:   parseTime(m["password_changed_at"]),
		ActivatedAt:         parseTime(m["activated_at"]),
		DeactivatedAt:       parseTime(m["deactivated_at"]),
	}
}
