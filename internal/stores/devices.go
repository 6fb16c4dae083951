package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/tenantAuth/identity"
)

var _ identity.Devices = (*Devices)(nil)

// upsertDeviceLua refreshes name and class and keeps the blocked flag.
// KEYS[1] = device key; ARGV = id, name, class, now
var upsertDeviceLua = redis.NewScript(`
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'name', ARGV[2], 'class', ARGV[3], 'seen_at', ARGV[4])
redis.call('HSETNX', KEYS[1], 'blocked', '0')
redis.call('HSETNX', KEYS[1], 'created_at', ARGV[4])
return redis.call('HGET', KEYS[1], 'blocked')
`)

// setDeviceBlockedLua: 0 missing, 2 already in state, 1 changed.
var setDeviceBlockedLua = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'blocked')
if not cur then
  return 0
end
if cur == ARGV[1] then
  return 2
end
redis.call('HSET', KEYS[1], 'blocked', ARGV[1])
return 1
`)

// Devices implements identity.Devices on Redis.
type Devices struct {
	redis redis.UniversalClient
	now   func() time.Time
}

func NewDevices(rdb redis.UniversalClient, now func() time.Time) *Devices {
	if now == nil {
		now = time.Now
	}
	return &Devices{redis: rdb, now: now}
}

func deviceKey(tenantID, id string) string {
	return "dev:" + normalizeTenant(tenantID) + ":" + id
}

func (s *Devices) Upsert(ctx context.Context, tenantID string, d identity.Device) (identity.Device, error) {
	blocked, err := upsertDeviceLua.Run(ctx, s.redis,
		[]string{deviceKey(tenantID, d.ID)},
		d.ID, d.Name, string(d.Class), s.now().UnixMilli(),
	).Text()
	if err != nil {
		return identity.Device{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	d.Blocked = blocked == "1"
	return d, nil
}

func (s *Devices) ByID(ctx context.Context, tenantID, id string) (identity.Device, error) {
	m, err := s.redis.HGetAll(ctx, deviceKey(tenantID, id)).Result()
	if err != nil {
		return identity.Device{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(m) == 0 {
		return identity.Device{}, identity.ErrNotFound
	}
	return identity.Device{
		ID:      m["id"],
		Name:    m["name"],
		Class:   identity.DeviceClass(m["class"]),
		Blocked: m["blocked"] == "1",
	}, nil
}

func (s *Devices) SetBlocked(ctx context.Context, tenantID, id string, blocked bool) (identity.Device, error) {
	status, err := setDeviceBlockedLua.Run(ctx, s.redis,
		[]string{deviceKey(tenantID, id)}, boolField(blocked),
	).Int()
	if err != nil {
		return identity.Device{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	switch status {
	case 0:
		return identity.Device{}, identity.ErrNotFound
	case 2:
		return identity.Device{}, identity.ErrConflict
	}
	return s.ByID(ctx, tenantID, id)
}
