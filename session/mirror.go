package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror receives session state changes so that other processes can check
// sessions without reaching the primary store. The engine calls it on every
// transition; single-process deployments use NoopMirror.
type Mirror interface {
	Publish(ctx context.Context, s Session) error
	Revoke(ctx context.Context, tenantID, sessionID string) error
}

// NoopMirror discards every update.
type NoopMirror struct{}

func (NoopMirror) Publish(context.Context, Session) error       { return nil }
func (NoopMirror) Revoke(context.Context, string, string) error { return nil }

// RedisMirror writes a compact copy of live sessions under mir:<tenant>:<sid>.
type RedisMirror struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

// NewRedisMirror returns a mirror whose entries expire after ttl.
func NewRedisMirror(rdb redis.UniversalClient, ttl time.Duration) *RedisMirror {
	return &RedisMirror{redis: rdb, ttl: ttl}
}

func mirrorKey(tenantID, sessionID string) string {
	return "mir:" + normalizeTenantID(tenantID) + ":" + sessionID
}

func (m *RedisMirror) Publish(ctx context.Context, s Session) error {
	if !s.LoggedIn() {
		return m.Revoke(ctx, s.TenantID, s.ID)
	}

	key := mirrorKey(s.TenantID, s.ID)
	_, err := m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user", s.UserID,
			"device", s.DeviceID,
			"issued_at", s.IssuedAt.UnixMilli(),
		)
		pipe.PExpire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (m *RedisMirror) Revoke(ctx context.Context, tenantID, sessionID string) error {
	if err := m.redis.Del(ctx, mirrorKey(tenantID, sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Lookup reads a mirrored session. Only logged-in sessions are mirrored and
// the refresh hash is never copied. It returns ErrNotFound once revoked or
// expired.
func (m *RedisMirror) Lookup(ctx context.Context, tenantID, sessionID string) (Session, error) {
	v, err := m.redis.HGetAll(ctx, mirrorKey(tenantID, sessionID)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(v) == 0 {
		return Session{}, ErrNotFound
	}
	issued, err := strconv.ParseInt(v["issued_at"], 10, 64)
	if err != nil {
		return Session{}, errors.New("mirror entry corrupt")
	}
	return Session{
		ID:       sessionID,
		TenantID: normalizeTenantID(tenantID),
		UserID:   v["user"],
		DeviceID: v["device"],
		IssuedAt: time.UnixMilli(issued).UTC(),
	}, nil
}
