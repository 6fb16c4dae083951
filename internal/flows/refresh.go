package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/tenantAuth/session"
	"github.com/MrEthical07/tenantAuth/token"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureDeviceMismatch
	RefreshFailureIssue
	RefreshFailureRotate
	RefreshFailureSessionNotFound
	RefreshFailureExpired
	RefreshFailureReuse
	RefreshFailureStatusLookup
	RefreshFailureAccountStatus
)

// RefreshResult carries either the issued tokens or failure metadata.
// RefreshToken equals the presented token when the session was younger than
// the rotation threshold.
type RefreshResult struct {
	Failure      RefreshFailureKind
	Err          error
	TenantID     string
	UserID       string
	DeviceID     string
	SessionID    string
	AccessToken  string
	RefreshToken string
	// RefreshExpiresAt is the expiry of RefreshToken.
	RefreshExpiresAt time.Time
	Rotated          bool
}

// TokenCodec issues and verifies signed tokens.
type TokenCodec interface {
	Issue(sub token.Subject, kind token.Kind, ttl time.Duration) (string, error)
	Verify(tokenStr string, expected token.Kind) (token.Payload, error)
}

type RefreshSessionStore interface {
	Rotate(
		ctx context.Context,
		tenantID, userID, deviceID string,
		presentedHash, nextHash string,
		threshold time.Duration,
	) (session.RotateStatus, string, error)
	FindByUserDevice(ctx context.Context, tenantID, userID, deviceID string) (session.Session, error)
	Delete(ctx context.Context, tenantID, userID, deviceID string) (bool, error)
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	TenantIDFromContext func(context.Context) string
	Codec               TokenCodec
	SessionStore        RefreshSessionStore
	Mirror              session.Mirror
	HashToken           func(string) string
	// AccountStatus returns denied when the user may no longer hold a
	// session, and err when the user could not be loaded.
	AccountStatus     func(ctx context.Context, tenantID, userID string) (denied error, err error)
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	RotationThreshold time.Duration
	Now               func() time.Time
	Warn              func(string, ...any)
}

// RunRefresh verifies a refresh token and rotates it with a compare-and-swap
// on the stored hash. Presenting anything but the current token destroys the
// session. Account status and token minting happen before the swap so that
// a failure there leaves the stored token usable.
func RunRefresh(ctx context.Context, refreshToken, deviceID string, deps RefreshDeps) RefreshResult {
	payload, err := deps.Codec.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}

	if deps.TenantIDFromContext != nil && deps.TenantIDFromContext(ctx) != payload.TenantID {
		return RefreshResult{Failure: RefreshFailureDecode, Err: ErrTenantMismatch}
	}

	res := RefreshResult{
		TenantID: payload.TenantID,
		UserID:   payload.UserID,
		DeviceID: payload.DeviceID,
	}
	if deviceID == "" || deviceID != payload.DeviceID {
		res.Failure = RefreshFailureDeviceMismatch
		return res
	}

	if deps.AccountStatus != nil {
		statusErr, lookupErr := deps.AccountStatus(ctx, payload.TenantID, payload.UserID)
		if lookupErr != nil {
			res.Failure = RefreshFailureStatusLookup
			res.Err = lookupErr
			return res
		}
		if statusErr != nil {
			res.Failure = RefreshFailureAccountStatus
			res.Err = statusErr
			res.SessionID = dropSession(ctx, deps, payload)
			return res
		}
	}

	sub := token.Subject{TenantID: payload.TenantID, UserID: payload.UserID, DeviceID: payload.DeviceID}
	next, err := deps.Codec.Issue(sub, token.KindRefresh, deps.RefreshTTL)
	if err != nil {
		res.Failure = RefreshFailureIssue
		res.Err = err
		return res
	}
	access, err := deps.Codec.Issue(sub, token.KindAccess, deps.AccessTTL)
	if err != nil {
		res.Failure = RefreshFailureIssue
		res.Err = err
		return res
	}

	status, sid, err := deps.SessionStore.Rotate(
		ctx,
		payload.TenantID, payload.UserID, payload.DeviceID,
		deps.HashToken(refreshToken),
		deps.HashToken(next),
		deps.RotationThreshold,
	)
	res.SessionID = sid
	if err != nil {
		res.Failure = RefreshFailureRotate
		res.Err = err
		return res
	}

	switch status {
	case session.RotateNotFound:
		res.Failure = RefreshFailureSessionNotFound
		return res
	case session.RotateExpired:
		res.Failure = RefreshFailureExpired
		return res
	case session.RotateReuse:
		revoke(ctx, deps, payload.TenantID, sid)
		res.Failure = RefreshFailureReuse
		return res
	case session.RotateFresh:
		res.RefreshToken = refreshToken
		res.RefreshExpiresAt = payload.ExpiresAt
	case session.RotateRotated:
		res.RefreshToken = next
		res.Rotated = true
		if deps.Now != nil {
			res.RefreshExpiresAt = deps.Now().Add(deps.RefreshTTL)
		}
	}
	res.AccessToken = access

	if res.Rotated && deps.Mirror != nil {
		mirrored := session.Session{
			ID:          sid,
			TenantID:    payload.TenantID,
			UserID:      payload.UserID,
			DeviceID:    payload.DeviceID,
			RefreshHash: deps.HashToken(next),
		}
		if deps.Now != nil {
			mirrored.IssuedAt = deps.Now()
		}
		if err := deps.Mirror.Publish(ctx, mirrored); err != nil && deps.Warn != nil {
			deps.Warn("session mirror publish failed", "error", err)
		}
	}
	return res
}

// dropSession removes the session of a user who may no longer hold one and
// returns its id, if it had one.
func dropSession(ctx context.Context, deps RefreshDeps, payload token.Payload) string {
	var sid string
	if sess, err := deps.SessionStore.FindByUserDevice(ctx, payload.TenantID, payload.UserID, payload.DeviceID); err == nil {
		sid = sess.ID
	}
	if _, err := deps.SessionStore.Delete(ctx, payload.TenantID, payload.UserID, payload.DeviceID); err != nil && deps.Warn != nil {
		deps.Warn("session delete after status check failed", "error", err)
	}
	revoke(ctx, deps, payload.TenantID, sid)
	return sid
}

func revoke(ctx context.Context, deps RefreshDeps, tenantID, sid string) {
	if deps.Mirror == nil || sid == "" {
		return
	}
	if err := deps.Mirror.Revoke(ctx, tenantID, sid); err != nil && deps.Warn != nil {
		deps.Warn("session mirror revoke failed", "error", err)
	}
}
