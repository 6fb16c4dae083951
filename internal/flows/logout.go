package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/tenantAuth/session"
	"github.com/MrEthical07/tenantAuth/token"
)

type LogoutSessionStore interface {
	Invalidate(ctx context.Context, tenantID, sessionID string) (bool, error)
	FindByUserDevice(ctx context.Context, tenantID, userID, deviceID string) (session.Session, error)
	ListForUser(ctx context.Context, tenantID, userID string) ([]session.Session, error)
	ListForDevice(ctx context.Context, tenantID, deviceID string) ([]session.Session, error)
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	TenantIDFromContext func(context.Context) string
	Codec               TokenCodec
	SessionStore        LogoutSessionStore
	Mirror              session.Mirror
	Warn                func(string, ...any)
}

// LogoutResult reports a single-session logout.
type LogoutResult struct {
	TenantID         string
	UserID           string
	DeviceID         string
	SessionID        string
	AlreadyLoggedOut bool
	Err              error
}

// LogoutAllResult reports a best-effort logout of every live session.
type LogoutAllResult struct {
	Invalidated int
	Failed      int
	Err         error
}

// Partial reports whether at least one session could not be invalidated.
func (r LogoutAllResult) Partial() bool {
	return r.Failed > 0
}

func RunLogout(ctx context.Context, tenantID, sessionID string, deps LogoutDeps) LogoutResult {
	already, err := deps.SessionStore.Invalidate(ctx, tenantID, sessionID)
	res := LogoutResult{TenantID: tenantID, SessionID: sessionID, AlreadyLoggedOut: already, Err: err}
	if err == nil && !already {
		mirrorRevoke(ctx, deps, tenantID, sessionID)
	}
	return res
}

func RunLogoutByAccessToken(ctx context.Context, accessToken, deviceID string, deps LogoutDeps) LogoutResult {
	payload, err := deps.Codec.Verify(accessToken, token.KindAccess)
	if err != nil {
		return LogoutResult{Err: err}
	}
	if deps.TenantIDFromContext != nil && deps.TenantIDFromContext(ctx) != payload.TenantID {
		return LogoutResult{Err: ErrTenantMismatch}
	}
	if deviceID == "" || deviceID != payload.DeviceID {
		return LogoutResult{TenantID: payload.TenantID, UserID: payload.UserID, Err: ErrDeviceMismatch}
	}

	sess, err := deps.SessionStore.FindByUserDevice(ctx, payload.TenantID, payload.UserID, payload.DeviceID)
	if err != nil {
		return LogoutResult{TenantID: payload.TenantID, UserID: payload.UserID, DeviceID: payload.DeviceID, Err: err}
	}

	res := RunLogout(ctx, payload.TenantID, sess.ID, deps)
	res.UserID = payload.UserID
	res.DeviceID = payload.DeviceID
	return res
}

// RunLogoutAll invalidates every logged-in session of the user. A failure on
// one session does not stop the others; the counts let the caller retry.
func RunLogoutAll(ctx context.Context, tenantID, userID string, deps LogoutDeps) LogoutAllResult {
	sessions, err := deps.SessionStore.ListForUser(ctx, tenantID, userID)
	if err != nil {
		return LogoutAllResult{Err: err}
	}
	return invalidateEach(ctx, tenantID, sessions, deps)
}

// RunLogoutDevice invalidates every logged-in session bound to the device.
func RunLogoutDevice(ctx context.Context, tenantID, deviceID string, deps LogoutDeps) LogoutAllResult {
	sessions, err := deps.SessionStore.ListForDevice(ctx, tenantID, deviceID)
	if err != nil {
		return LogoutAllResult{Err: err}
	}
	return invalidateEach(ctx, tenantID, sessions, deps)
}

func invalidateEach(ctx context.Context, tenantID string, sessions []session.Session, deps LogoutDeps) LogoutAllResult {
	var res LogoutAllResult
	var errs []error
	for _, s := range sessions {
		if !s.LoggedIn() {
			continue
		}
		already, err := deps.SessionStore.Invalidate(ctx, tenantID, s.ID)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			res.Failed++
			errs = append(errs, err)
			continue
		}
		if err == nil && !already {
			res.Invalidated++
		}
		mirrorRevoke(ctx, deps, tenantID, s.ID)
	}
	res.Err = errors.Join(errs...)
	return res
}

func mirrorRevoke(ctx context.Context, deps LogoutDeps, tenantID, sid string) {
	if deps.Mirror == nil {
		return
	}
	if err := deps.Mirror.Revoke(ctx, tenantID, sid); err != nil && deps.Warn != nil {
		deps.Warn("session mirror revoke failed", "error", err)
	}
}
