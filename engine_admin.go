package tenantAuth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/flows"
	"github.com/MrEthical07/tenantAuth/internal/notify"
	"github.com/MrEthical07/tenantAuth/session"
)

// BlockUser blocks the user and ends every session the user holds. The
// session sweep is best effort; a partial result can be retried with
// [Engine.LogoutAll].
func (e *Engine) BlockUser(ctx context.Context, userID string) (LogoutAllResult, error) {
	tenantID := tenantIDFromContext(ctx)
	u, err := e.setUserBlocked(ctx, "block_user", tenantID, userID, true)
	if err != nil {
		return LogoutAllResult{}, err
	}

	report, err := e.logoutAll(ctx, tenantID, userID)
	if err != nil {
		// The block itself holds; refresh and validation reject blocked users.
		e.log.Warn("block user session sweep failed", zap.String("tenant", tenantID), zap.String("user", userID), zap.Error(err))
		report = LogoutAllResult{Failed: 1}
	}

	e.metrics.Inc(MetricUserBlocked)
	e.emitAudit(ctx, auditEventUserBlocked, true, auditSubject{tenantID: tenantID, userID: userID}, nil, map[string]string{
		"invalidated": itoa(report.Invalidated),
		"failed":      itoa(report.Failed),
	})
	e.notifyUser(ctx, tenantID, u, notify.TemplateAccountBlocked, nil)
	return report, nil
}

// UnblockUser lifts a user block.
func (e *Engine) UnblockUser(ctx context.Context, userID string) error {
	tenantID := tenantIDFromContext(ctx)
	u, err := e.setUserBlocked(ctx, "unblock_user", tenantID, userID, false)
	if err != nil {
		return err
	}
	e.metrics.Inc(MetricUserUnblocked)
	e.emitAudit(ctx, auditEventUserUnblocked, true, auditSubject{tenantID: tenantID, userID: userID}, nil, nil)
	e.notifyUser(ctx, tenantID, u, notify.TemplateAccountUnblocked, nil)
	return nil
}

func (e *Engine) setUserBlocked(ctx context.Context, op, tenantID, userID string, blocked bool) (identity.User, error) {
	id, err := identity.ParseID(userID)
	if err != nil {
		return identity.User{}, ErrInvalidInput.withMessage("invalid user id")
	}
	u, err := e.users.Update(ctx, tenantID, id, identity.UserPatch{
		ExpectBlocked: identity.Bool(!blocked),
		Blocked:       identity.Bool(blocked),
	})
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return identity.User{}, ErrNotFound.withMessage("user not found")
	case errors.Is(err, identity.ErrConflict):
		return identity.User{}, ErrAlreadyInState
	case err != nil:
		return identity.User{}, e.serverError(op, err, zap.String("tenant", tenantID), zap.String("user", userID))
	}
	return u, nil
}

// BlockDevice blocks a device for every user and ends its sessions. A
// device on the admin whitelist, or one holding a live administrator
// session, cannot be blocked.
func (e *Engine) BlockDevice(ctx context.Context, deviceID string) (DeviceBlockResult, error) {
	tenantID := tenantIDFromContext(ctx)
	sub := auditSubject{tenantID: tenantID, deviceID: deviceID}
	if !identity.ValidDeviceID(deviceID) {
		return DeviceBlockResult{}, ErrInvalidInput.withMessage("invalid device id")
	}

	res := flows.RunBlockDevice(ctx, tenantID, deviceID, flows.DeviceBlockDeps{
		Whitelisted: e.deviceWhitelisted,
		IsAdmin:     e.isAdmin,
		Live: func(s session.Session) bool {
			return s.Live(e.now(), e.config.Token.RefreshTTL)
		},
		SetBlocked: func(ctx context.Context, tenantID, deviceID string) error {
			_, err := e.devices.SetBlocked(ctx, tenantID, deviceID, true)
			return err
		},
		Logout: e.logoutDeps(),
	})

	switch res.Failure {
	case flows.DeviceBlockFailureNone:
	case flows.DeviceBlockFailureWhitelisted:
		e.metrics.Inc(MetricDeviceBlockRefused)
		e.emitAudit(ctx, auditEventDeviceBlockRefused, false, sub, ErrDeviceWhitelisted, map[string]string{"reason": "whitelisted"})
		return DeviceBlockResult{}, ErrDeviceWhitelisted
	case flows.DeviceBlockFailureAdminSession:
		e.metrics.Inc(MetricDeviceBlockRefused)
		e.emitAudit(ctx, auditEventDeviceBlockRefused, false, sub, ErrAdminSessionLive, map[string]string{
			"reason": "admin_session",
			"admin":  res.AdminUserID,
		})
		return DeviceBlockResult{}, ErrAdminSessionLive
	case flows.DeviceBlockFailureUpdate:
		switch {
		case errors.Is(res.Err, identity.ErrNotFound):
			return DeviceBlockResult{}, ErrNotFound.withMessage("device not found")
		case errors.Is(res.Err, identity.ErrConflict):
			return DeviceBlockResult{}, ErrAlreadyInState
		}
		return DeviceBlockResult{}, e.serverError("block_device", res.Err, zap.String("tenant", tenantID), zap.String("device", deviceID))
	default:
		return DeviceBlockResult{}, e.serverError("block_device", res.Err, zap.String("tenant", tenantID), zap.String("device", deviceID))
	}

	report := LogoutAllResult{Invalidated: res.Sessions.Invalidated, Failed: res.Sessions.Failed}
	if res.Sessions.Err != nil {
		if report.Failed == 0 {
			report.Failed = 1
		}
		e.log.Warn("block device session sweep incomplete",
			zap.String("tenant", tenantID),
			zap.String("device", deviceID),
			zap.Error(res.Sessions.Err),
		)
	}
	e.metrics.Add(MetricSessionInvalidated, uint64(report.Invalidated))
	e.metrics.Inc(MetricDeviceBlocked)
	e.emitAudit(ctx, auditEventDeviceBlocked, true, sub, nil, map[string]string{
		"invalidated": itoa(report.Invalidated),
		"failed":      itoa(report.Failed),
	})
	return DeviceBlockResult{LogoutAll: report}, nil
}

// UnblockDevice lifts a device block.
func (e *Engine) UnblockDevice(ctx context.Context, deviceID string) error {
	tenantID := tenantIDFromContext(ctx)
	if !identity.ValidDeviceID(deviceID) {
		return ErrInvalidInput.withMessage("invalid device id")
	}
	_, err := e.devices.SetBlocked(ctx, tenantID, deviceID, false)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return ErrNotFound.withMessage("device not found")
	case errors.Is(err, identity.ErrConflict):
		return ErrAlreadyInState
	case err != nil:
		return e.serverError("unblock_device", err, zap.String("tenant", tenantID), zap.String("device", deviceID))
	}
	e.metrics.Inc(MetricDeviceUnblocked)
	e.emitAudit(ctx, auditEventDeviceUnblocked, true, auditSubject{tenantID: tenantID, deviceID: deviceID}, nil, nil)
	return nil
}

func (e *Engine) deviceWhitelisted(deviceID string) bool {
	_, ok := e.whitelist[deviceID]
	return ok
}

func (e *Engine) isAdmin(ctx context.Context, tenantID, userID string) (bool, error) {
	id, err := identity.ParseID(userID)
	if err != nil {
		return false, nil
	}
	u, err := e.users.ByID(ctx, tenantID, id)
	if errors.Is(err, identity.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Admin, nil
}
