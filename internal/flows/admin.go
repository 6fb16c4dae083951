package flows

import (
	"context"

	"github.com/MrEthical07/tenantAuth/session"
)

// DeviceBlockFailureKind classifies device block failures.
type DeviceBlockFailureKind int

const (
	DeviceBlockFailureNone DeviceBlockFailureKind = iota
	DeviceBlockFailureWhitelisted
	DeviceBlockFailureAdminSession
	DeviceBlockFailureLookup
	DeviceBlockFailureUpdate
)

// DeviceBlockDeps captures device block dependencies.
type DeviceBlockDeps struct {
	Whitelisted func(deviceID string) bool
	IsAdmin     func(ctx context.Context, tenantID, userID string) (bool, error)
	Live        func(session.Session) bool
	SetBlocked  func(ctx context.Context, tenantID, deviceID string) error
	Logout      LogoutDeps
}

// DeviceBlockResult reports the block and the session sweep that followed.
type DeviceBlockResult struct {
	Failure     DeviceBlockFailureKind
	Err         error
	AdminUserID string
	Sessions    LogoutAllResult
}

// RunBlockDevice refuses whitelisted devices and devices holding a live
// administrator session, then blocks the device and invalidates its sessions.
//
// An administrator logging in between the session scan and the block is not
// caught here; the sweep that follows the block re-reads the device's
// sessions and logs that session out as well.
func RunBlockDevice(ctx context.Context, tenantID, deviceID string, deps DeviceBlockDeps) DeviceBlockResult {
	if deps.Whitelisted != nil && deps.Whitelisted(deviceID) {
		return DeviceBlockResult{Failure: DeviceBlockFailureWhitelisted}
	}

	sessions, err := deps.Logout.SessionStore.ListForDevice(ctx, tenantID, deviceID)
	if err != nil {
		return DeviceBlockResult{Failure: DeviceBlockFailureLookup, Err: err}
	}
	for _, s := range sessions {
		if !deps.Live(s) {
			continue
		}
		admin, err := deps.IsAdmin(ctx, tenantID, s.UserID)
		if err != nil {
			return DeviceBlockResult{Failure: DeviceBlockFailureLookup, Err: err}
		}
		if admin {
			return DeviceBlockResult{Failure: DeviceBlockFailureAdminSession, AdminUserID: s.UserID}
		}
	}

	if err := deps.SetBlocked(ctx, tenantID, deviceID); err != nil {
		return DeviceBlockResult{Failure: DeviceBlockFailureUpdate, Err: err}
	}

	return DeviceBlockResult{Sessions: RunLogoutDevice(ctx, tenantID, deviceID, deps.Logout)}
}
