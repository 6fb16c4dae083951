package internaldefs

import (
	tenantAuth "github.com/MrEthical07/tenantAuth"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   tenantAuth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   tenantAuth.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: tenantAuth.MetricLoginSuccess, Name: "tenantauth_login_success_total", Help: "Successful logins."},
	{ID: tenantAuth.MetricLoginFailure, Name: "tenantauth_login_failure_total", Help: "Failed logins."},
	{ID: tenantAuth.MetricLoginLocked, Name: "tenantauth_login_locked_total", Help: "Logins refused by an attempt lockout."},
	{ID: tenantAuth.MetricTwoFactorRequired, Name: "tenantauth_two_factor_required_total", Help: "Logins that issued a second-factor challenge."},
	{ID: tenantAuth.MetricTwoFactorSuccess, Name: "tenantauth_two_factor_success_total", Help: "Completed second-factor logins."},
	{ID: tenantAuth.MetricTwoFactorFailure, Name: "tenantauth_two_factor_failure_total", Help: "Failed second-factor codes."},
	{ID: tenantAuth.MetricRefreshSuccess, Name: "tenantauth_refresh_success_total", Help: "Successful refresh calls."},
	{ID: tenantAuth.MetricRefreshRotated, Name: "tenantauth_refresh_rotated_total", Help: "Refresh calls that rotated the refresh token."},
	{ID: tenantAuth.MetricRefreshFailure, Name: "tenantauth_refresh_failure_total", Help: "Failed refresh calls."},
	{ID: tenantAuth.MetricRefreshReuseDetected, Name: "tenantauth_refresh_reuse_detected_total", Help: "Sessions destroyed after refresh token reuse."},
	{ID: tenantAuth.MetricSessionCreated, Name: "tenantauth_session_created_total", Help: "Sessions started."},
	{ID: tenantAuth.MetricSessionInvalidated, Name: "tenantauth_session_invalidated_total", Help: "Sessions invalidated."},
	{ID: tenantAuth.MetricLogout, Name: "tenantauth_logout_total", Help: "Single-session logouts."},
	{ID: tenantAuth.MetricLogoutAll, Name: "tenantauth_logout_all_total", Help: "Logout-all operations."},
	{ID: tenantAuth.MetricLogoutAllPartial, Name: "tenantauth_logout_all_partial_total", Help: "Logout-all operations that left sessions behind."},
	{ID: tenantAuth.MetricRegistrationSuccess, Name: "tenantauth_registration_success_total", Help: "Accounts created."},
	{ID: tenantAuth.MetricRegistrationDuplicate, Name: "tenantauth_registration_duplicate_total", Help: "Registrations rejected as duplicate."},
	{ID: tenantAuth.MetricRegistrationCapacity, Name: "tenantauth_registration_capacity_total", Help: "Registrations rejected at capacity."},
	{ID: tenantAuth.MetricVerificationIssued, Name: "tenantauth_verification_issued_total", Help: "Codes and links issued."},
	{ID: tenantAuth.MetricVerificationSuccess, Name: "tenantauth_verification_success_total", Help: "Codes and links confirmed."},
	{ID: tenantAuth.MetricVerificationFailure, Name: "tenantauth_verification_failure_total", Help: "Rejected codes and links."},
	{ID: tenantAuth.MetricPasswordChangeSuccess, Name: "tenantauth_password_change_success_total", Help: "Password changes."},
	{ID: tenantAuth.MetricPasswordChangeFailure, Name: "tenantauth_password_change_failure_total", Help: "Rejected password changes."},
	{ID: tenantAuth.MetricPasswordResetRequest, Name: "tenantauth_password_reset_request_total", Help: "Password reset requests."},
	{ID: tenantAuth.MetricPasswordResetSuccess, Name: "tenantauth_password_reset_success_total", Help: "Completed password resets."},
	{ID: tenantAuth.MetricAccountActivated, Name: "tenantauth_account_activated_total", Help: "Account activations."},
	{ID: tenantAuth.MetricAccountDeactivated, Name: "tenantauth_account_deactivated_total", Help: "Account deactivations."},
	{ID: tenantAuth.MetricTwoFactorToggled, Name: "tenantauth_two_factor_toggled_total", Help: "Second-factor enable and disable operations."},
	{ID: tenantAuth.MetricUserBlocked, Name: "tenantauth_user_blocked_total", Help: "Users blocked."},
	{ID: tenantAuth.MetricUserUnblocked, Name: "tenantauth_user_unblocked_total", Help: "Users unblocked."},
	{ID: tenantAuth.MetricDeviceBlocked, Name: "tenantauth_device_blocked_total", Help: "Devices blocked."},
	{ID: tenantAuth.MetricDeviceUnblocked, Name: "tenantauth_device_unblocked_total", Help: "Devices unblocked."},
	{ID: tenantAuth.MetricDeviceBlockRefused, Name: "tenantauth_device_block_refused_total", Help: "Device blocks refused by the whitelist or a live admin session."},
	{ID: tenantAuth.MetricRateLimitHit, Name: "tenantauth_rate_limit_hit_total", Help: "Requests refused by admission control."},
	{ID: tenantAuth.MetricRetentionDeleted, Name: "tenantauth_retention_deleted_total", Help: "Documents removed by the retention sweep."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: tenantAuth.MetricValidateLatency, Name: "tenantauth_validate_latency_seconds", Help: "Access token validation latency."},
}

// HistogramBounds are the upper bounds of the engine's eight latency buckets
// in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds spelled for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
