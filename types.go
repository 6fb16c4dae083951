package tenantAuth

import (
	"time"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/audit"
	"github.com/MrEthical07/tenantAuth/internal/limiter"
	"github.com/MrEthical07/tenantAuth/internal/notify"
	"github.com/MrEthical07/tenantAuth/internal/rate"
	"github.com/MrEthical07/tenantAuth/internal/verification"
)

// DeviceInfo describes the client a request comes from. ID is a
// client-generated canonical UUID.
type DeviceInfo struct {
	ID    string
	Name  string
	Class identity.DeviceClass
}

// LoginRequest identifies the user by email or by full international phone
// number ("+<digits>").
type LoginRequest struct {
	Identifier string
	Password   string
	Device     DeviceInfo
}

// TokenPair is what a client stores after login or refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult either carries tokens or, with TwoFactorRequired set, the
// pending one-time code challenge. Complete it with
// [Engine.CompleteTwoFactorLogin].
type LoginResult struct {
	UserID            string
	DeviceID          string
	SessionID         string
	Tokens            TokenPair
	TwoFactorRequired bool
	Challenge         *VerificationInfo
}

// RefreshResult carries a new access token. When Rotated is false the
// session was younger than the rotation threshold and RefreshToken is the
// token that was presented.
type RefreshResult struct {
	Tokens  TokenPair
	Rotated bool
}

// LogoutResult reports a single-device logout. AlreadyLoggedOut is set when
// there was no live refresh token; the call still succeeds.
type LogoutResult struct {
	AlreadyLoggedOut bool
}

// LogoutAllResult reports a best-effort logout across devices.
type LogoutAllResult struct {
	Invalidated int
	Failed      int
}

// Partial reports whether some sessions could not be invalidated. A retry
// is safe.
func (r LogoutAllResult) Partial() bool {
	return r.Failed > 0
}

// RegisterRequest creates an account. Which identifiers are required
// depends on the configured auth mode. Channel picks where the registration
// code or link goes when both identifiers are present.
type RegisterRequest struct {
	Email            string
	PhoneCountryCode string
	PhoneNumber      string
	Password         string
	Device           DeviceInfo
	Channel          verification.Channel
}

// VerificationInfo describes an issued code or link without revealing it.
type VerificationInfo struct {
	Purpose    verification.Purpose
	Kind       verification.Kind
	Channel    verification.Channel
	ExpiresAt  time.Time
	Dispatched bool
}

// RegisterResult is returned by [Engine.Register].
type RegisterResult struct {
	UserID       string
	Verification VerificationInfo
}

// ChangePasswordResult reports the mandatory logout-all that follows a
// password change. A partial logout does not undo the change; Notice tells
// the user what to do.
type ChangePasswordResult struct {
	LogoutAll LogoutAllResult
	Notice    string
}

// DeviceBlockResult reports the sessions invalidated by a device block.
type DeviceBlockResult struct {
	LogoutAll LogoutAllResult
}

// AccessClaims is the verified content of an access token whose session is
// live.
type AccessClaims struct {
	TenantID  string
	UserID    string
	DeviceID  string
	SessionID string
	ExpiresAt time.Time
}

// AdmissionRequest names who is calling which route.
type AdmissionRequest struct {
	DeviceID string
	UserID   string
	Route    string
}

// AdmissionDecision is the outcome of [Engine.Admit].
type AdmissionDecision struct {
	Allowed    bool
	Scope      string
	RetryAfter time.Duration
}

// RetentionReport counts what one sweep removed.
type RetentionReport struct {
	Sessions      int
	Verifications int
	Users         int
}

// Total is the number of removed documents.
func (r RetentionReport) Total() int {
	return r.Sessions + r.Verifications + r.Users
}

// Aliases for internal types that appear in the public API.
type (
	Channel          = verification.Channel
	Purpose          = verification.Purpose
	VerificationKind = verification.Kind
	VerificationMode = verification.Mode
	LockoutContext   = limiter.Context
	LockoutPolicy    = limiter.Policy
	RateWindow       = rate.Window
	RateRule         = rate.Rule

	// Notifier delivers codes, links and account notices; see
	// [Builder.WithNotifier].
	Notifier             = notify.Sender
	Notification         = notify.Message
	NotificationTemplate = notify.Template
	// AuditSink receives audit events; see [Builder.WithAuditSink].
	AuditSink  = audit.Sink
	AuditEvent = audit.Event
)

const (
	ChannelEmail = verification.ChannelEmail
	ChannelPhone = verification.ChannelPhone

	PurposeRegistration       = verification.PurposeRegistration
	PurposeForgotPassword     = verification.PurposeForgotPassword
	PurposeEmailVerification  = verification.PurposeEmailVerification
	PurposePhoneVerification  = verification.PurposePhoneVerification
	PurposeDeviceVerification = verification.PurposeDeviceVerification
	PurposeTwoFactor          = verification.PurposeTwoFactor

	VerificationOTP  = verification.KindOTP
	VerificationLink = verification.KindLink

	ModeOTP  = verification.ModeOTP
	ModeLink = verification.ModeLink

	LockoutLogin              = limiter.ContextLogin
	LockoutChangePassword     = limiter.ContextChangePassword
	LockoutActivation         = limiter.ContextActivation
	LockoutDeactivation       = limiter.ContextDeactivation
	LockoutTwoFactorToggle    = limiter.ContextTwoFactorToggle
	LockoutTwoFactorLogin     = limiter.ContextTwoFactorLogin
	LockoutDeviceVerification = limiter.ContextDeviceVerification
	LockoutPasswordReset      = limiter.ContextPasswordReset

	WindowFixed   = rate.WindowFixed
	WindowSliding = rate.WindowSliding
)
