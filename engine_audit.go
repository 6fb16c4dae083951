package tenantAuth

import (
	"context"
	"errors"
	"io"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/audit"
	"github.com/MrEthical07/tenantAuth/internal/notify"
)

// Templates a Notifier must render.
const (
	TemplateVerificationCode   = notify.TemplateVerificationCode
	TemplateVerificationLink   = notify.TemplateVerificationLink
	TemplateAccountActivated   = notify.TemplateAccountActivated
	TemplateAccountDeactivated = notify.TemplateAccountDeactivated
	TemplatePasswordChanged    = notify.TemplatePasswordChanged
	TemplateTwoFactorChanged   = notify.TemplateTwoFactorChanged
	TemplateAccountBlocked     = notify.TemplateAccountBlocked
	TemplateAccountUnblocked   = notify.TemplateAccountUnblocked
)

// NewJSONWriterSink writes one JSON audit event per line to w.
func NewJSONWriterSink(w io.Writer) AuditSink {
	return audit.NewJSONWriterSink(w)
}

// NewChannelSink buffers audit events in a channel; tests read them back.
func NewChannelSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventTwoFactorRequired    = "two_factor_required"
	auditEventTwoFactorSuccess     = "two_factor_success"
	auditEventTwoFactorFailure     = "two_factor_failure"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshInvalid       = "refresh_invalid"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventLogoutSession        = "logout_session"
	auditEventLogoutAll            = "logout_all"
	auditEventRegistration         = "registration"
	auditEventVerificationIssued   = "verification_issued"
	auditEventVerificationConfirm  = "verification_confirm"
	auditEventAccountActivated     = "account_activated"
	auditEventAccountDeactivated   = "account_deactivated"
	auditEventPasswordChange       = "password_change"
	auditEventPasswordResetRequest = "password_reset_request"
	auditEventPasswordResetConfirm = "password_reset_confirm"
	auditEventTwoFactorToggled     = "two_factor_toggled"
	auditEventUserBlocked          = "user_blocked"
	auditEventUserUnblocked        = "user_unblocked"
	auditEventDeviceBlocked        = "device_blocked"
	auditEventDeviceUnblocked      = "device_unblocked"
	auditEventDeviceBlockRefused   = "device_block_refused"
	auditEventRateLimitTriggered   = "rate_limit_triggered"
	auditEventRetentionSweep       = "retention_sweep"
)

type auditSubject struct {
	tenantID  string
	userID    string
	deviceID  string
	sessionID string
}

// emitAudit queues an audit event. It never blocks on the sink.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	sub auditSubject,
	err error,
	metadata map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		TenantID:  sub.tenantID,
		UserID:    sub.userID,
		DeviceID:  sub.deviceID,
		SessionID: sub.sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if ua := userAgentFromContext(ctx); ua != "" {
		if event.Metadata == nil {
			event.Metadata = map[string]string{}
		}
		event.Metadata["user_agent"] = ua
	}
	if err != nil {
		event.Error = auditErrorCode(err)
	}

	e.audit.Emit(ctx, event)
}

// auditErrorCode records the taxonomy code, never the cause text.
func auditErrorCode(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrServer.Code
}

// notifyUser queues a notice on the user's preferred channel. Email wins
// when both identifiers are present.
func (e *Engine) notifyUser(ctx context.Context, tenantID string, u identity.User, tpl notify.Template, data map[string]string) bool {
	channel, address := notify.ChannelEmail, u.Email
	if address == "" {
		channel, address = notify.ChannelPhone, u.Phone.Full
	}
	return e.notifyAddress(ctx, tenantID, u, channel, address, tpl, data)
}

func (e *Engine) notifyAddress(
	ctx context.Context,
	tenantID string,
	u identity.User,
	channel notify.Channel,
	address string,
	tpl notify.Template,
	data map[string]string,
) bool {
	return e.notify.Enqueue(ctx, notify.Message{
		TenantID: tenantID,
		UserID:   identity.FormatID(u.ID),
		Channel:  channel,
		Address:  address,
		Template: tpl,
		Data:     data,
	})
}
