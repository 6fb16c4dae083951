package tenantAuth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/flows"
	"github.com/MrEthical07/tenantAuth/internal/limiter"
	"github.com/MrEthical07/tenantAuth/internal/notify"
	"github.com/MrEthical07/tenantAuth/internal/verification"
)

// RequestPasswordReset sends a FORGOT_PASSWORD code or link to the user
// identified by email or phone. Unknown identifiers succeed with an empty
// result so the call cannot be used to probe for accounts.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier string, channel Channel) (VerificationInfo, error) {
	tenantID := tenantIDFromContext(ctx)
	if identifier == "" {
		return VerificationInfo{}, ErrInvalidInput
	}

	u, err := e.lookupByIdentifier(ctx, tenantID, identifier)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrInvalid) {
			e.metrics.Inc(MetricPasswordResetRequest)
			return VerificationInfo{Purpose: verification.PurposeForgotPassword}, nil
		}
		return VerificationInfo{}, e.serverError("password_reset_request", err, zap.String("tenant", tenantID))
	}
	userID := identity.FormatID(u.ID)
	if u.Blocked {
		return VerificationInfo{}, ErrAccountBlocked
	}

	channel = e.preferredChannel(u, channel)
	key := verification.Key{TenantID: tenantID, UserID: userID, Purpose: verification.PurposeForgotPassword}
	info, err := e.issueCode(ctx, "password_reset_request", u, key, verification.KindFor(e.config.VerificationMode, channel), channel)
	if err != nil {
		return info, err
	}

	e.metrics.Inc(MetricPasswordResetRequest)
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, auditSubject{tenantID: tenantID, userID: userID}, nil, nil)
	return info, nil
}

// ResetPassword replaces the password with the code from
// [Engine.RequestPasswordReset] and signs the user out everywhere. Wrong
// codes count against the PASSWORD_RESET bucket.
func (e *Engine) ResetPassword(ctx context.Context, identifier, code, newPassword string) (LogoutAllResult, error) {
	tenantID := tenantIDFromContext(ctx)
	if identifier == "" || code == "" {
		return LogoutAllResult{}, ErrInvalidInput
	}
	u, err := e.lookupByIdentifier(ctx, tenantID, identifier)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrInvalid) {
			return LogoutAllResult{}, ErrVerificationNotFound
		}
		return LogoutAllResult{}, e.serverError("password_reset", err, zap.String("tenant", tenantID))
	}
	userID := identity.FormatID(u.ID)
	sub := auditSubject{tenantID: tenantID, userID: userID}
	fields := []zap.Field{zap.String("tenant", tenantID), zap.String("user", userID)}

	ref := limiter.UserRef(tenantID, userID, limiter.ContextPasswordReset)
	lock, err := e.limiter.CheckLocked(ctx, ref)
	if err != nil {
		return LogoutAllResult{}, e.serverError("password_reset", err, fields...)
	}
	if lock.Locked {
		return LogoutAllResult{}, lockedError(lock.RetryAfter)
	}
	hash, err := e.hashNewPassword("password_reset", newPassword)
	if err != nil {
		return LogoutAllResult{}, err
	}

	key := verification.Key{TenantID: tenantID, UserID: userID, Purpose: verification.PurposeForgotPassword}
	res, err := e.verifier.ValidateOTP(ctx, key, code)
	if err != nil {
		return LogoutAllResult{}, e.serverError("password_reset", err, fields...)
	}
	if !res.OK() {
		failure := e.codeFailure(res)
		if res.Status == verification.StatusMismatch || res.Status == verification.StatusExhausted {
			c := flows.RecordMismatch(ctx, ref, e.policy(limiter.ContextPasswordReset), e.limiter)
			switch c.Failure {
			case flows.CredentialFailureLocked:
				failure = lockedError(c.RetryAfter)
			case flows.CredentialFailureLimiter:
				return LogoutAllResult{}, e.serverError("password_reset", c.Err, fields...)
			}
		}
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, sub, failure, nil)
		return LogoutAllResult{}, failure
	}
	if err := e.limiter.Reset(ctx, ref); err != nil {
		e.log.Warn("password reset bucket reset failed", append(fields, zap.Error(err))...)
	}

	return e.replacePassword(ctx, u, hash)
}

// ResetPasswordWithLink is [Engine.ResetPassword] for the link delivery
// mode. The link is consumed before the password is replaced.
func (e *Engine) ResetPasswordWithLink(ctx context.Context, token, newPassword string) (LogoutAllResult, error) {
	tenantID := tenantIDFromContext(ctx)
	if token == "" {
		return LogoutAllResult{}, ErrInvalidInput
	}
	hash, err := e.hashNewPassword("password_reset", newPassword)
	if err != nil {
		return LogoutAllResult{}, err
	}

	res, err := e.verifier.ConsumeLink(ctx, tenantID, verification.PurposeForgotPassword, token)
	if err != nil {
		return LogoutAllResult{}, e.serverError("password_reset", err, zap.String("tenant", tenantID))
	}
	if !res.OK() {
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, auditSubject{tenantID: tenantID}, ErrLinkInvalid, nil)
		return LogoutAllResult{}, ErrLinkInvalid
	}

	u, err := e.loadUser(ctx, "password_reset", tenantID, res.Record.Key.UserID)
	if err != nil {
		return LogoutAllResult{}, err
	}
	return e.replacePassword(ctx, u, hash)
}

// replacePassword stores the new digest, clears the LOGIN lockout and ends
// every session. A partial logout is reported, not returned as an error.
func (e *Engine) replacePassword(ctx context.Context, u identity.User, hash string) (LogoutAllResult, error) {
	tenantID := tenantIDFromContext(ctx)
	userID := identity.FormatID(u.ID)
	sub := auditSubject{tenantID: tenantID, userID: userID}
	if u.Blocked {
		return LogoutAllResult{}, ErrAccountBlocked
	}

	now := e.now()
	updated, err := e.users.Update(ctx, tenantID, u.ID, identity.UserPatch{
		PasswordHash:      &hash,
		PasswordChangedAt: &now,
	})
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return LogoutAllResult{}, ErrNotFound.withMessage("user not found")
	case err != nil:
		return LogoutAllResult{}, e.serverError("password_reset", err, zap.String("tenant", tenantID), zap.String("user", userID))
	}
	if err := e.limiter.Reset(ctx, limiter.UserRef(tenantID, userID, limiter.ContextLogin)); err != nil {
		e.log.Warn("login bucket reset failed", zap.String("tenant", tenantID), zap.String("user", userID), zap.Error(err))
	}

	e.metrics.Inc(MetricPasswordResetSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, sub, nil, nil)
	e.notifyUser(ctx, tenantID, updated, notify.TemplatePasswordChanged, nil)

	report, err := e.logoutAll(ctx, tenantID, userID)
	if err != nil {
		return LogoutAllResult{Failed: 1}, nil
	}
	return report, nil
}
