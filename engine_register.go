package tenantAuth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/flows"
	"github.com/MrEthical07/tenantAuth/internal/limiter"
	"github.com/MrEthical07/tenantAuth/internal/verification"
)

// Register creates an account with the identifiers the auth mode requires,
// records the device and sends a REGISTRATION code or link. The account is
// active but unverified until the artifact is confirmed.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	tenantID := tenantIDFromContext(ctx)
	sub := auditSubject{tenantID: tenantID, deviceID: req.Device.ID}
	if !validDevice(req.Device) {
		return RegisterResult{}, ErrInvalidInput.withMessage("invalid device")
	}

	u, err := newUser(req)
	if err != nil {
		return RegisterResult{}, err
	}
	if err := u.CheckIdentifiers(e.config.AuthMode); err != nil {
		return RegisterResult{}, ErrInvalidInput.withMessage("identifiers do not match the sign-up policy")
	}
	if req.Channel != "" && req.Channel != verification.ChannelEmail && req.Channel != verification.ChannelPhone {
		return RegisterResult{}, ErrInvalidInput.withMessage("unknown channel")
	}

	hash, err := e.hashNewPassword("register", req.Password)
	if err != nil {
		return RegisterResult{}, err
	}
	u.PasswordHash = hash
	u.Active = true
	u.ActivatedAt = e.now()
	u.CreatedAt = u.ActivatedAt

	created, err := e.users.Create(ctx, tenantID, u, e.config.Registration.Capacity)
	switch {
	case errors.Is(err, identity.ErrDuplicate):
		e.metrics.Inc(MetricRegistrationDuplicate)
		e.emitAudit(ctx, auditEventRegistration, false, sub, ErrDuplicateIdentity, nil)
		return RegisterResult{}, ErrDuplicateIdentity
	case errors.Is(err, identity.ErrCapacity):
		e.metrics.Inc(MetricRegistrationCapacity)
		e.emitAudit(ctx, auditEventRegistration, false, sub, ErrCapacityReached, nil)
		return RegisterResult{}, ErrCapacityReached
	case err != nil:
		return RegisterResult{}, e.serverError("register", err, zap.String("tenant", tenantID))
	}
	userID := identity.FormatID(created.ID)
	sub.userID = userID

	if _, err := e.devices.Upsert(ctx, tenantID, identity.Device{ID: req.Device.ID, Name: req.Device.Name, Class: req.Device.Class}); err != nil {
		return RegisterResult{}, e.serverError("register", err, zap.String("tenant", tenantID), zap.String("user", userID))
	}

	channel := e.preferredChannel(created, req.Channel)
	key := verification.Key{TenantID: tenantID, UserID: userID, Purpose: verification.PurposeRegistration}
	info, err := e.issueCode(ctx, "register", created, key, verification.KindFor(e.config.VerificationMode, channel), channel)
	if err != nil {
		return RegisterResult{}, err
	}

	e.metrics.Inc(MetricRegistrationSuccess)
	e.emitAudit(ctx, auditEventRegistration, true, sub, nil, map[string]string{"channel": string(channel)})
	return RegisterResult{UserID: userID, Verification: info}, nil
}

func newUser(req RegisterRequest) (identity.User, error) {
	var u identity.User
	email, err := identity.NormalizeEmail(req.Email)
	if err != nil {
		return u, ErrInvalidInput.withMessage("invalid email address")
	}
	u.Email = email
	if req.PhoneCountryCode != "" || req.PhoneNumber != "" {
		phone, err := identity.NewPhone(req.PhoneCountryCode, req.PhoneNumber)
		if err != nil {
			return u, ErrInvalidInput.withMessage("invalid phone number")
		}
		u.Phone = phone
	}
	return u, nil
}

// preferredChannel honours the requested channel when the user has that
// identifier, and falls back to email, then phone.
func (e *Engine) preferredChannel(u identity.User, requested verification.Channel) verification.Channel {
	switch {
	case requested == verification.ChannelPhone && !u.Phone.IsZero():
		return verification.ChannelPhone
	case requested == verification.ChannelEmail && u.Email != "":
		return verification.ChannelEmail
	case u.Email != "":
		return verification.ChannelEmail
	default:
		return verification.ChannelPhone
	}
}

// IssueVerification (re)sends a code or link for a contact or device
// verification purpose. While one is still active it fails with Conflict and
// nothing is sent. Password reset and two-factor login have their own entry
// points.
func (e *Engine) IssueVerification(ctx context.Context, userID string, purpose Purpose, deviceID string, channel Channel) (VerificationInfo, error) {
	tenantID := tenantIDFromContext(ctx)
	u, err := e.loadUser(ctx, "issue_verification", tenantID, userID)
	if err != nil {
		return VerificationInfo{}, err
	}
	if u.Blocked {
		return VerificationInfo{}, ErrAccountBlocked
	}

	key := verification.Key{TenantID: tenantID, UserID: userID, Purpose: purpose}
	switch purpose {
	case verification.PurposeRegistration:
		if u.Verified {
			return VerificationInfo{}, ErrAlreadyInState
		}
		channel = e.preferredChannel(u, channel)
	case verification.PurposeEmailVerification:
		channel = verification.ChannelEmail
	case verification.PurposePhoneVerification:
		channel = verification.ChannelPhone
	case verification.PurposeDeviceVerification:
		if !identity.ValidDeviceID(deviceID) {
			return VerificationInfo{}, ErrInvalidInput.withMessage("invalid device id")
		}
		key.DeviceID = deviceID
		channel = e.preferredChannel(u, channel)
	default:
		return VerificationInfo{}, ErrInvalidInput.withMessage("unsupported purpose")
	}

	return e.issueCode(ctx, "issue_verification", u, key, verification.KindFor(e.config.VerificationMode, channel), channel)
}

// ConfirmOTP checks a code issued by [Engine.Register] or
// [Engine.IssueVerification] and applies its effect. Device verification
// failures also count against the user's DEVICE_VERIFICATION bucket.
func (e *Engine) ConfirmOTP(ctx context.Context, userID string, purpose Purpose, deviceID, code string) error {
	tenantID := tenantIDFromContext(ctx)
	sub := auditSubject{tenantID: tenantID, userID: userID, deviceID: deviceID}
	if code == "" {
		return ErrInvalidInput
	}
	key := verification.Key{TenantID: tenantID, UserID: userID, Purpose: purpose}
	switch purpose {
	case verification.PurposeRegistration, verification.PurposeEmailVerification, verification.PurposePhoneVerification:
	case verification.PurposeDeviceVerification:
		if !identity.ValidDeviceID(deviceID) {
			return ErrInvalidInput.withMessage("invalid device id")
		}
		key.DeviceID = deviceID
	default:
		return ErrInvalidInput.withMessage("unsupported purpose")
	}

	u, err := e.loadUser(ctx, "confirm_otp", tenantID, userID)
	if err != nil {
		return err
	}

	counted := purpose == verification.PurposeDeviceVerification
	ref := limiter.UserRef(tenantID, userID, limiter.ContextDeviceVerification)
	if counted {
		lock, err := e.limiter.CheckLocked(ctx, ref)
		if err != nil {
			return e.serverError("confirm_otp", err, zap.String("tenant", tenantID), zap.String("user", userID))
		}
		if lock.Locked {
			return lockedError(lock.RetryAfter)
		}
	}

	res, err := e.verifier.ValidateOTP(ctx, key, code)
	if err != nil {
		return e.serverError("confirm_otp", err, zap.String("tenant", tenantID), zap.String("user", userID))
	}
	if !res.OK() {
		failure := e.codeFailure(res)
		if counted && (res.Status == verification.StatusMismatch || res.Status == verification.StatusExhausted) {
			c := flows.RecordMismatch(ctx, ref, e.policy(limiter.ContextDeviceVerification), e.limiter)
			switch c.Failure {
			case flows.CredentialFailureLocked:
				failure = lockedError(c.RetryAfter)
			case flows.CredentialFailureLimiter:
				return e.serverError("confirm_otp", c.Err, zap.String("tenant", tenantID), zap.String("user", userID))
			}
		}
		e.metrics.Inc(MetricVerificationFailure)
		e.emitAudit(ctx, auditEventVerificationConfirm, false, sub, failure, map[string]string{"purpose": string(purpose)})
		return failure
	}
	if counted {
		if err := e.limiter.Reset(ctx, ref); err != nil {
			e.log.Warn("device verification bucket reset failed", zap.String("tenant", tenantID), zap.String("user", userID), zap.Error(err))
		}
	}

	return e.applyVerified(ctx, "confirm_otp", u, res.Record)
}

// ConfirmLink consumes a link token and applies its effect. It returns the
// user the link belonged to.
func (e *Engine) ConfirmLink(ctx context.Context, purpose Purpose, token string) (string, error) {
	tenantID := tenantIDFromContext(ctx)
	if token == "" || !purpose.Valid() {
		return "", ErrInvalidInput
	}
	switch purpose {
	case verification.PurposeForgotPassword, verification.PurposeTwoFactor:
		return "", ErrInvalidInput.withMessage("unsupported purpose")
	}

	res, err := e.verifier.ConsumeLink(ctx, tenantID, purpose, token)
	if err != nil {
		return "", e.serverError("confirm_link", err, zap.String("tenant", tenantID))
	}
	if !res.OK() {
		e.metrics.Inc(MetricVerificationFailure)
		e.emitAudit(ctx, auditEventVerificationConfirm, false, auditSubject{tenantID: tenantID}, ErrLinkInvalid, map[string]string{"purpose": string(purpose)})
		return "", ErrLinkInvalid
	}

	userID := res.Record.Key.UserID
	u, err := e.loadUser(ctx, "confirm_link", tenantID, userID)
	if err != nil {
		return "", err
	}
	return userID, e.applyVerified(ctx, "confirm_link", u, res.Record)
}

// applyVerified records what a confirmed artifact proves. Contact and
// registration purposes mark the user verified; a device verification has
// no stored effect beyond the audit trail.
func (e *Engine) applyVerified(ctx context.Context, op string, u identity.User, rec verification.Record) error {
	tenantID := tenantIDFromContext(ctx)
	userID := identity.FormatID(u.ID)
	if rec.Key.Purpose != verification.PurposeDeviceVerification && !u.Verified {
		_, err := e.users.Update(ctx, tenantID, u.ID, identity.UserPatch{Verified: identity.Bool(true)})
		if err != nil {
			return e.serverError(op, err, zap.String("tenant", tenantID), zap.String("user", userID))
		}
	}
	e.metrics.Inc(MetricVerificationSuccess)
	e.emitAudit(ctx, auditEventVerificationConfirm, true, auditSubject{tenantID: tenantID, userID: userID, deviceID: rec.Key.DeviceID}, nil, map[string]string{
		"purpose": string(rec.Key.Purpose),
		"kind":    rec.Kind.String(),
	})
	return nil
}
