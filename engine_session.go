package tenantAuth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/flows"
	"github.com/MrEthical07/tenantAuth/internal/limiter"
	"github.com/MrEthical07/tenantAuth/internal/notify"
	"github.com/MrEthical07/tenantAuth/internal/verification"
	"github.com/MrEthical07/tenantAuth/session"
	"github.com/MrEthical07/tenantAuth/token"
)

// Login verifies the password under the LOGIN lockout bucket and opens a
// session for the (user, device) pair. Users with two-factor enabled get a
// one-time code instead of tokens.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	tenantID := tenantIDFromContext(ctx)
	sub := auditSubject{tenantID: tenantID, deviceID: req.Device.ID}
	if req.Identifier == "" || req.Password == "" || !validDevice(req.Device) {
		return LoginResult{}, ErrInvalidInput
	}

	u, err := e.lookupByIdentifier(ctx, tenantID, req.Identifier)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrInvalid) {
			// Spend the same time as a real check.
			_, _ = e.hasher.Verify(req.Password, e.dummyHash)
			e.metrics.Inc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, sub, ErrInvalidCredentials, nil)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, e.serverError("login", err, zap.String("tenant", tenantID))
	}
	userID := identity.FormatID(u.ID)
	sub.userID = userID

	device, err := e.devices.Upsert(ctx, tenantID, identity.Device{ID: req.Device.ID, Name: req.Device.Name, Class: req.Device.Class})
	if err != nil {
		return LoginResult{}, e.serverError("login", err, zap.String("tenant", tenantID), zap.String("device", req.Device.ID))
	}
	if device.Blocked {
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, sub, ErrDeviceBlocked, nil)
		return LoginResult{}, ErrDeviceBlocked
	}

	ref := limiter.UserRef(tenantID, userID, limiter.ContextLogin)
	res := flows.RunCredentialCheck(ctx, ref, e.policy(limiter.ContextLogin), req.Password, u.PasswordHash, e.credentialDeps())
	if err := e.credentialError("login", res, zap.String("tenant", tenantID), zap.String("user", userID)); err != nil {
		if res.Failure == flows.CredentialFailureLocked {
			e.metrics.Inc(MetricLoginLocked)
		}
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, sub, err, nil)
		return LoginResult{}, err
	}

	if err := e.statusError(u); err != nil {
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, sub, err, nil)
		return LoginResult{}, err
	}

	e.maybeRehash(ctx, tenantID, u, req.Password)

	if u.TwoFactorEnabled {
		return e.startTwoFactor(ctx, tenantID, u, req.Device.ID)
	}
	return e.startSession(ctx, tenantID, u, req.Device.ID, auditEventLoginSuccess)
}

// maybeRehash upgrades a digest produced with weaker parameters. The write
// is conditional on the old digest; failures only cost the upgrade.
func (e *Engine) maybeRehash(ctx context.Context, tenantID string, u identity.User, plaintext string) {
	needs, err := e.hasher.NeedsUpgrade(u.PasswordHash)
	if err != nil || !needs {
		return
	}
	upgraded, err := e.hasher.Hash(plaintext)
	if err != nil {
		return
	}
	_, err = e.users.Update(ctx, tenantID, u.ID, identity.UserPatch{
		PasswordHash:       &upgraded,
		ExpectPasswordHash: &u.PasswordHash,
	})
	if err != nil && !errors.Is(err, identity.ErrConflict) {
		e.log.Warn("password rehash failed", zap.String("tenant", tenantID), zap.Uint64("user", u.ID), zap.Error(err))
	}
}

// startTwoFactor sends a TWO_FACTOR code for the pair. While a code is
// still active no new one is sent and the caller is told when it expires.
func (e *Engine) startTwoFactor(ctx context.Context, tenantID string, u identity.User, deviceID string) (LoginResult, error) {
	userID := identity.FormatID(u.ID)
	sub := auditSubject{tenantID: tenantID, userID: userID, deviceID: deviceID}

	// The TWO_FACTOR bucket lives in the session document.
	if _, err := e.sessions.Ensure(ctx, tenantID, userID, deviceID); err != nil {
		return LoginResult{}, e.serverError("login_two_factor", err, zap.String("tenant", tenantID), zap.String("user", userID))
	}
	ref := limiter.DocumentRef(e.sessions.Key(tenantID, userID, deviceID), limiter.ContextTwoFactorLogin)
	lock, err := e.limiter.CheckLocked(ctx, ref)
	if err != nil {
		return LoginResult{}, e.serverError("login_two_factor", err, zap.String("tenant", tenantID), zap.String("user", userID))
	}
	if lock.Locked {
		err := lockedError(lock.RetryAfter)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, sub, err, nil)
		return LoginResult{}, err
	}

	key := verification.Key{TenantID: tenantID, UserID: userID, Purpose: verification.PurposeTwoFactor, DeviceID: deviceID}
	info, err := e.issueCode(ctx, "login_two_factor", u, key, verification.KindOTP, "")
	if err != nil && !errors.Is(err, ErrVerificationActive) {
		return LoginResult{}, err
	}

	e.metrics.Inc(MetricTwoFactorRequired)
	e.emitAudit(ctx, auditEventTwoFactorRequired, true, sub, nil, nil)
	return LoginResult{
		UserID:            userID,
		DeviceID:          deviceID,
		TwoFactorRequired: true,
		Challenge:         &info,
	}, nil
}

// CompleteTwoFactorLogin checks the code sent by Login. Wrong codes count
// against both the code's own attempt budget and the session's TWO_FACTOR
// lockout bucket.
func (e *Engine) CompleteTwoFactorLogin(ctx context.Context, userID, deviceID, code string) (LoginResult, error) {
	tenantID := tenantIDFromContext(ctx)
	sub := auditSubject{tenantID: tenantID, userID: userID, deviceID: deviceID}
	if code == "" || !identity.ValidDeviceID(deviceID) {
		return LoginResult{}, ErrInvalidInput
	}

	u, err := e.loadUser(ctx, "complete_two_factor", tenantID, userID)
	if err != nil {
		return LoginResult{}, err
	}
	if err := e.statusError(u); err != nil {
		return LoginResult{}, err
	}

	if _, err := e.sessions.FindByUserDevice(ctx, tenantID, userID, deviceID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return LoginResult{}, ErrVerificationNotFound
		}
		return LoginResult{}, e.serverError("complete_two_factor", err, zap.String("tenant", tenantID), zap.String("user", userID))
	}

	ref := limiter.DocumentRef(e.sessions.Key(tenantID, userID, deviceID), limiter.ContextTwoFactorLogin)
	lock, err := e.limiter.CheckLocked(ctx, ref)
	if err != nil {
		return LoginResult{}, e.serverError("complete_two_factor", err, zap.String("tenant", tenantID), zap.String("user", userID))
	}
	if lock.Locked {
		return LoginResult{}, lockedError(lock.RetryAfter)
	}

	key := verification.Key{TenantID: tenantID, UserID: userID, Purpose: verification.PurposeTwoFactor, DeviceID: deviceID}
	res, err := e.verifier.ValidateOTP(ctx, key, code)
	if err != nil {
		return LoginResult{}, e.serverError("complete_two_factor", err, zap.String("tenant", tenantID), zap.String("user", userID))
	}

	if !res.OK() {
		failure := e.codeFailure(res)
		if res.Status == verification.StatusMismatch || res.Status == verification.StatusExhausted {
			counted := flows.RecordMismatch(ctx, ref, e.policy(limiter.ContextTwoFactorLogin), e.limiter)
			switch counted.Failure {
			case flows.CredentialFailureLocked:
				failure = lockedError(counted.RetryAfter)
			case flows.CredentialFailureLimiter:
				return LoginResult{}, e.serverError("complete_two_factor", counted.Err, zap.String("tenant", tenantID), zap.String("user", userID))
			}
		}
		e.metrics.Inc(MetricTwoFactorFailure)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, sub, failure, nil)
		return LoginResult{}, failure
	}

	if err := e.limiter.Reset(ctx, ref); err != nil {
		e.log.Warn("two factor bucket reset failed", zap.String("tenant", tenantID), zap.String("user", userID), zap.Error(err))
	}
	e.metrics.Inc(MetricTwoFactorSuccess)
	return e.startSession(ctx, tenantID, u, deviceID, auditEventTwoFactorSuccess)
}

// startSession issues the token pair and binds the refresh token to the
// (user, device) session.
func (e *Engine) startSession(ctx context.Context, tenantID string, u identity.User, deviceID, event string) (LoginResult, error) {
	userID := identity.FormatID(u.ID)
	fields := []zap.Field{zap.String("tenant", tenantID), zap.String("user", userID), zap.String("device", deviceID)}

	pair, err := e.issuePair(token.Subject{TenantID: tenantID, UserID: userID, DeviceID: deviceID})
	if err != nil {
		return LoginResult{}, e.serverError("start_session", err, fields...)
	}
	sess, err := e.sessions.UpsertLogin(ctx, tenantID, userID, deviceID, hashToken(pair.RefreshToken))
	if err != nil {
		return LoginResult{}, e.serverError("start_session", err, fields...)
	}
	if err := e.mirror.Publish(ctx, sess); err != nil {
		e.log.Warn("session mirror publish failed", append(fields, zap.Error(err))...)
	}

	e.metrics.Inc(MetricSessionCreated)
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, event, true, auditSubject{tenantID: tenantID, userID: userID, deviceID: deviceID, sessionID: sess.ID}, nil, nil)

	return LoginResult{
		UserID:    userID,
		DeviceID:  deviceID,
		SessionID: sess.ID,
		Tokens:    pair,
	}, nil
}

// Refresh exchanges a refresh token for a new access token. Once the stored
// token is older than the rotation threshold it is rotated as well.
// Presenting any token other than the current one destroys the session and
// fails with ReuseDetected.
func (e *Engine) Refresh(ctx context.Context, refreshToken, deviceID string) (RefreshResult, error) {
	if refreshToken == "" || deviceID == "" {
		return RefreshResult{}, ErrInvalidInput
	}

	res := flows.RunRefresh(ctx, refreshToken, deviceID, flows.RefreshDeps{
		TenantIDFromContext: tenantIDFromContext,
		Codec:               e.codec,
		SessionStore:        e.sessions,
		Mirror:              e.mirror,
		HashToken:           hashToken,
		AccountStatus:       e.refreshAccountStatus,
		AccessTTL:           e.config.Token.AccessTTL,
		RefreshTTL:          e.config.Token.RefreshTTL,
		RotationThreshold:   e.config.Token.RotationThreshold,
		Now:                 e.now,
		Warn:                e.warnf,
	})

	sub := auditSubject{tenantID: res.TenantID, userID: res.UserID, deviceID: res.DeviceID, sessionID: res.SessionID}
	if err := e.refreshError(res); err != nil {
		if res.Failure == flows.RefreshFailureReuse {
			e.metrics.Inc(MetricRefreshReuseDetected)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, sub, err, nil)
		} else {
			e.emitAudit(ctx, auditEventRefreshInvalid, false, sub, err, nil)
		}
		e.metrics.Inc(MetricRefreshFailure)
		return RefreshResult{}, err
	}

	e.metrics.Inc(MetricRefreshSuccess)
	if res.Rotated {
		e.metrics.Inc(MetricRefreshRotated)
	}
	e.emitAudit(ctx, auditEventRefreshSuccess, true, sub, nil, map[string]string{"rotated": boolString(res.Rotated)})

	return RefreshResult{
		Tokens: TokenPair{
			AccessToken:      res.AccessToken,
			RefreshToken:     res.RefreshToken,
			AccessExpiresAt:  e.now().Add(e.config.Token.AccessTTL),
			RefreshExpiresAt: res.RefreshExpiresAt,
		},
		Rotated: res.Rotated,
	}, nil
}

func (e *Engine) refreshAccountStatus(ctx context.Context, tenantID, userID string) (error, error) {
	id, err := identity.ParseID(userID)
	if err != nil {
		return ErrInvalidToken, nil
	}
	u, err := e.users.ByID(ctx, tenantID, id)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return ErrSessionNotFound, nil
	case err != nil:
		return nil, err
	}
	return e.statusError(u), nil
}

func (e *Engine) refreshError(res flows.RefreshResult) error {
	fields := []zap.Field{zap.String("tenant", res.TenantID), zap.String("user", res.UserID), zap.String("device", res.DeviceID)}
	switch res.Failure {
	case flows.RefreshFailureNone:
		return nil
	case flows.RefreshFailureDecode, flows.RefreshFailureExpired:
		return ErrInvalidToken
	case flows.RefreshFailureDeviceMismatch:
		return ErrTokenDeviceMismatch
	case flows.RefreshFailureSessionNotFound:
		return ErrSessionNotFound
	case flows.RefreshFailureReuse:
		return ErrReuseDetected
	case flows.RefreshFailureAccountStatus:
		return res.Err
	default:
		return e.serverError("refresh", res.Err, fields...)
	}
}

// Logout clears the refresh token of one session. Logging out a session
// that is already logged out succeeds with AlreadyLoggedOut set.
func (e *Engine) Logout(ctx context.Context, sessionID string) (LogoutResult, error) {
	tenantID := tenantIDFromContext(ctx)
	if sessionID == "" {
		return LogoutResult{}, ErrInvalidInput
	}
	return e.finishLogout(ctx, flows.RunLogout(ctx, tenantID, sessionID, e.logoutDeps()))
}

// LogoutByAccessToken logs out the session the access token belongs to.
func (e *Engine) LogoutByAccessToken(ctx context.Context, accessToken, deviceID string) (LogoutResult, error) {
	if accessToken == "" || deviceID == "" {
		return LogoutResult{}, ErrInvalidInput
	}
	return e.finishLogout(ctx, flows.RunLogoutByAccessToken(ctx, accessToken, deviceID, e.logoutDeps()))
}

func (e *Engine) finishLogout(ctx context.Context, res flows.LogoutResult) (LogoutResult, error) {
	sub := auditSubject{tenantID: res.TenantID, userID: res.UserID, deviceID: res.DeviceID, sessionID: res.SessionID}
	if res.Err != nil {
		var err error
		switch {
		case errors.Is(res.Err, session.ErrNotFound):
			err = ErrSessionNotFound
		case errors.Is(res.Err, flows.ErrDeviceMismatch):
			err = ErrTokenDeviceMismatch
		case errors.Is(res.Err, flows.ErrTenantMismatch),
			errors.Is(res.Err, token.ErrExpiredToken),
			errors.Is(res.Err, token.ErrInvalidSignature),
			errors.Is(res.Err, token.ErrMalformedToken):
			err = ErrInvalidToken
		default:
			err = e.serverError("logout", res.Err, zap.String("tenant", res.TenantID), zap.String("session", res.SessionID))
		}
		e.emitAudit(ctx, auditEventLogoutSession, false, sub, err, nil)
		return LogoutResult{}, err
	}

	e.metrics.Inc(MetricLogout)
	if !res.AlreadyLoggedOut {
		e.metrics.Inc(MetricSessionInvalidated)
	}
	e.emitAudit(ctx, auditEventLogoutSession, true, sub, nil, map[string]string{"already_logged_out": boolString(res.AlreadyLoggedOut)})
	return LogoutResult{AlreadyLoggedOut: res.AlreadyLoggedOut}, nil
}

// LogoutAll invalidates every live session of the user. It is best effort:
// sessions that could not be invalidated are counted in Failed and the
// call can be retried. Only a failure to enumerate sessions is an error.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (LogoutAllResult, error) {
	tenantID := tenantIDFromContext(ctx)
	if _, err := identity.ParseID(userID); err != nil {
		return LogoutAllResult{}, ErrInvalidInput
	}
	return e.logoutAll(ctx, tenantID, userID)
}

func (e *Engine) logoutAll(ctx context.Context, tenantID, userID string) (LogoutAllResult, error) {
	res := flows.RunLogoutAll(ctx, tenantID, userID, e.logoutDeps())
	sub := auditSubject{tenantID: tenantID, userID: userID}
	if res.Err != nil && res.Failed == 0 {
		err := e.serverError("logout_all", res.Err, zap.String("tenant", tenantID), zap.String("user", userID))
		e.emitAudit(ctx, auditEventLogoutAll, false, sub, err, nil)
		return LogoutAllResult{}, err
	}

	out := LogoutAllResult{Invalidated: res.Invalidated, Failed: res.Failed}
	e.metrics.Inc(MetricLogoutAll)
	e.metrics.Add(MetricSessionInvalidated, uint64(res.Invalidated))
	if out.Partial() {
		e.metrics.Inc(MetricLogoutAllPartial)
		e.log.Warn("logout all incomplete",
			zap.String("tenant", tenantID),
			zap.String("user", userID),
			zap.Int("failed", res.Failed),
			zap.Error(res.Err),
		)
	}
	e.emitAudit(ctx, auditEventLogoutAll, !out.Partial(), sub, nil, map[string]string{
		"invalidated": itoa(res.Invalidated),
		"failed":      itoa(res.Failed),
	})
	return out, nil
}

// ValidateAccess verifies an access token and checks that its session is
// still live. An access token outlives neither logout nor reuse detection.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken, deviceID string) (AccessClaims, error) {
	start := e.now()
	defer func() {
		e.metrics.Observe(MetricValidateLatency, e.now().Sub(start))
	}()

	if deviceID == "" {
		return AccessClaims{}, ErrInvalidInput
	}
	payload, err := e.codec.Verify(accessToken, token.KindAccess)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	if payload.TenantID != tenantIDFromContext(ctx) {
		return AccessClaims{}, ErrInvalidToken
	}
	if deviceID != payload.DeviceID {
		return AccessClaims{}, ErrTokenDeviceMismatch
	}

	sess, err := e.sessions.FindByUserDevice(ctx, payload.TenantID, payload.UserID, payload.DeviceID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return AccessClaims{}, ErrSessionNotFound
	case err != nil:
		return AccessClaims{}, e.serverError("validate_access", err, zap.String("tenant", payload.TenantID), zap.String("user", payload.UserID))
	}
	if !sess.Live(e.now(), e.config.Token.RefreshTTL) {
		return AccessClaims{}, ErrInvalidToken
	}

	return AccessClaims{
		TenantID:  payload.TenantID,
		UserID:    payload.UserID,
		DeviceID:  payload.DeviceID,
		SessionID: sess.ID,
		ExpiresAt: payload.ExpiresAt,
	}, nil
}

// codeFailure maps a failed code validation.
func (e *Engine) codeFailure(res verification.Result) error {
	switch res.Status {
	case verification.StatusMismatch:
		return ErrCodeMismatch.withRemaining(res.AttemptsRemaining, res.Message)
	case verification.StatusExpired:
		return ErrCodeExpired
	case verification.StatusExhausted:
		return ErrCodeExhausted
	case verification.StatusInvalidOrExpired:
		return ErrLinkInvalid
	default:
		return ErrVerificationNotFound
	}
}

// issueCode issues a verification artifact for key and sends it to the
// user. channel "" picks the user's preferred channel. ErrVerificationActive
// is returned together with the info of the active artifact.
func (e *Engine) issueCode(
	ctx context.Context,
	op string,
	u identity.User,
	key verification.Key,
	kind verification.Kind,
	channel verification.Channel,
) (VerificationInfo, error) {
	if channel == "" {
		channel = verification.ChannelEmail
		if u.Email == "" {
			channel = verification.ChannelPhone
		}
	}
	address := u.Email
	if channel == verification.ChannelPhone {
		address = u.Phone.Full
	}
	if address == "" {
		return VerificationInfo{}, ErrInvalidInput.withMessage("no address for the requested channel")
	}
	if kind == verification.KindLink && channel != verification.ChannelEmail {
		kind = verification.KindOTP
	}

	ttl := e.config.Verification.OTPTTL
	if kind == verification.KindLink {
		ttl = e.config.Verification.LinkTTL
	}
	out, err := e.verifier.Issue(ctx, verification.IssueRequest{
		Key:         key,
		Kind:        kind,
		Channel:     channel,
		TTL:         ttl,
		MaxAttempts: e.config.Verification.OTPMaxAttempts,
		CodeLength:  e.config.Verification.OTPLength,
	})
	if err != nil {
		return VerificationInfo{}, e.serverError(op, err, zap.String("tenant", key.TenantID), zap.String("user", key.UserID))
	}

	info := VerificationInfo{Purpose: key.Purpose, Kind: kind, Channel: channel}
	if out.Status == verification.IssueAlreadyActive {
		info.ExpiresAt = out.ActiveUntil
		return info, ErrVerificationActive.withMessage("a code was already sent and is still valid")
	}

	info.ExpiresAt = out.Artifact.Expiry()
	data := map[string]string{
		"purpose":    string(key.Purpose),
		"expires_at": info.ExpiresAt.UTC().Format(time.RFC3339),
	}
	tpl := notify.TemplateVerificationCode
	switch a := out.Artifact.(type) {
	case verification.OTP:
		data["code"] = a.Code
	case verification.Link:
		tpl = notify.TemplateVerificationLink
		data["token"] = a.Token
	}
	info.Dispatched = e.notifyAddress(ctx, key.TenantID, u, notify.Channel(channel), address, tpl, data)

	e.metrics.Inc(MetricVerificationIssued)
	e.emitAudit(ctx, auditEventVerificationIssued, true, auditSubject{tenantID: key.TenantID, userID: key.UserID, deviceID: key.DeviceID}, nil, map[string]string{
		"purpose": string(key.Purpose),
		"kind":    kind.String(),
		"channel": string(channel),
	})
	return info, nil
}
