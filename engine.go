package tenantAuth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal"
	"github.com/MrEthical07/tenantAuth/internal/audit"
	"github.com/MrEthical07/tenantAuth/internal/flows"
	"github.com/MrEthical07/tenantAuth/internal/limiter"
	"github.com/MrEthical07/tenantAuth/internal/notify"
	"github.com/MrEthical07/tenantAuth/internal/rate"
	"github.com/MrEthical07/tenantAuth/internal/verification"
	"github.com/MrEthical07/tenantAuth/password"
	"github.com/MrEthical07/tenantAuth/session"
	"github.com/MrEthical07/tenantAuth/token"
)

// Engine runs every authentication operation. It is safe for concurrent use
// and is built once through [Builder].
type Engine struct {
	config Config
	log    *zap.Logger
	now    func() time.Time

	users     identity.Users
	devices   identity.Devices
	hasher    *password.Argon2
	dummyHash string
	codec     *token.Codec
	limiter   *limiter.Limiter
	verifier  *verification.Store
	sessions  *session.Store
	mirror    session.Mirror
	admission *rate.Limiter
	audit     *audit.Dispatcher
	notify    *notify.Dispatcher
	metrics   *Metrics
	whitelist map[string]struct{}
}

// Close drains the audit and notification queues.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
	e.notify.Close()
}

// AuditDropped returns the number of audit events dropped because the
// queue was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// NotifyDropped returns the number of notifications dropped because the
// queue was full.
func (e *Engine) NotifyDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.notify.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Config returns a copy of the configuration the engine was built with.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// Ping reports the Redis round-trip time.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	return e.sessions.Ping(ctx)
}

// serverError logs err with its context and returns the generic error.
func (e *Engine) serverError(op string, err error, fields ...zap.Field) error {
	fields = append(fields, zap.String("op", op), zap.Error(err))
	e.log.Error("internal failure", fields...)
	return ErrServer.wrap(err)
}

func (e *Engine) policy(c limiter.Context) limiter.Policy {
	return e.config.Lockout.policy(c)
}

func (e *Engine) warnf(msg string, kv ...any) {
	e.log.Sugar().Warnw(msg, kv...)
}

func (e *Engine) credentialDeps() flows.CredentialDeps {
	return flows.CredentialDeps{
		Limiter: e.limiter,
		Verify:  e.verifyPassword,
	}
}

// verifyPassword treats an oversized plaintext as a plain mismatch.
func (e *Engine) verifyPassword(plaintext, encodedHash string) (bool, error) {
	ok, err := e.hasher.Verify(plaintext, encodedHash)
	if errors.Is(err, password.ErrPasswordTooLong) {
		return false, nil
	}
	return ok, err
}

func (e *Engine) logoutDeps() flows.LogoutDeps {
	return flows.LogoutDeps{
		TenantIDFromContext: tenantIDFromContext,
		Codec:               e.codec,
		SessionStore:        e.sessions,
		Mirror:              e.mirror,
		Warn:                e.warnf,
	}
}

// lookupByIdentifier finds a user by email or by full phone number.
func (e *Engine) lookupByIdentifier(ctx context.Context, tenantID, identifier string) (identity.User, error) {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "@") {
		email, err := identity.NormalizeEmail(identifier)
		if err != nil || email == "" {
			return identity.User{}, identity.ErrInvalid
		}
		return e.users.ByEmail(ctx, tenantID, email)
	}
	phone, err := identity.CanonicalPhone(identifier)
	if err != nil {
		return identity.User{}, err
	}
	return e.users.ByPhone(ctx, tenantID, phone)
}

// loadUser maps repository errors onto the taxonomy.
func (e *Engine) loadUser(ctx context.Context, op, tenantID, userID string) (identity.User, error) {
	id, err := identity.ParseID(userID)
	if err != nil {
		return identity.User{}, ErrInvalidInput.withMessage("invalid user id")
	}
	u, err := e.users.ByID(ctx, tenantID, id)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return identity.User{}, ErrNotFound.withMessage("user not found")
	case err != nil:
		return identity.User{}, e.serverError(op, err, zap.String("tenant", tenantID), zap.String("user", userID))
	}
	return u, nil
}

// statusError rejects users that may not hold a session.
func (e *Engine) statusError(u identity.User) error {
	switch {
	case u.Blocked:
		return ErrAccountBlocked
	case !u.Active:
		return ErrAccountInactive
	case e.config.RequireVerified && !u.Verified:
		return ErrAccountUnverified
	}
	return nil
}

// credentialError maps a failed credential check; nil when it passed.
func (e *Engine) credentialError(op string, res flows.CredentialResult, fields ...zap.Field) error {
	switch res.Failure {
	case flows.CredentialFailureNone:
		return nil
	case flows.CredentialFailureLocked:
		return lockedError(res.RetryAfter)
	case flows.CredentialFailureMismatch:
		return ErrInvalidCredentials.withRemaining(res.AttemptsRemaining, res.Message)
	default:
		return e.serverError(op, res.Err, fields...)
	}
}

// hashNewPassword applies the length policy and hashes a new password.
func (e *Engine) hashNewPassword(op, plaintext string) (string, error) {
	hash, err := e.hasher.Hash(plaintext)
	switch {
	case errors.Is(err, password.ErrPasswordTooShort), errors.Is(err, password.ErrPasswordTooLong):
		return "", ErrWeakPassword
	case err != nil:
		return "", e.serverError(op, err)
	}
	return hash, nil
}

// issuePair mints an access and a refresh token for the subject.
func (e *Engine) issuePair(sub token.Subject) (TokenPair, error) {
	now := e.now()
	access, err := e.codec.Issue(sub, token.KindAccess, e.config.Token.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := e.codec.Issue(sub, token.KindRefresh, e.config.Token.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  now.Add(e.config.Token.AccessTTL),
		RefreshExpiresAt: now.Add(e.config.Token.RefreshTTL),
	}, nil
}

func hashToken(tok string) string {
	return internal.HashToken(tok)
}

func validDevice(d DeviceInfo) bool {
	if !identity.ValidDeviceID(d.ID) {
		return false
	}
	return d.Class == "" || d.Class.Valid()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
