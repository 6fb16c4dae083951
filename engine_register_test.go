package tenantAuth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/notify"
)

func TestRegisterEnforcesAuthMode(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AuthMode = identity.AuthModeBoth })
	ctx := context.Background()

	_, err := env.engine.Register(ctx, RegisterRequest{Email: "ann@example.com", Password: testPassword, Device: newDevice()})
	require.ErrorIs(t, err, ErrInvalidInput)

	res, err := env.engine.Register(ctx, RegisterRequest{
		Email:            "ann@example.com",
		PhoneCountryCode: "+44",
		PhoneNumber:      "7700 900123",
		Password:         testPassword,
		Device:           newDevice(),
		Channel:          ChannelPhone,
	})
	require.NoError(t, err)
	assert.Equal(t, ChannelPhone, res.Verification.Channel)
	assert.Equal(t, VerificationOTP, res.Verification.Kind)

	msg := env.nextMessage(notify.TemplateVerificationCode)
	assert.Equal(t, "+447700900123", msg.Address)
}

func TestRegisterDuplicateAndCapacity(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Registration.Capacity = 2 })
	ctx := context.Background()

	_, err := env.engine.Register(ctx, RegisterRequest{Email: "ann@example.com", Password: testPassword, Device: newDevice()})
	require.NoError(t, err)

	_, err = env.engine.Register(ctx, RegisterRequest{Email: "ANN@example.com", Password: testPassword, Device: newDevice()})
	require.ErrorIs(t, err, ErrDuplicateIdentity)

	_, err = env.engine.Register(ctx, RegisterRequest{Email: "bob@example.com", Password: testPassword, Device: newDevice()})
	require.NoError(t, err)

	_, err = env.engine.Register(ctx, RegisterRequest{Email: "cat@example.com", Password: testPassword, Device: newDevice()})
	require.ErrorIs(t, err, ErrCapacityReached)
}

func TestRegisterTenantsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	acme := WithTenantID(context.Background(), "acme")
	globex := WithTenantID(context.Background(), "globex")

	env.registerVerified(acme, "ann@example.com")
	env.registerVerified(globex, "ann@example.com")

	_, err := env.engine.Login(globex, LoginRequest{Identifier: "ann@example.com", Password: testPassword, Device: newDevice()})
	require.NoError(t, err)
}

func TestConfirmOTPCountsDownThenConsumes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.engine.Register(ctx, RegisterRequest{Email: "ann@example.com", Password: testPassword, Device: newDevice()})
	require.NoError(t, err)
	code := env.nextMessage(notify.TemplateVerificationCode).Data["code"]

	for _, want := range []int{4, 3, 2} {
		err := env.engine.ConfirmOTP(ctx, res.UserID, PurposeRegistration, "", wrongCode(code))
		require.ErrorIs(t, err, ErrCodeMismatch)
		var ae *Error
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, want, ae.AttemptsRemaining)
	}

	require.NoError(t, env.engine.ConfirmOTP(ctx, res.UserID, PurposeRegistration, "", code))
	require.ErrorIs(t, env.engine.ConfirmOTP(ctx, res.UserID, PurposeRegistration, "", code), ErrVerificationNotFound)

	id, _ := identity.ParseID(res.UserID)
	u, err := env.users.ByID(ctx, "", id)
	require.NoError(t, err)
	assert.True(t, u.Verified)
}

func TestIssueVerificationWhileActiveConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.engine.Register(ctx, RegisterRequest{Email: "ann@example.com", Password: testPassword, Device: newDevice()})
	require.NoError(t, err)

	_, err = env.engine.IssueVerification(ctx, res.UserID, PurposeRegistration, "", "")
	require.ErrorIs(t, err, ErrVerificationActive)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestDeviceVerificationFailuresLockBucket(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Lockout.Overrides = map[LockoutContext]LockoutPolicy{
			LockoutDeviceVerification: {MaxAttempts: 2, LockoutDuration: 10 * time.Minute},
		}
	})
	ctx := context.Background()
	userID := env.registerVerified(ctx, "ann@example.com")
	device := newDevice()

	info, err := env.engine.IssueVerification(ctx, userID, PurposeDeviceVerification, device.ID, "")
	require.NoError(t, err)
	assert.True(t, info.Dispatched)
	code := env.nextMessage(notify.TemplateVerificationCode).Data["code"]

	require.ErrorIs(t, env.engine.ConfirmOTP(ctx, userID, PurposeDeviceVerification, device.ID, wrongCode(code)), ErrCodeMismatch)
	require.ErrorIs(t, env.engine.ConfirmOTP(ctx, userID, PurposeDeviceVerification, device.ID, wrongCode(code)), ErrLocked)
	require.ErrorIs(t, env.engine.ConfirmOTP(ctx, userID, PurposeDeviceVerification, device.ID, code), ErrLocked)
}

func TestConfirmLinkIsSingleUse(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.VerificationMode = ModeLink })
	ctx := context.Background()
	res, err := env.engine.Register(ctx, RegisterRequest{Email: "ann@example.com", Password: testPassword, Device: newDevice()})
	require.NoError(t, err)
	assert.Equal(t, VerificationLink, res.Verification.Kind)
	token := env.nextMessage(notify.TemplateVerificationLink).Data["token"]

	userID, err := env.engine.ConfirmLink(ctx, PurposeRegistration, token)
	require.NoError(t, err)
	assert.Equal(t, res.UserID, userID)

	_, err = env.engine.ConfirmLink(ctx, PurposeRegistration, token)
	require.ErrorIs(t, err, ErrLinkInvalid)

	env.login(ctx, "ann@example.com", newDevice())
}

func TestPasswordResetWithCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	device := newDevice()
	s := env.login(ctx, "ann@example.com", device)

	info, err := env.engine.RequestPasswordReset(ctx, "ann@example.com", "")
	require.NoError(t, err)
	assert.True(t, info.Dispatched)
	code := env.nextMessage(notify.TemplateVerificationCode).Data["code"]

	_, err = env.engine.ResetPassword(ctx, "ann@example.com", wrongCode(code), testNewPassword)
	require.ErrorIs(t, err, ErrCodeMismatch)

	out, err := env.engine.ResetPassword(ctx, "ann@example.com", code, testNewPassword)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Invalidated)

	_, err = env.engine.ValidateAccess(ctx, s.Tokens.AccessToken, device.ID)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = env.engine.Login(ctx, LoginRequest{Identifier: "ann@example.com", Password: testNewPassword, Device: device})
	require.NoError(t, err)
}

func TestPasswordResetChecksLockBeforeNewPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")

	_, err := env.engine.ResetPassword(ctx, "nobody@example.com", "123456", "short")
	require.ErrorIs(t, err, ErrVerificationNotFound)

	_, err = env.engine.RequestPasswordReset(ctx, "ann@example.com", "")
	require.NoError(t, err)
	code := env.nextMessage(notify.TemplateVerificationCode).Data["code"]
	for i := 0; i < 5; i++ {
		_, err = env.engine.ResetPassword(ctx, "ann@example.com", wrongCode(code), testNewPassword)
	}
	require.ErrorIs(t, err, ErrLocked)

	_, err = env.engine.ResetPassword(ctx, "ann@example.com", code, "short")
	require.ErrorIs(t, err, ErrLocked)
}

func TestPasswordResetUnknownIdentifierLooksNormal(t *testing.T) {
	env := newTestEnv(t)

	info, err := env.engine.RequestPasswordReset(context.Background(), "nobody@example.com", "")
	require.NoError(t, err)
	assert.False(t, info.Dispatched)
}

func TestPasswordResetWithLink(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RequireVerified = false; c.VerificationMode = ModeLink })
	ctx := context.Background()
	_, err := env.engine.Register(ctx, RegisterRequest{Email: "ann@example.com", Password: testPassword, Device: newDevice()})
	require.NoError(t, err)
	env.nextMessage(notify.TemplateVerificationLink)

	_, err = env.engine.RequestPasswordReset(ctx, "ann@example.com", ChannelEmail)
	require.NoError(t, err)
	token := env.nextMessage(notify.TemplateVerificationLink).Data["token"]

	_, err = env.engine.ResetPasswordWithLink(ctx, token, testNewPassword)
	require.NoError(t, err)
	_, err = env.engine.ResetPasswordWithLink(ctx, token, testNewPassword)
	require.ErrorIs(t, err, ErrLinkInvalid)

	_, err = env.engine.Login(ctx, LoginRequest{Identifier: "ann@example.com", Password: testNewPassword, Device: newDevice()})
	require.NoError(t, err)
}
