package tenantAuth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/tenantAuth/internal/notify"
	"github.com/MrEthical07/tenantAuth/session"
)

func TestLoginIssuesTokensBoundToSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	device := newDevice()

	res := env.login(ctx, "ann@example.com", device)
	require.NotEmpty(t, res.Tokens.AccessToken)
	require.NotEmpty(t, res.Tokens.RefreshToken)
	assert.False(t, res.TwoFactorRequired)

	claims, err := env.engine.ValidateAccess(ctx, res.Tokens.AccessToken, device.ID)
	require.NoError(t, err)
	assert.Equal(t, res.UserID, claims.UserID)
	assert.Equal(t, res.SessionID, claims.SessionID)
	assert.Equal(t, "0", claims.TenantID)
}

func TestLoginUnknownIdentifierIsInvalidCredentials(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Login(context.Background(), LoginRequest{
		Identifier: "nobody@example.com",
		Password:   testPassword,
		Device:     newDevice(),
	})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsUnverifiedUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.engine.Register(ctx, RegisterRequest{Email: "ann@example.com", Password: testPassword, Device: newDevice()})
	require.NoError(t, err)

	_, err = env.engine.Login(ctx, LoginRequest{Identifier: "ann@example.com", Password: testPassword, Device: newDevice()})
	require.ErrorIs(t, err, ErrAccountUnverified)
}

func TestLoginLockoutHoldsCorrectPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	device := newDevice()

	for i := 1; i < 5; i++ {
		_, err := env.engine.Login(ctx, LoginRequest{Identifier: "ann@example.com", Password: "wrong-password-1", Device: device})
		require.ErrorIs(t, err, ErrInvalidCredentials)

		var ae *Error
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, 5-i, ae.AttemptsRemaining)
	}

	_, err := env.engine.Login(ctx, LoginRequest{Identifier: "ann@example.com", Password: "wrong-password-1", Device: device})
	require.ErrorIs(t, err, ErrLocked)

	_, err = env.engine.Login(ctx, LoginRequest{Identifier: "ann@example.com", Password: testPassword, Device: device})
	require.ErrorIs(t, err, ErrLocked)
	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.Positive(t, ae.RetryAfter)

	env.advance(16 * time.Minute)
	env.login(ctx, "ann@example.com", device)
}

func TestLoginBlockedDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	device := newDevice()
	env.login(ctx, "ann@example.com", device)

	_, err := env.engine.BlockDevice(ctx, device.ID)
	require.NoError(t, err)

	_, err = env.engine.Login(ctx, LoginRequest{Identifier: "ann@example.com", Password: testPassword, Device: device})
	require.ErrorIs(t, err, ErrDeviceBlocked)
}

func TestRefreshReuseDestroysSession(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Token.RotationThreshold = 0 })
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	device := newDevice()
	r1 := env.login(ctx, "ann@example.com", device).Tokens.RefreshToken

	env.advance(time.Second)
	out, err := env.engine.Refresh(ctx, r1, device.ID)
	require.NoError(t, err)
	require.True(t, out.Rotated)
	r2 := out.Tokens.RefreshToken
	require.NotEqual(t, r1, r2)

	_, err = env.engine.Refresh(ctx, r1, device.ID)
	require.ErrorIs(t, err, ErrReuseDetected)

	_, err = env.engine.Refresh(ctx, r2, device.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	assert.Equal(t, uint64(1), env.engine.MetricsSnapshot().Counters[MetricRefreshReuseDetected])
}

func TestRefreshBelowThresholdKeepsToken(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Token.RotationThreshold = time.Hour })
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	device := newDevice()
	r1 := env.login(ctx, "ann@example.com", device).Tokens.RefreshToken

	env.advance(10 * time.Minute)
	out, err := env.engine.Refresh(ctx, r1, device.ID)
	require.NoError(t, err)
	assert.False(t, out.Rotated)
	assert.Equal(t, r1, out.Tokens.RefreshToken)
	assert.NotEmpty(t, out.Tokens.AccessToken)

	env.advance(time.Hour)
	out, err = env.engine.Refresh(ctx, r1, device.ID)
	require.NoError(t, err)
	assert.True(t, out.Rotated)
	assert.NotEqual(t, r1, out.Tokens.RefreshToken)
}

func TestRefreshDeviceMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	r1 := env.login(ctx, "ann@example.com", newDevice()).Tokens.RefreshToken

	_, err := env.engine.Refresh(ctx, r1, newDevice().ID)
	require.ErrorIs(t, err, ErrTokenDeviceMismatch)
}

func TestEmptyDeviceIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	device := newDevice()
	res := env.login(ctx, "ann@example.com", device)

	_, err := env.engine.Refresh(ctx, res.Tokens.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.engine.ValidateAccess(ctx, res.Tokens.AccessToken, "")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.engine.LogoutByAccessToken(ctx, res.Tokens.AccessToken, "")
	require.ErrorIs(t, err, ErrInvalidInput)

	// Nothing above touched the session.
	out, err := env.engine.Refresh(ctx, res.Tokens.RefreshToken, device.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Tokens.AccessToken)
}

func TestRefreshOtherTenantIsInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := WithTenantID(context.Background(), "acme")
	env.registerVerified(ctx, "ann@example.com")
	device := newDevice()
	r1 := env.login(ctx, "ann@example.com", device).Tokens.RefreshToken

	_, err := env.engine.Refresh(WithTenantID(context.Background(), "globex"), r1, device.ID)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	device := newDevice()
	res := env.login(ctx, "ann@example.com", device)

	first, err := env.engine.Logout(ctx, res.SessionID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyLoggedOut)

	second, err := env.engine.Logout(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyLoggedOut)

	_, err = env.engine.ValidateAccess(ctx, res.Tokens.AccessToken, device.ID)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = env.engine.Logout(ctx, "no-such-session")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLogoutByAccessToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	device := newDevice()
	res := env.login(ctx, "ann@example.com", device)

	_, err := env.engine.LogoutByAccessToken(ctx, res.Tokens.AccessToken, newDevice().ID)
	require.ErrorIs(t, err, ErrTokenDeviceMismatch)

	out, err := env.engine.LogoutByAccessToken(ctx, res.Tokens.AccessToken, device.ID)
	require.NoError(t, err)
	assert.False(t, out.AlreadyLoggedOut)

	_, err = env.engine.Refresh(ctx, res.Tokens.RefreshToken, device.ID)
	require.ErrorIs(t, err, ErrReuseDetected)
}

func TestLogoutAllCoversEveryDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.registerVerified(ctx, "ann@example.com")
	devices := []DeviceInfo{newDevice(), newDevice(), newDevice()}
	for _, d := range devices {
		env.login(ctx, "ann@example.com", d)
	}

	out, err := env.engine.LogoutAll(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Invalidated)
	assert.False(t, out.Partial())

	again, err := env.engine.LogoutAll(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, again.Invalidated)
}

type failingMirror struct {
	session.NoopMirror
	revoked []string
}

func (m *failingMirror) Revoke(_ context.Context, _, sid string) error {
	m.revoked = append(m.revoked, sid)
	return errors.New("mirror offline")
}

func TestMirrorFailureDoesNotFailLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(ctx, "ann@example.com")
	res := env.login(ctx, "ann@example.com", newDevice())

	mirror := &failingMirror{}
	env.engine.mirror = mirror

	out, err := env.engine.Logout(ctx, res.SessionID)
	require.NoError(t, err)
	assert.False(t, out.AlreadyLoggedOut)
	assert.Equal(t, []string{res.SessionID}, mirror.revoked)
}

func TestTwoFactorLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.registerVerified(ctx, "ann@example.com")
	require.NoError(t, env.engine.SetTwoFactor(ctx, userID, testPassword, true))
	device := newDevice()

	res := env.login(ctx, "ann@example.com", device)
	require.True(t, res.TwoFactorRequired)
	require.NotNil(t, res.Challenge)
	assert.Empty(t, res.Tokens.AccessToken)
	code := env.nextMessage(notify.TemplateVerificationCode).Data["code"]

	again := env.login(ctx, "ann@example.com", device)
	require.True(t, again.TwoFactorRequired)
	assert.False(t, again.Challenge.Dispatched)

	_, err := env.engine.CompleteTwoFactorLogin(ctx, userID, device.ID, wrongCode(code))
	require.ErrorIs(t, err, ErrCodeMismatch)

	done, err := env.engine.CompleteTwoFactorLogin(ctx, userID, device.ID, code)
	require.NoError(t, err)
	assert.NotEmpty(t, done.Tokens.RefreshToken)

	_, err = env.engine.ValidateAccess(ctx, done.Tokens.AccessToken, device.ID)
	require.NoError(t, err)
}

func TestTwoFactorLockout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.registerVerified(ctx, "ann@example.com")
	require.NoError(t, env.engine.SetTwoFactor(ctx, userID, testPassword, true))
	device := newDevice()
	env.login(ctx, "ann@example.com", device)
	code := env.nextMessage(notify.TemplateVerificationCode).Data["code"]

	var err error
	for i := 0; i < 3; i++ {
		_, err = env.engine.CompleteTwoFactorLogin(ctx, userID, device.ID, wrongCode(code))
	}
	require.ErrorIs(t, err, ErrLocked)

	_, err = env.engine.CompleteTwoFactorLogin(ctx, userID, device.ID, code)
	require.ErrorIs(t, err, ErrLocked)
}

func TestTwoFactorLockoutSurvivesRetention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.registerVerified(ctx, "ann@example.com")
	require.NoError(t, env.engine.SetTwoFactor(ctx, userID, testPassword, true))
	device := newDevice()
	env.login(ctx, "ann@example.com", device)
	code := env.nextMessage(notify.TemplateVerificationCode).Data["code"]

	var err error
	for i := 0; i < 3; i++ {
		_, err = env.engine.CompleteTwoFactorLogin(ctx, userID, device.ID, wrongCode(code))
	}
	require.ErrorIs(t, err, ErrLocked)

	report, err := env.engine.RunRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sessions)

	_, err = env.engine.Login(ctx, LoginRequest{Identifier: "ann@example.com", Password: testPassword, Device: device})
	require.ErrorIs(t, err, ErrLocked)
	_, err = env.engine.CompleteTwoFactorLogin(ctx, userID, device.ID, code)
	require.ErrorIs(t, err, ErrLocked)
}

func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}
