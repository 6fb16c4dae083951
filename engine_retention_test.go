package tenantAuth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetentionRemovesExpiredState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gone := env.registerVerified(ctx, "ann@example.com")
	env.registerVerified(ctx, "bob@example.com")
	env.login(ctx, "ann@example.com", newDevice())
	require.NoError(t, env.engine.DeactivateAccount(ctx, gone, testPassword))

	report, err := env.engine.RunRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sessions)
	assert.Equal(t, 2, report.Verifications)
	assert.Zero(t, report.Users)

	env.advance(31 * 24 * time.Hour)
	report, err = env.engine.RunRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sessions)
	assert.Zero(t, report.Verifications)
	assert.Equal(t, 1, report.Users)
	assert.Equal(t, 2, report.Total())

	_, err = env.engine.Login(ctx, LoginRequest{Identifier: "ann@example.com", Password: testPassword, Device: newDevice()})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	env.login(ctx, "bob@example.com", newDevice())

	again, err := env.engine.RunRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Users)
}
