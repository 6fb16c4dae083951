package flows

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/tenantAuth/internal/limiter"
	"github.com/MrEthical07/tenantAuth/session"
	"github.com/MrEthical07/tenantAuth/token"
)

type fakeLimiter struct {
	locked   bool
	failures int
	max      int
	resets   int
}

func (f *fakeLimiter) CheckLocked(context.Context, limiter.Ref) (limiter.LockState, error) {
	if f.locked {
		return limiter.LockState{Locked: true, RetryAfter: time.Minute}, nil
	}
	return limiter.LockState{}, nil
}

func (f *fakeLimiter) RecordFailure(_ context.Context, _ limiter.Ref, p limiter.Policy) (limiter.FailureResult, error) {
	f.failures++
	if f.failures >= p.MaxAttempts {
		f.locked = true
		return limiter.FailureResult{Locked: true, RetryAfter: p.LockoutDuration}, nil
	}
	return limiter.FailureResult{AttemptsRemaining: p.MaxAttempts - f.failures}, nil
}

func (f *fakeLimiter) Reset(context.Context, limiter.Ref) error {
	f.resets++
	f.failures = 0
	return nil
}

func plainVerify(password, hash string) (bool, error) {
	return password == hash, nil
}

var testPolicy = limiter.Policy{MaxAttempts: 3, LockoutDuration: 10 * time.Minute}

func TestCredentialCheckLocksAndStaysLocked(t *testing.T) {
	lim := &fakeLimiter{}
	deps := CredentialDeps{Limiter: lim, Verify: plainVerify}
	ref := limiter.UserRef("0", "1", limiter.ContextLogin)
	ctx := context.Background()

	res := RunCredentialCheck(ctx, ref, testPolicy, "wrong", "right", deps)
	assert.Equal(t, CredentialFailureMismatch, res.Failure)
	assert.Equal(t, 2, res.AttemptsRemaining)

	RunCredentialCheck(ctx, ref, testPolicy, "wrong", "right", deps)
	res = RunCredentialCheck(ctx, ref, testPolicy, "wrong", "right", deps)
	assert.Equal(t, CredentialFailureLocked, res.Failure)
	assert.Equal(t, 10*time.Minute, res.RetryAfter)

	res = RunCredentialCheck(ctx, ref, testPolicy, "right", "right", deps)
	assert.Equal(t, CredentialFailureLocked, res.Failure)
	assert.Zero(t, lim.resets)
}

func TestCredentialCheckResetsOnSuccess(t *testing.T) {
	lim := &fakeLimiter{}
	deps := CredentialDeps{Limiter: lim, Verify: plainVerify}
	ref := limiter.UserRef("0", "1", limiter.ContextLogin)

	RunCredentialCheck(context.Background(), ref, testPolicy, "wrong", "right", deps)
	res := RunCredentialCheck(context.Background(), ref, testPolicy, "right", "right", deps)
	assert.Equal(t, CredentialFailureNone, res.Failure)
	assert.Equal(t, 1, lim.resets)
}

func TestGuardedMutationOrder(t *testing.T) {
	var steps []string
	m := GuardedMutation{
		Ref:         limiter.UserRef("0", "1", limiter.ContextChangePassword),
		Policy:      testPolicy,
		Password:    "right",
		EncodedHash: "right",
		Mutate:      func(context.Context) error { steps = append(steps, "mutate"); return nil },
		Audit:       func(context.Context) { steps = append(steps, "audit") },
		Notify:      func(context.Context) { steps = append(steps, "notify") },
		LogoutAll: func(context.Context) LogoutAllResult {
			steps = append(steps, "logout-all")
			return LogoutAllResult{Invalidated: 1, Failed: 1}
		},
	}

	res := RunGuardedMutation(context.Background(), m, CredentialDeps{Limiter: &fakeLimiter{}, Verify: plainVerify})
	require.Equal(t, MutationFailureNone, res.Failure)
	assert.Equal(t, []string{"mutate", "audit", "notify", "logout-all"}, steps)
	require.NotNil(t, res.LogoutAll)
	assert.True(t, res.LogoutAll.Partial())
}

func TestGuardedMutationStopsOnWrongPassword(t *testing.T) {
	mutated := false
	m := GuardedMutation{
		Ref:         limiter.UserRef("0", "1", limiter.ContextDeactivation),
		Policy:      testPolicy,
		Password:    "wrong",
		EncodedHash: "right",
		Mutate:      func(context.Context) error { mutated = true; return nil },
	}

	res := RunGuardedMutation(context.Background(), m, CredentialDeps{Limiter: &fakeLimiter{}, Verify: plainVerify})
	assert.Equal(t, MutationFailureCredential, res.Failure)
	assert.Equal(t, CredentialFailureMismatch, res.Credential.Failure)
	assert.False(t, mutated)
}

type fakeSessions struct {
	sessions []session.Session
	failOn   string
	invalid  map[string]bool
}

func (f *fakeSessions) Invalidate(_ context.Context, _ string, sid string) (bool, error) {
	if sid == f.failOn {
		return false, errors.New("redis down")
	}
	if f.invalid == nil {
		f.invalid = map[string]bool{}
	}
	f.invalid[sid] = true
	return false, nil
}

func (f *fakeSessions) FindByUserDevice(context.Context, string, string, string) (session.Session, error) {
	return session.Session{}, session.ErrNotFound
}

func (f *fakeSessions) ListForUser(context.Context, string, string) ([]session.Session, error) {
	return f.sessions, nil
}

func (f *fakeSessions) ListForDevice(context.Context, string, string) ([]session.Session, error) {
	return f.sessions, nil
}

func TestLogoutAllReportsPartialFailure(t *testing.T) {
	store := &fakeSessions{
		sessions: []session.Session{
			{ID: "a", UserID: "1", RefreshHash: "h"},
			{ID: "b", UserID: "1", RefreshHash: "h"},
			{ID: "c", UserID: "1"},
		},
		failOn: "b",
	}

	res := RunLogoutAll(context.Background(), "0", "1", LogoutDeps{SessionStore: store})
	assert.Equal(t, 1, res.Invalidated)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.Partial())
	assert.Error(t, res.Err)
	assert.True(t, store.invalid["a"])
	assert.False(t, store.invalid["c"])
}

func TestBlockDeviceRules(t *testing.T) {
	store := &fakeSessions{sessions: []session.Session{{ID: "a", UserID: "9", RefreshHash: "h"}}}
	blocked := false
	deps := DeviceBlockDeps{
		Whitelisted: func(id string) bool { return id == "kiosk" },
		IsAdmin:     func(_ context.Context, _, userID string) (bool, error) { return userID == "9", nil },
		Live:        func(s session.Session) bool { return s.LoggedIn() },
		SetBlocked:  func(context.Context, string, string) error { blocked = true; return nil },
		Logout:      LogoutDeps{SessionStore: store},
	}
	ctx := context.Background()

	res := RunBlockDevice(ctx, "0", "kiosk", deps)
	assert.Equal(t, DeviceBlockFailureWhitelisted, res.Failure)

	res = RunBlockDevice(ctx, "0", "dev", deps)
	assert.Equal(t, DeviceBlockFailureAdminSession, res.Failure)
	assert.Equal(t, "9", res.AdminUserID)
	assert.False(t, blocked)

	store.sessions[0].UserID = "2"
	res = RunBlockDevice(ctx, "0", "dev", deps)
	require.Equal(t, DeviceBlockFailureNone, res.Failure)
	assert.True(t, blocked)
	assert.Equal(t, 1, res.Sessions.Invalidated)
}

type fakeCodec struct {
	payload token.Payload
	issued  int
}

func (c *fakeCodec) Issue(token.Subject, token.Kind, time.Duration) (string, error) {
	c.issued++
	return "tok-" + strconv.Itoa(c.issued), nil
}

func (c *fakeCodec) Verify(string, token.Kind) (token.Payload, error) {
	return c.payload, nil
}

type fakeRefreshStore struct {
	rotated int
	deleted int
	status  session.RotateStatus
}

func (f *fakeRefreshStore) Rotate(context.Context, string, string, string, string, string, time.Duration) (session.RotateStatus, string, error) {
	f.rotated++
	return f.status, "s1", nil
}

func (f *fakeRefreshStore) FindByUserDevice(context.Context, string, string, string) (session.Session, error) {
	return session.Session{ID: "s1"}, nil
}

func (f *fakeRefreshStore) Delete(context.Context, string, string, string) (bool, error) {
	f.deleted++
	return true, nil
}

func refreshDeps(store *fakeRefreshStore, codec *fakeCodec) RefreshDeps {
	return RefreshDeps{
		Codec:        codec,
		SessionStore: store,
		HashToken:    func(s string) string { return "h:" + s },
		AccessTTL:    time.Minute,
		RefreshTTL:   time.Hour,
	}
}

func TestRefreshStatusLookupFailureKeepsStoredToken(t *testing.T) {
	store := &fakeRefreshStore{status: session.RotateRotated}
	codec := &fakeCodec{payload: token.Payload{TenantID: "0", UserID: "1", DeviceID: "d1"}}
	deps := refreshDeps(store, codec)
	deps.AccountStatus = func(context.Context, string, string) (error, error) {
		return nil, errors.New("users unavailable")
	}

	res := RunRefresh(context.Background(), "r1", "d1", deps)
	assert.Equal(t, RefreshFailureStatusLookup, res.Failure)
	assert.Zero(t, store.rotated)
	assert.Zero(t, store.deleted)
	assert.Zero(t, codec.issued)
}

func TestRefreshDeniedAccountDropsSessionWithoutRotating(t *testing.T) {
	store := &fakeRefreshStore{status: session.RotateRotated}
	codec := &fakeCodec{payload: token.Payload{TenantID: "0", UserID: "1", DeviceID: "d1"}}
	deps := refreshDeps(store, codec)
	blocked := errors.New("blocked")
	deps.AccountStatus = func(context.Context, string, string) (error, error) { return blocked, nil }

	res := RunRefresh(context.Background(), "r1", "d1", deps)
	assert.Equal(t, RefreshFailureAccountStatus, res.Failure)
	assert.ErrorIs(t, res.Err, blocked)
	assert.Equal(t, "s1", res.SessionID)
	assert.Zero(t, store.rotated)
	assert.Equal(t, 1, store.deleted)
}

func TestRefreshMintsBothTokensBeforeRotating(t *testing.T) {
	store := &fakeRefreshStore{status: session.RotateRotated}
	codec := &fakeCodec{payload: token.Payload{TenantID: "0", UserID: "1", DeviceID: "d1"}}

	res := RunRefresh(context.Background(), "r1", "d1", refreshDeps(store, codec))
	require.Equal(t, RefreshFailureNone, res.Failure)
	assert.Equal(t, 1, store.rotated)
	assert.Equal(t, 2, codec.issued)
	assert.Equal(t, "tok-1", res.RefreshToken)
	assert.Equal(t, "tok-2", res.AccessToken)
	assert.True(t, res.Rotated)
}

func TestRefreshRequiresDeviceClaimMatch(t *testing.T) {
	store := &fakeRefreshStore{status: session.RotateRotated}
	codec := &fakeCodec{payload: token.Payload{TenantID: "0", UserID: "1", DeviceID: "d1"}}

	res := RunRefresh(context.Background(), "r1", "", refreshDeps(store, codec))
	assert.Equal(t, RefreshFailureDeviceMismatch, res.Failure)
	assert.Zero(t, store.rotated)
}
