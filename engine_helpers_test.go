package tenantAuth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/notify"
	"github.com/MrEthical07/tenantAuth/internal/stores"
)

const (
	testPassword    = "correct-horse-battery"
	testNewPassword = "staple-gun-lighthouse"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type outbox struct {
	msgs chan notify.Message
}

func (o *outbox) Send(_ context.Context, msg notify.Message) error {
	o.msgs <- msg
	return nil
}

type testEnv struct {
	t      *testing.T
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	clock  *testClock
	outbox *outbox
	users  *stores.Users
	engine *Engine
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.AccessSecret = strings.Repeat("a", 32)
	cfg.Token.RefreshSecret = strings.Repeat("r", 32)
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	box := &outbox{msgs: make(chan notify.Message, 64)}

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	users := stores.NewUsers(rdb, clock.Now)

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithClock(clock.Now).
		WithUsers(users).
		WithNotifier(box).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &testEnv{t: t, mr: mr, rdb: rdb, clock: clock, outbox: box, users: users, engine: engine}
}

// advance moves both the engine clock and Redis key expiry.
func (env *testEnv) advance(d time.Duration) {
	env.clock.mu.Lock()
	env.clock.now = env.clock.now.Add(d)
	env.clock.mu.Unlock()
	env.mr.FastForward(d)
}

// nextMessage waits for the next notification with template tpl, skipping
// any other notices queued before it.
func (env *testEnv) nextMessage(tpl notify.Template) notify.Message {
	env.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-env.outbox.msgs:
			if msg.Template == tpl {
				return msg
			}
		case <-deadline:
			env.t.Fatalf("no %s notification delivered", tpl)
			return notify.Message{}
		}
	}
}

// registerVerified registers email and confirms the registration code.
func (env *testEnv) registerVerified(ctx context.Context, email string) string {
	env.t.Helper()
	res, err := env.engine.Register(ctx, RegisterRequest{
		Email:    email,
		Password: testPassword,
		Device:   newDevice(),
	})
	require.NoError(env.t, err)

	msg := env.nextMessage(notify.TemplateVerificationCode)
	require.NoError(env.t, env.engine.ConfirmOTP(ctx, res.UserID, PurposeRegistration, "", msg.Data["code"]))
	return res.UserID
}

// createAdmin stores an active, verified administrator directly.
func (env *testEnv) createAdmin(ctx context.Context, email string) string {
	env.t.Helper()
	hash, err := env.engine.hasher.Hash(testPassword)
	require.NoError(env.t, err)
	u, err := env.users.Create(ctx, tenantIDFromContext(ctx), identity.User{
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		Verified:     true,
		Admin:        true,
	}, 0)
	require.NoError(env.t, err)
	return identity.FormatID(u.ID)
}

func (env *testEnv) login(ctx context.Context, email string, device DeviceInfo) LoginResult {
	env.t.Helper()
	res, err := env.engine.Login(ctx, LoginRequest{Identifier: email, Password: testPassword, Device: device})
	require.NoError(env.t, err)
	return res
}

func newDevice() DeviceInfo {
	return DeviceInfo{ID: uuid.NewString(), Name: "test", Class: identity.DeviceLaptop}
}
