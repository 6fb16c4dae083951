package tenantAuth

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/audit"
	"github.com/MrEthical07/tenantAuth/internal/limiter"
	"github.com/MrEthical07/tenantAuth/internal/notify"
	"github.com/MrEthical07/tenantAuth/internal/rate"
	"github.com/MrEthical07/tenantAuth/internal/stores"
	"github.com/MrEthical07/tenantAuth/internal/verification"
	"github.com/MrEthical07/tenantAuth/password"
	"github.com/MrEthical07/tenantAuth/session"
	"github.com/MrEthical07/tenantAuth/token"
)

// Builder assembles an [Engine]. It is single use.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	log    *zap.Logger
	now    func() time.Time

	users   identity.Users
	devices identity.Devices
	mirror  session.Mirror
	sender  notify.Sender
	sink    audit.Sink

	built bool
}

// New returns a Builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the configuration with a deep copy of cfg.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client every Redis-backed component shares. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the engine logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.log = log
	return b
}

// WithClock injects the time source used by every component. Tests use it
// to step through lockouts and token expiry deterministically.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithUsers replaces the Redis user repository, e.g. with store/postgres.
func (b *Builder) WithUsers(users identity.Users) *Builder {
	b.users = users
	return b
}

// WithDevices replaces the Redis device repository.
func (b *Builder) WithDevices(devices identity.Devices) *Builder {
	b.devices = devices
	return b
}

// WithMirror sets the session mirror. Defaults to [session.NoopMirror].
func (b *Builder) WithMirror(m session.Mirror) *Builder {
	b.mirror = m
	return b
}

// WithNotifier sets the delivery channel for codes, links and account
// notices. Defaults to a sender that discards everything.
func (b *Builder) WithNotifier(s notify.Sender) *Builder {
	b.sender = s
	return b
}

// WithAuditSink sets where audit events go. Defaults to a zap sink on the
// engine logger.
func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.sink = sink
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	log := b.log
	if log == nil {
		log = zap.NewNop()
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MaxPasswordBytes: cfg.Password.MaxPasswordBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}
	// Unknown identifiers are checked against this digest so a miss costs
	// the same as a wrong password.
	dummy, err := hasher.Hash("tenant-auth-unknown-user")
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  []byte(cfg.Token.AccessSecret),
		RefreshSecret: []byte(cfg.Token.RefreshSecret),
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.Leeway,
		Now:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}

	sink := b.sink
	if sink == nil {
		sink = audit.NewZapSink(log.Named("audit"))
	}
	auditor, err := audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Async.AuditEnabled,
		BufferSize: cfg.Async.AuditBuffer,
		DropIfFull: true,
		NodeID:     cfg.Async.AuditNodeID,
	}, sink, log)
	if err != nil {
		return nil, fmt.Errorf("audit dispatcher: %w", err)
	}

	sender := b.sender
	if sender == nil {
		sender = notify.NoopSender{}
	}
	notifier := notify.NewDispatcher(notify.Config{
		BufferSize: cfg.Async.NotifyBuffer,
		Workers:    cfg.Async.NotifyWorkers,
		Timeout:    cfg.Async.NotifySendTimeout,
	}, sender, log)

	users := b.users
	if users == nil {
		users = stores.NewUsers(b.redis, now)
	}
	devices := b.devices
	if devices == nil {
		devices = stores.NewDevices(b.redis, now)
	}
	mirror := b.mirror
	if mirror == nil {
		mirror = session.NoopMirror{}
	}

	whitelist := make(map[string]struct{}, len(cfg.Admin.DeviceWhitelist))
	for _, id := range cfg.Admin.DeviceWhitelist {
		whitelist[id] = struct{}{}
	}

	b.built = true
	return &Engine{
		config:    cfg,
		log:       log,
		now:       now,
		users:     users,
		devices:   devices,
		hasher:    hasher,
		dummyHash: dummy,
		codec:     codec,
		limiter:   limiter.New(b.redis, now),
		verifier:  verification.NewStore(b.redis, now, cfg.Verification.RecordRetention),
		sessions:  session.NewStore(b.redis, now, cfg.Token.RefreshTTL),
		mirror:    mirror,
		admission: rate.New(b.redis, cfg.RateLimit.limiterConfig(), now),
		audit:     auditor,
		notify:    notifier,
		metrics:   NewMetrics(cfg.Metrics),
		whitelist: whitelist,
	}, nil
}
