package tenantAuth

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/limiter"
	"github.com/MrEthical07/tenantAuth/internal/rate"
	"github.com/MrEthical07/tenantAuth/internal/verification"
)

// Config is every input the engine consumes. It is passed by value to
// [Builder.WithConfig], deep-copied and validated once; the engine never
// mutates it afterwards.
type Config struct {
	AuthMode         identity.AuthMode `env:"AUTH_MODE" envDefault:"EMAIL"`
	VerificationMode verification.Mode `env:"VERIFICATION_MODE" envDefault:"OTP"`
	// RequireVerified rejects login and refresh for users that have not
	// confirmed their registration.
	RequireVerified bool `env:"REQUIRE_VERIFIED" envDefault:"true"`

	Token        TokenConfig        `envPrefix:"TOKEN_"`
	Password     PasswordConfig     `envPrefix:"PASSWORD_"`
	Verification VerificationConfig `envPrefix:"VERIFICATION_"`
	Lockout      LockoutConfig      `envPrefix:"LOCKOUT_"`
	Registration RegistrationConfig `envPrefix:"REGISTRATION_"`
	Admin        AdminConfig        `envPrefix:"ADMIN_"`
	Retention    RetentionConfig    `envPrefix:"RETENTION_"`
	RateLimit    RateLimitConfig    `envPrefix:"RATE_LIMIT_"`
	Async        AsyncConfig        `envPrefix:"ASYNC_"`
	Metrics      MetricsConfig      `envPrefix:"METRICS_"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig holds token lifetimes and the two signing secrets.
type TokenConfig struct {
	AccessTTL  time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"REFRESH_TTL" envDefault:"720h"`
	// RotationThreshold is the minimum refresh token age before a refresh
	// call rotates it. Younger tokens only get a new access token.
	RotationThreshold time.Duration `env:"ROTATION_THRESHOLD" envDefault:"1h"`
	AccessSecret      string        `env:"ACCESS_SECRET"`
	RefreshSecret     string        `env:"REFRESH_SECRET"`
	Issuer            string        `env:"ISSUER" envDefault:"tenant-auth"`
	Audience          string        `env:"AUDIENCE"`
	Leeway            time.Duration `env:"LEEWAY" envDefault:"30s"`
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds the Argon2id cost parameters.
type PasswordConfig struct {
	Memory           uint32 `env:"MEMORY_KB" envDefault:"65536"`
	Time             uint32 `env:"TIME" envDefault:"3"`
	Parallelism      uint8  `env:"PARALLELISM" envDefault:"2"`
	SaltLength       uint32 `env:"SALT_LENGTH" envDefault:"16"`
	KeyLength        uint32 `env:"KEY_LENGTH" envDefault:"32"`
	MaxPasswordBytes int    `env:"MAX_BYTES" envDefault:"1024"`
}

/*
====================================
VERIFICATION CONFIG
====================================
*/

// VerificationConfig bounds one-time codes and links.
type VerificationConfig struct {
	OTPLength      int           `env:"OTP_LENGTH" envDefault:"6"`
	OTPTTL         time.Duration `env:"OTP_TTL" envDefault:"10m"`
	OTPMaxAttempts int           `env:"OTP_MAX_ATTEMPTS" envDefault:"5"`
	LinkTTL        time.Duration `env:"LINK_TTL" envDefault:"24h"`
	// RecordRetention keeps used or expired records around for inspection
	// before the retention sweep removes them.
	RecordRetention time.Duration `env:"RECORD_RETENTION" envDefault:"24h"`
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig is the attempt limiter policy. Each context has its own
// bucket; Overrides replaces the default policy for individual contexts.
type LockoutConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	Duration    time.Duration `env:"DURATION" envDefault:"15m"`

	TwoFactorMaxAttempts int           `env:"TWO_FACTOR_MAX_ATTEMPTS" envDefault:"3"`
	TwoFactorDuration    time.Duration `env:"TWO_FACTOR_DURATION" envDefault:"15m"`

	Overrides map[limiter.Context]limiter.Policy
}

// policy returns the policy for one context.
func (c LockoutConfig) policy(ctx limiter.Context) limiter.Policy {
	if p, ok := c.Overrides[ctx]; ok {
		return p
	}
	if ctx == limiter.ContextTwoFactorLogin {
		return limiter.Policy{MaxAttempts: c.TwoFactorMaxAttempts, LockoutDuration: c.TwoFactorDuration}
	}
	return limiter.Policy{MaxAttempts: c.MaxAttempts, LockoutDuration: c.Duration}
}

/*
====================================
REGISTRATION CONFIG
====================================
*/

// RegistrationConfig bounds account creation. Capacity 0 means unbounded;
// otherwise registration is rejected once the next numeric id would exceed
// Capacity.
type RegistrationConfig struct {
	Capacity uint64 `env:"CAPACITY" envDefault:"0"`
}

/*
====================================
ADMIN CONFIG
====================================
*/

// AdminConfig holds administrative safety rails.
type AdminConfig struct {
	// DeviceWhitelist lists device ids that can never be blocked.
	DeviceWhitelist []string `env:"DEVICE_WHITELIST" envSeparator:","`
}

/*
====================================
RETENTION CONFIG
====================================
*/

// RetentionConfig controls the delete-many sweep.
type RetentionConfig struct {
	// DeactivatedUserAfter is how long a deactivated account is kept.
	DeactivatedUserAfter time.Duration `env:"DEACTIVATED_USER_AFTER" envDefault:"720h"`
	// Interval is how often a host runs [Engine.RunRetention].
	Interval time.Duration `env:"INTERVAL" envDefault:"1h"`
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig configures request admission. A zero limit disables a
// scope. Routes overrides the route rule per route name.
type RateLimitConfig struct {
	Window rate.Window `env:"WINDOW" envDefault:"fixed"`

	DeviceLimit      int           `env:"DEVICE_LIMIT" envDefault:"300"`
	DevicePeriod     time.Duration `env:"DEVICE_PERIOD" envDefault:"1m"`
	UserDeviceLimit  int           `env:"USER_DEVICE_LIMIT" envDefault:"120"`
	UserDevicePeriod time.Duration `env:"USER_DEVICE_PERIOD" envDefault:"1m"`
	RouteLimit       int           `env:"ROUTE_LIMIT" envDefault:"30"`
	RoutePeriod      time.Duration `env:"ROUTE_PERIOD" envDefault:"1m"`

	Routes map[string]rate.Rule
}

func (c RateLimitConfig) limiterConfig() rate.Config {
	out := rate.Config{
		Device:     rate.Rule{Limit: c.DeviceLimit, Period: c.DevicePeriod, Window: c.Window},
		UserDevice: rate.Rule{Limit: c.UserDeviceLimit, Period: c.UserDevicePeriod, Window: c.Window},
		Route:      rate.Rule{Limit: c.RouteLimit, Period: c.RoutePeriod, Window: c.Window},
	}
	if len(c.Routes) > 0 {
		out.Routes = make(map[string]rate.Rule, len(c.Routes))
		for k, v := range c.Routes {
			out.Routes[k] = v
		}
	}
	return out
}

/*
====================================
ASYNC CONFIG
====================================
*/

// AsyncConfig sizes the audit and notification workers. Both drop work
// when their buffer is full rather than block a request.
type AsyncConfig struct {
	AuditEnabled      bool          `env:"AUDIT_ENABLED" envDefault:"true"`
	AuditBuffer       int           `env:"AUDIT_BUFFER" envDefault:"1024"`
	AuditNodeID       int64         `env:"AUDIT_NODE_ID" envDefault:"1"`
	NotifyBuffer      int           `env:"NOTIFY_BUFFER" envDefault:"1024"`
	NotifyWorkers     int           `env:"NOTIFY_WORKERS" envDefault:"4"`
	NotifySendTimeout time.Duration `env:"NOTIFY_SEND_TIMEOUT" envDefault:"10s"`
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool `env:"ENABLED" envDefault:"true"`
	EnableLatencyHistograms bool `env:"LATENCY_HISTOGRAMS" envDefault:"false"`
}

// DefaultConfig returns the production defaults. Secrets are left empty and
// must be supplied.
func DefaultConfig() Config {
	return Config{
		AuthMode:         identity.AuthModeEmail,
		VerificationMode: verification.ModeOTP,
		RequireVerified:  true,
		Token: TokenConfig{
			AccessTTL:         15 * time.Minute,
			RefreshTTL:        30 * 24 * time.Hour,
			RotationThreshold: time.Hour,
			Issuer:            "tenant-auth",
			Leeway:            30 * time.Second,
		},
		Password: PasswordConfig{
			Memory:           64 * 1024,
			Time:             3,
			Parallelism:      2,
			SaltLength:       16,
			KeyLength:        32,
			MaxPasswordBytes: 1024,
		},
		Verification: VerificationConfig{
			OTPLength:       6,
			OTPTTL:          10 * time.Minute,
			OTPMaxAttempts:  5,
			LinkTTL:         24 * time.Hour,
			RecordRetention: 24 * time.Hour,
		},
		Lockout: LockoutConfig{
			MaxAttempts:          5,
			Duration:             15 * time.Minute,
			TwoFactorMaxAttempts: 3,
			TwoFactorDuration:    15 * time.Minute,
		},
		Retention: RetentionConfig{
			DeactivatedUserAfter: 30 * 24 * time.Hour,
			Interval:             time.Hour,
		},
		RateLimit: RateLimitConfig{
			Window:           rate.WindowFixed,
			DeviceLimit:      300,
			DevicePeriod:     time.Minute,
			UserDeviceLimit:  120,
			UserDevicePeriod: time.Minute,
			RouteLimit:       30,
			RoutePeriod:      time.Minute,
		},
		Async: AsyncConfig{
			AuditEnabled:      true,
			AuditBuffer:       1024,
			AuditNodeID:       1,
			NotifyBuffer:      1024,
			NotifyWorkers:     4,
			NotifySendTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfigFromEnv parses the process environment over the defaults and
// validates the result.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !c.AuthMode.Valid() {
		return fmt.Errorf("invalid auth mode %q", c.AuthMode)
	}
	if c.VerificationMode != verification.ModeOTP && c.VerificationMode != verification.ModeLink {
		return fmt.Errorf("invalid verification mode %q", c.VerificationMode)
	}

	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return errors.New("token ttl must be positive")
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL {
		return errors.New("access ttl must be shorter than refresh ttl")
	}
	if c.Token.RotationThreshold < 0 || c.Token.RotationThreshold >= c.Token.RefreshTTL {
		return errors.New("rotation threshold must be in [0, refresh ttl)")
	}
	if len(c.Token.AccessSecret) < 32 || len(c.Token.RefreshSecret) < 32 {
		return errors.New("token secrets must be at least 32 bytes")
	}
	if c.Token.AccessSecret == c.Token.RefreshSecret {
		return errors.New("access and refresh secrets must differ")
	}

	if c.Verification.OTPLength < 4 || c.Verification.OTPLength > 10 {
		return errors.New("otp length must be between 4 and 10")
	}
	if c.Verification.OTPTTL <= 0 || c.Verification.LinkTTL <= 0 {
		return errors.New("verification ttl must be positive")
	}
	if c.Verification.OTPMaxAttempts <= 0 {
		return errors.New("otp max attempts must be positive")
	}
	if c.Verification.RecordRetention < 0 {
		return errors.New("verification record retention must not be negative")
	}

	for _, lc := range limiter.Contexts() {
		p := c.Lockout.policy(lc)
		if p.MaxAttempts <= 0 || p.LockoutDuration <= 0 {
			return fmt.Errorf("lockout policy for %s must be positive", lc)
		}
	}

	if c.Retention.DeactivatedUserAfter <= 0 {
		return errors.New("deactivated user retention must be positive")
	}
	if c.Retention.Interval < 0 {
		return errors.New("retention interval must not be negative")
	}

	if c.RateLimit.Window != rate.WindowFixed && c.RateLimit.Window != rate.WindowSliding {
		return fmt.Errorf("invalid rate limit window %q", c.RateLimit.Window)
	}
	if c.RateLimit.DeviceLimit < 0 || c.RateLimit.UserDeviceLimit < 0 || c.RateLimit.RouteLimit < 0 {
		return errors.New("rate limits must not be negative")
	}

	if c.Async.AuditEnabled && c.Async.AuditBuffer <= 0 {
		return errors.New("audit buffer must be positive")
	}
	if c.Async.AuditNodeID < 0 || c.Async.AuditNodeID > 1023 {
		return errors.New("audit node id must be between 0 and 1023")
	}
	if c.Async.NotifyBuffer <= 0 || c.Async.NotifyWorkers <= 0 {
		return errors.New("notify buffer and workers must be positive")
	}

	return nil
}

func cloneConfig(in Config) Config {
	out := in
	if in.Admin.DeviceWhitelist != nil {
		out.Admin.DeviceWhitelist = append([]string(nil), in.Admin.DeviceWhitelist...)
	}
	if in.Lockout.Overrides != nil {
		out.Lockout.Overrides = make(map[limiter.Context]limiter.Policy, len(in.Lockout.Overrides))
		for k, v := range in.Lockout.Overrides {
			out.Lockout.Overrides[k] = v
		}
	}
	if in.RateLimit.Routes != nil {
		out.RateLimit.Routes = make(map[string]rate.Rule, len(in.RateLimit.Routes))
		for k, v := range in.RateLimit.Routes {
			out.RateLimit.Routes[k] = v
		}
	}
	return out
}
