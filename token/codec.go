package token

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind selects the signing secret and the expected token type.
type Kind uint8

const (
	KindAccess Kind = iota + 1
	KindRefresh
)

func (k Kind) String() string {
	switch k {
	case KindAccess:
		return "access"
	case KindRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

const minSecretBytes = 32

var (
	ErrExpiredToken     = errors.New("token expired")
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrMalformedToken   = errors.New("token malformed")
)

// Config carries the two independent HMAC secrets and the registered claim
// policy. Now defaults to time.Now.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	Now           func() time.Time
}

// Subject identifies who a token is issued to.
type Subject struct {
	TenantID string
	UserID   string
	DeviceID string
}

// Payload is the verified content of a token.
type Payload struct {
	TenantID  string
	UserID    string
	DeviceID  string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Claims is the JWT body shared by access and refresh tokens.
type Claims struct {
	UserID   string `json:"uid"`
	DeviceID string `json:"did"`
	TenantID string `json:"tid,omitempty"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// Codec signs and verifies HS256 tokens. Access and refresh tokens never
// share a secret, so a leaked refresh secret cannot mint access tokens.
type Codec struct {
	config Config
}

func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.AccessSecret) < minSecretBytes {
		return nil, fmt.Errorf("access secret must be at least %d bytes", minSecretBytes)
	}
	if len(cfg.RefreshSecret) < minSecretBytes {
		return nil, fmt.Errorf("refresh secret must be at least %d bytes", minSecretBytes)
	}
	if subtle.ConstantTimeCompare(cfg.AccessSecret, cfg.RefreshSecret) == 1 {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Codec{config: cfg}, nil
}

// Issue signs a token of the given kind for sub, valid for ttl.
func (c *Codec) Issue(sub Subject, kind Kind, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	if sub.UserID == "" || sub.DeviceID == "" {
		return "", errors.New("token subject requires user and device")
	}
	secret, err := c.secret(kind)
	if err != nil {
		return "", err
	}

	now := c.config.Now()
	claims := Claims{
		UserID:   sub.UserID,
		DeviceID: sub.DeviceID,
		TenantID: sub.TenantID,
		Type:     kind.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sub.UserID,
			Issuer:    c.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if c.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.config.Audience}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify checks signature, expiry and type and returns the payload. Errors
// are always one of ErrExpiredToken, ErrInvalidSignature or ErrMalformedToken.
func (c *Codec) Verify(tokenStr string, expected Kind) (Payload, error) {
	secret, err := c.secret(expected)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.config.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}
	if c.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.config.Issuer))
	}
	if c.config.Audience != "" {
		options = append(options, jwt.WithAudience(c.config.Audience))
	}

	claims := &Claims{}
	parsed, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return Payload{}, classify(err)
	}
	if !parsed.Valid {
		return Payload{}, ErrInvalidSignature
	}
	if claims.Type != expected.String() {
		return Payload{}, fmt.Errorf("%w: unexpected token type %q", ErrMalformedToken, claims.Type)
	}
	if claims.UserID == "" || claims.DeviceID == "" {
		return Payload{}, fmt.Errorf("%w: missing subject", ErrMalformedToken)
	}

	return Payload{
		TenantID:  claims.TenantID,
		UserID:    claims.UserID,
		DeviceID:  claims.DeviceID,
		TokenID:   claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (c *Codec) secret(kind Kind) ([]byte, error) {
	switch kind {
	case KindAccess:
		return c.config.AccessSecret, nil
	case KindRefresh:
		return c.config.RefreshSecret, nil
	default:
		return nil, fmt.Errorf("unsupported token kind %d", kind)
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}
