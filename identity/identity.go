package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("identity not found")
	ErrDuplicate = errors.New("identity already exists")
	// ErrConflict reports a failed update precondition, usually because the
	// record is already in the requested state.
	ErrConflict = errors.New("identity state conflict")
	// ErrCapacity is returned when the next user id would exceed the
	// configured registration capacity.
	ErrCapacity = errors.New("registration capacity reached")
	ErrInvalid  = errors.New("invalid identity")
)

// AuthMode selects which identifiers a user must carry.
type AuthMode string

const (
	AuthModeEmail  AuthMode = "EMAIL"
	AuthModePhone  AuthMode = "PHONE"
	AuthModeBoth   AuthMode = "BOTH"
	AuthModeEither AuthMode = "EITHER"
)

func (m AuthMode) Valid() bool {
	switch m {
	case AuthModeEmail, AuthModePhone, AuthModeBoth, AuthModeEither:
		return true
	}
	return false
}

// DeviceClass is the coarse form factor reported by the client.
type DeviceClass string

const (
	DeviceMobile DeviceClass = "mobile"
	DeviceTablet DeviceClass = "tablet"
	DeviceLaptop DeviceClass = "laptop"
)

func (c DeviceClass) Valid() bool {
	switch c {
	case DeviceMobile, DeviceTablet, DeviceLaptop:
		return true
	}
	return false
}

// Phone is a phone number split into country code and local number. Full is
// the canonical "+<cc><number>" form used for lookups.
type Phone struct {
	CountryCode string
	Number      string
	Full        string
}

// NewPhone strips formatting characters and builds the canonical number.
func NewPhone(countryCode, number string) (Phone, error) {
	cc := digitsOnly(strings.TrimPrefix(strings.TrimSpace(countryCode), "+"))
	n := digitsOnly(number)
	if len(cc) == 0 || len(cc) > 3 || len(n) < 4 || len(cc)+len(n) > 15 {
		return Phone{}, fmt.Errorf("%w: phone number", ErrInvalid)
	}
	return Phone{CountryCode: cc, Number: n, Full: "+" + cc + n}, nil
}

func (p Phone) IsZero() bool { return p.Full == "" }

// CanonicalPhone returns the "+<digits>" lookup form of a full international
// number as typed by a user.
func CanonicalPhone(full string) (string, error) {
	s := strings.TrimSpace(full)
	if !strings.HasPrefix(s, "+") {
		return "", fmt.Errorf("%w: phone number", ErrInvalid)
	}
	d := digitsOnly(s[1:])
	if len(d) < 5 || len(d) > 15 {
		return "", fmt.Errorf("%w: phone number", ErrInvalid)
	}
	return "+" + d, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}
	return b.String()
}

// NormalizeEmail lower-cases and validates an address. An empty input stays
// empty.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email address", ErrInvalid)
	}
	return strings.ToLower(addr.Address), nil
}

// User is the identity record. ID is assigned by the store on Create.
type User struct {
	ID           uint64
	Email        string
	Phone        Phone
	PasswordHash string

	Active   bool
	Blocked  bool
	Verified bool
	Admin    bool

	TwoFactorEnabled    bool
	TwoFactorEnabledAt  time.Time
	TwoFactorDisabledAt time.Time

	CreatedAt         time.Time
	PasswordChangedAt time.Time
	ActivatedAt       time.Time
	DeactivatedAt     time.Time
}

// CheckIdentifiers enforces that exactly the identifiers mode requires are
// populated.
func (u User) CheckIdentifiers(mode AuthMode) error {
	hasEmail, hasPhone := u.Email != "", !u.Phone.IsZero()

	var ok bool
	switch mode {
	case AuthModeEmail:
		ok = hasEmail && !hasPhone
	case AuthModePhone:
		ok = hasPhone && !hasEmail
	case AuthModeBoth:
		ok = hasEmail && hasPhone
	case AuthModeEither:
		ok = hasEmail || hasPhone
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalid, mode)
	}
	if !ok {
		return fmt.Errorf("%w: identifiers do not match auth mode %s", ErrInvalid, mode)
	}
	return nil
}

// Device is a client installation identified by a client-generated UUID.
type Device struct {
	ID      string
	Name    string
	Class   DeviceClass
	Blocked bool
}

// ValidDeviceID reports whether id is a canonical UUID.
func ValidDeviceID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}

// FormatID renders a user id for keys and token claims.
func FormatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// ParseID is the inverse of FormatID.
func ParseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: user id %q", ErrInvalid, s)
	}
	return id, nil
}

// UserPatch lists the fields to change. Nil pointers are left alone. The
// Expect fields are preconditions checked atomically with the write; a
// mismatch yields ErrConflict.
type UserPatch struct {
	PasswordHash      *string
	Active            *bool
	Blocked           *bool
	Verified          *bool
	TwoFactorEnabled  *bool
	PasswordChangedAt *time.Time
	ActivatedAt       *time.Time
	DeactivatedAt     *time.Time

	TwoFactorEnabledAt  *time.Time
	TwoFactorDisabledAt *time.Time

	ExpectActive       *bool
	ExpectBlocked      *bool
	ExpectTwoFactor    *bool
	ExpectPasswordHash *string
}

// Ref addresses a user across tenants.
type Ref struct {
	TenantID string
	UserID   uint64
}

// Users persists users per tenant.
type Users interface {
	// Create assigns the next id. With capacity > 0 it fails with ErrCapacity
	// when that id would exceed capacity.
	Create(ctx context.Context, tenantID string, u User, capacity uint64) (User, error)
	ByID(ctx context.Context, tenantID string, id uint64) (User, error)
	ByEmail(ctx context.Context, tenantID, email string) (User, error)
	ByPhone(ctx context.Context, tenantID, full string) (User, error)
	Update(ctx context.Context, tenantID string, id uint64, patch UserPatch) (User, error)
	// DeleteDeactivatedBefore removes users deactivated before cutoff.
	DeleteDeactivatedBefore(ctx context.Context, cutoff time.Time) ([]Ref, error)
}

// Devices persists devices per tenant.
type Devices interface {
	// Upsert creates the device or refreshes its name and class. The blocked
	// flag is never changed by Upsert.
	Upsert(ctx context.Context, tenantID string, d Device) (Device, error)
	ByID(ctx context.Context, tenantID, id string) (Device, error)
	// SetBlocked returns ErrConflict if the device is already in that state.
	SetBlocked(ctx context.Context, tenantID, id string, blocked bool) (Device, error)
}

// Bool and Time return pointers for patch literals.
func Bool(v bool) *bool           { return &v }
func Time(v time.Time) *time.Time { return &v }
func String(v string) *string     { return &v }
