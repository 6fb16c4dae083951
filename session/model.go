package session

import "time"

// Session is the stored state of one user on one device.
type Session struct {
	ID       string
	TenantID string
	UserID   string
	DeviceID string

	// RefreshHash is the hex SHA-256 of the current refresh token, empty when
	// logged out.
	RefreshHash string

	IssuedAt     time.Time
	FirstSeenAt  time.Time
	LastLoginAt  time.Time
	LastLogoutAt time.Time
	LoginCount   int64
}

// LoggedIn reports whether a refresh token is currently bound.
func (s Session) LoggedIn() bool {
	return s.RefreshHash != ""
}

// Live reports whether the session still authorizes requests at now. An
// expired session is treated as logged out.
func (s Session) Live(now time.Time, refreshTTL time.Duration) bool {
	return s.LoggedIn() && now.Before(s.IssuedAt.Add(refreshTTL))
}

// RotateStatus is the outcome of Store.Rotate.
type RotateStatus uint8

const (
	RotateNotFound RotateStatus = iota + 1
	RotateExpired
	// RotateReuse means the presented token was not the stored one. The
	// session has been deleted.
	RotateReuse
	// RotateFresh means the token matched but is younger than the rotation
	// threshold; nothing was written.
	RotateFresh
	RotateRotated
)

func (s RotateStatus) String() string {
	switch s {
	case RotateNotFound:
		return "not_found"
	case RotateExpired:
		return "expired"
	case RotateReuse:
		return "reuse"
	case RotateFresh:
		return "fresh"
	case RotateRotated:
		return "rotated"
	default:
		return "unknown"
	}
}
