package verification

import "time"

// Purpose names what a verification artifact proves.
type Purpose string

const (
	PurposeRegistration       Purpose = "registration"
	PurposeForgotPassword     Purpose = "forgot_password"
	PurposeEmailVerification  Purpose = "email_verification"
	PurposePhoneVerification  Purpose = "phone_verification"
	PurposeDeviceVerification Purpose = "device_verification"
	PurposeTwoFactor          Purpose = "two_factor"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeRegistration,
		PurposeForgotPassword,
		PurposeEmailVerification,
		PurposePhoneVerification,
		PurposeDeviceVerification,
		PurposeTwoFactor:
		return true
	}
	return false
}

// Channel is the contact method an artifact is delivered over.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
)

// Mode is the configured verification style.
type Mode string

const (
	ModeOTP  Mode = "OTP"
	ModeLink Mode = "LINK"
)

// Kind discriminates the artifact union.
type Kind uint8

const (
	KindOTP Kind = iota + 1
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindOTP:
		return "otp"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

func parseKind(s string) Kind {
	switch s {
	case "otp":
		return KindOTP
	case "link":
		return KindLink
	}
	return 0
}

// KindFor picks the artifact kind. Links are only ever sent by email; the
// phone channel always uses OTP.
func KindFor(mode Mode, channel Channel) Kind {
	if mode == ModeLink && channel == ChannelEmail {
		return KindLink
	}
	return KindOTP
}

// Key identifies the single active artifact slot.
type Key struct {
	TenantID string
	UserID   string
	Purpose  Purpose
	DeviceID string
}

// Artifact is either an OTP or a Link. The plaintext secret only exists in
// this value; storage holds a salted hash.
type Artifact interface {
	Kind() Kind
	ArtifactID() string
	Expiry() time.Time
}

// OTP is a numeric one-time code.
type OTP struct {
	ID          string
	Code        string
	ExpiresAt   time.Time
	MaxAttempts int
}

func (o OTP) Kind() Kind         { return KindOTP }
func (o OTP) ArtifactID() string { return o.ID }
func (o OTP) Expiry() time.Time  { return o.ExpiresAt }

// Link is an opaque single-use token meant to be embedded in a URL.
type Link struct {
	ID        string
	Token     string
	ExpiresAt time.Time
}

func (l Link) Kind() Kind         { return KindLink }
func (l Link) ArtifactID() string { return l.ID }
func (l Link) Expiry() time.Time  { return l.ExpiresAt }

// Record is the persisted state of an artifact, without its secret.
type Record struct {
	ID          string
	Key         Key
	Kind        Kind
	Channel     Channel
	ExpiresAt   time.Time
	CreatedAt   time.Time
	Used        bool
	Attempts    int
	MaxAttempts int
}

// IssueRequest describes a new artifact.
type IssueRequest struct {
	Key         Key
	Kind        Kind
	Channel     Channel
	TTL         time.Duration
	MaxAttempts int
	CodeLength  int
}

// IssueStatus is the outcome of Issue.
type IssueStatus uint8

const (
	IssueIssued IssueStatus = iota + 1
	IssueAlreadyActive
)

// IssueResult carries the plaintext artifact when Status is IssueIssued, or
// the expiry of the blocking artifact when it is IssueAlreadyActive.
type IssueResult struct {
	Status      IssueStatus
	Artifact    Artifact
	ActiveUntil time.Time
}

// Status is the outcome of a validation.
type Status uint8

const (
	StatusValid Status = iota + 1
	StatusNotFound
	StatusExpired
	StatusMismatch
	StatusExhausted
	StatusInvalidOrExpired
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusExpired:
		return "EXPIRED"
	case StatusMismatch:
		return "MISMATCH"
	case StatusExhausted:
		return "EXHAUSTED"
	case StatusInvalidOrExpired:
		return "INVALID_OR_EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Result is returned by the validators instead of an error for every
// business outcome.
type Result struct {
	Status            Status
	AttemptsRemaining int
	Message           string
	Record            Record
}

// OK reports a successful validation.
func (r Result) OK() bool { return r.Status == StatusValid }
