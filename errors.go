package tenantAuth

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the coarse class of a failure. Transports map kinds onto
// status codes; the Code of an [Error] carries the precise reason.
type ErrorKind uint8

const (
	// KindValidation is malformed or missing input the caller can correct.
	KindValidation ErrorKind = iota + 1
	// KindInvalidCredential is a wrong password, code or link. It is counted
	// against the attempt limiter.
	KindInvalidCredential
	// KindLocked is a time-bounded lockout. RetryAfter is set.
	KindLocked
	KindNotFound
	KindConflict
	// KindReuseDetected forces full re-authentication; the session is gone.
	KindReuseDetected
	KindForbidden
	// KindServer is an unexpected internal fault. Its message is generic.
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvalidCredential:
		return "invalid_credential"
	case KindLocked:
		return "locked"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindReuseDetected:
		return "reuse_detected"
	case KindForbidden:
		return "forbidden"
	case KindServer:
		return "server_error"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every Engine operation.
//
// errors.Is matches on Code when the target carries one and on Kind
// otherwise, so both errors.Is(err, ErrLocked) and
// errors.Is(err, &Error{Kind: KindLocked}) work.
type Error struct {
	Kind              ErrorKind
	Code              string
	Message           string
	RetryAfter        time.Duration
	AttemptsRemaining int
	Err               error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind != KindServer {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return t.Code == e.Code
	}
	return t.Kind == e.Kind
}

func (e *Error) withMessage(msg string) *Error {
	out := *e
	out.Message = msg
	return &out
}

func (e *Error) withRetry(d time.Duration) *Error {
	out := *e
	out.RetryAfter = d
	return &out
}

func (e *Error) withRemaining(n int, msg string) *Error {
	out := *e
	out.AttemptsRemaining = n
	if msg != "" {
		out.Message = msg
	}
	return &out
}

func (e *Error) wrap(err error) *Error {
	out := *e
	out.Err = err
	return &out
}

const genericServerMessage = "Something went wrong. Please try again later."

var (
	ErrInvalidInput = &Error{Kind: KindValidation, Code: "INVALID_INPUT", Message: "invalid input"}
	// ErrWeakPassword rejects a new password that does not meet the length policy.
	ErrWeakPassword = &Error{Kind: KindValidation, Code: "WEAK_PASSWORD", Message: "password does not meet the length policy"}

	ErrInvalidCredentials  = &Error{Kind: KindInvalidCredential, Code: "INVALID_CREDENTIALS", Message: "invalid credentials"}
	ErrInvalidToken        = &Error{Kind: KindInvalidCredential, Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenDeviceMismatch = &Error{Kind: KindInvalidCredential, Code: "TOKEN_DEVICE_MISMATCH", Message: "token was not issued to this device"}
	ErrCodeMismatch        = &Error{Kind: KindInvalidCredential, Code: "OTP_MISMATCH", Message: "invalid code"}
	ErrCodeExpired         = &Error{Kind: KindInvalidCredential, Code: "OTP_EXPIRED", Message: "code expired"}
	ErrCodeExhausted       = &Error{Kind: KindInvalidCredential, Code: "EXHAUSTED", Message: "too many attempts, request a new code"}
	ErrLinkInvalid         = &Error{Kind: KindInvalidCredential, Code: "INVALID_OR_EXPIRED", Message: "link is invalid or expired"}

	ErrLocked = &Error{Kind: KindLocked, Code: "LOCKED", Message: "too many failed attempts"}

	ErrSessionNotFound      = &Error{Kind: KindNotFound, Code: "SESSION_NOT_FOUND", Message: "session not found"}
	ErrNotFound             = &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: "not found"}
	ErrVerificationNotFound = &Error{Kind: KindNotFound, Code: "VERIFICATION_NOT_FOUND", Message: "no pending verification"}

	ErrVerificationActive = &Error{Kind: KindConflict, Code: "ALREADY_ACTIVE", Message: "a verification is already active"}
	ErrAlreadyInState     = &Error{Kind: KindConflict, Code: "ALREADY_IN_STATE", Message: "already in the requested state"}
	ErrDuplicateIdentity  = &Error{Kind: KindConflict, Code: "DUPLICATE_IDENTITY", Message: "email or phone already registered"}

	ErrReuseDetected = &Error{Kind: KindReuseDetected, Code: "REUSE_DETECTED", Message: "session revoked, sign in again"}

	ErrCapacityReached   = &Error{Kind: KindForbidden, Code: "CAPACITY_REACHED", Message: "registration is closed"}
	ErrAccountBlocked    = &Error{Kind: KindForbidden, Code: "ACCOUNT_BLOCKED", Message: "account blocked"}
	ErrAccountInactive   = &Error{Kind: KindForbidden, Code: "ACCOUNT_INACTIVE", Message: "account inactive"}
	ErrAccountUnverified = &Error{Kind: KindForbidden, Code: "ACCOUNT_UNVERIFIED", Message: "account not verified"}
	ErrDeviceBlocked     = &Error{Kind: KindForbidden, Code: "DEVICE_BLOCKED", Message: "device blocked"}
	ErrDeviceWhitelisted = &Error{Kind: KindForbidden, Code: "DEVICE_WHITELISTED", Message: "device is whitelisted and cannot be blocked"}
	ErrAdminSessionLive  = &Error{Kind: KindForbidden, Code: "ADMIN_SESSION_LIVE", Message: "device holds a live administrator session"}

	ErrServer = &Error{Kind: KindServer, Code: "SERVER_ERROR", Message: genericServerMessage}
)

// KindOf returns the kind of err. Errors that are not an [Error] are
// treated as server errors; nil yields 0.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServer
}

// PublicMessage returns the caller-facing message for err. Server errors
// never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindServer {
		return genericServerMessage
	}
	return e.Message
}

// lockedError renders a lockout with its wait time.
func lockedError(retry time.Duration) *Error {
	minutes := int((retry + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return ErrLocked.withRetry(retry).withMessage(fmt.Sprintf("Too many failed attempts. Try again in %d minute(s).", minutes))
}
