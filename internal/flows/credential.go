package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/tenantAuth/internal/limiter"
)

// CredentialFailureKind classifies credential check failures.
type CredentialFailureKind int

const (
	CredentialFailureNone CredentialFailureKind = iota
	CredentialFailureLocked
	CredentialFailureMismatch
	CredentialFailureLimiter
	CredentialFailureVerify
)

// AttemptLimiter is the subset of limiter.Limiter the flows use.
type AttemptLimiter interface {
	CheckLocked(ctx context.Context, ref limiter.Ref) (limiter.LockState, error)
	RecordFailure(ctx context.Context, ref limiter.Ref, policy limiter.Policy) (limiter.FailureResult, error)
	Reset(ctx context.Context, ref limiter.Ref) error
}

// CredentialDeps captures credential check dependencies.
type CredentialDeps struct {
	Limiter AttemptLimiter
	Verify  func(password, encodedHash string) (bool, error)
}

// CredentialResult reports the outcome of one guarded password check.
type CredentialResult struct {
	Failure           CredentialFailureKind
	Err               error
	RetryAfter        time.Duration
	AttemptsRemaining int
	Message           string
}

// RunCredentialCheck verifies password against encodedHash under the bucket
// ref. A locked bucket rejects the attempt before the hash is evaluated, so a
// correct password still reports locked.
func RunCredentialCheck(
	ctx context.Context,
	ref limiter.Ref,
	policy limiter.Policy,
	password, encodedHash string,
	deps CredentialDeps,
) CredentialResult {
	lock, err := deps.Limiter.CheckLocked(ctx, ref)
	if err != nil {
		return CredentialResult{Failure: CredentialFailureLimiter, Err: err}
	}
	if lock.Locked {
		return CredentialResult{Failure: CredentialFailureLocked, RetryAfter: lock.RetryAfter}
	}

	ok, err := deps.Verify(password, encodedHash)
	if err != nil {
		return CredentialResult{Failure: CredentialFailureVerify, Err: err}
	}
	if !ok {
		return recordMismatch(ctx, ref, policy, deps.Limiter)
	}

	if err := deps.Limiter.Reset(ctx, ref); err != nil {
		return CredentialResult{Failure: CredentialFailureLimiter, Err: err}
	}
	return CredentialResult{}
}

// RecordMismatch counts one failed attempt against ref and reports the
// resulting state. Callers validating something other than a password hash
// (a one-time code) use it directly.
func RecordMismatch(ctx context.Context, ref limiter.Ref, policy limiter.Policy, l AttemptLimiter) CredentialResult {
	return recordMismatch(ctx, ref, policy, l)
}

func recordMismatch(ctx context.Context, ref limiter.Ref, policy limiter.Policy, l AttemptLimiter) CredentialResult {
	res, err := l.RecordFailure(ctx, ref, policy)
	if err != nil {
		return CredentialResult{Failure: CredentialFailureLimiter, Err: err}
	}
	if res.Locked {
		return CredentialResult{
			Failure:    CredentialFailureLocked,
			RetryAfter: res.RetryAfter,
			Message:    res.Message,
		}
	}
	return CredentialResult{
		Failure:           CredentialFailureMismatch,
		AttemptsRemaining: res.AttemptsRemaining,
		Message:           res.Message,
	}
}
