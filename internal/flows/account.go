package flows

import (
	"context"

	"github.com/MrEthical07/tenantAuth/internal/limiter"
)

// MutationFailureKind classifies guarded mutation failures.
type MutationFailureKind int

const (
	MutationFailureNone MutationFailureKind = iota
	MutationFailureCredential
	MutationFailureMutate
)

// GuardedMutation describes one password-confirmed account change.
//
// Audit and Notify must not block; they enqueue onto async workers.
// LogoutAll is only set for password changes.
type GuardedMutation struct {
	Ref         limiter.Ref
	Policy      limiter.Policy
	Password    string
	EncodedHash string

	Mutate    func(ctx context.Context) error
	Audit     func(ctx context.Context)
	Notify    func(ctx context.Context)
	LogoutAll func(ctx context.Context) LogoutAllResult
}

// MutationResult carries the credential outcome, the mutation error and,
// for password changes, the logout-all report.
type MutationResult struct {
	Failure    MutationFailureKind
	Credential CredentialResult
	Err        error
	LogoutAll  *LogoutAllResult
}

// RunGuardedMutation verifies the password under the limiter, then applies
// the mutation, then fires audit and notification, then runs the optional
// logout-all. A failed logout-all never fails the mutation.
func RunGuardedMutation(ctx context.Context, m GuardedMutation, deps CredentialDeps) MutationResult {
	cred := RunCredentialCheck(ctx, m.Ref, m.Policy, m.Password, m.EncodedHash, deps)
	if cred.Failure != CredentialFailureNone {
		return MutationResult{Failure: MutationFailureCredential, Credential: cred, Err: cred.Err}
	}

	if err := m.Mutate(ctx); err != nil {
		return MutationResult{Failure: MutationFailureMutate, Err: err}
	}

	if m.Audit != nil {
		m.Audit(ctx)
	}
	if m.Notify != nil {
		m.Notify(ctx)
	}

	var res MutationResult
	if m.LogoutAll != nil {
		report := m.LogoutAll(ctx)
		res.LogoutAll = &report
	}
	return res
}
