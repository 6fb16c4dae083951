package tenantAuth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/internal/flows"
	"github.com/MrEthical07/tenantAuth/internal/limiter"
	"github.com/MrEthical07/tenantAuth/internal/notify"
)

// passwordChangeNotice is shown when a password change could not end every
// other session.
const passwordChangeNotice = "Your password was changed, but some devices could not be signed out. Sign out of them manually or try again."

// lifecycleChange is one password-confirmed user mutation.
type lifecycleChange struct {
	op        string
	context   limiter.Context
	patch     identity.UserPatch
	event     string
	template  notify.Template
	metric    MetricID
	logoutAll bool
	// newPassword is hashed into the patch once the password check passes.
	newPassword string
	// allowInactive lets a deactivated user run the change.
	allowInactive bool
}

// runLifecycle verifies the password under the change's lockout bucket,
// applies the patch, queues the audit event and the notice and, when asked,
// ends every session of the user.
func (e *Engine) runLifecycle(ctx context.Context, userID, password string, c lifecycleChange) (*LogoutAllResult, error) {
	tenantID := tenantIDFromContext(ctx)
	sub := auditSubject{tenantID: tenantID, userID: userID}
	if password == "" {
		return nil, ErrInvalidInput
	}

	u, err := e.loadUser(ctx, c.op, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if u.Blocked {
		return nil, ErrAccountBlocked
	}
	if !u.Active && !c.allowInactive {
		return nil, ErrAccountInactive
	}

	var updated identity.User
	res := flows.RunGuardedMutation(ctx, flows.GuardedMutation{
		Ref:         limiter.UserRef(tenantID, userID, c.context),
		Policy:      e.policy(c.context),
		Password:    password,
		EncodedHash: u.PasswordHash,
		Mutate: func(ctx context.Context) error {
			patch := c.patch
			if c.newPassword != "" {
				hash, err := e.hashNewPassword(c.op, c.newPassword)
				if err != nil {
					return err
				}
				patch.PasswordHash = &hash
			}
			var err error
			updated, err = e.users.Update(ctx, tenantID, u.ID, patch)
			return err
		},
		Audit: func(ctx context.Context) {
			e.emitAudit(ctx, c.event, true, sub, nil, nil)
		},
		Notify: func(ctx context.Context) {
			e.notifyUser(ctx, tenantID, updated, c.template, nil)
		},
		LogoutAll: e.logoutAllStep(tenantID, userID, c.logoutAll),
	}, e.credentialDeps())

	switch res.Failure {
	case flows.MutationFailureCredential:
		err := e.credentialError(c.op, res.Credential, zap.String("tenant", tenantID), zap.String("user", userID))
		e.emitAudit(ctx, c.event, false, sub, err, nil)
		return nil, err
	case flows.MutationFailureMutate:
		var err error
		var authErr *Error
		switch {
		case errors.As(res.Err, &authErr):
			err = authErr
		case errors.Is(res.Err, identity.ErrConflict):
			err = ErrAlreadyInState
		case errors.Is(res.Err, identity.ErrNotFound):
			err = ErrNotFound.withMessage("user not found")
		default:
			err = e.serverError(c.op, res.Err, zap.String("tenant", tenantID), zap.String("user", userID))
		}
		e.emitAudit(ctx, c.event, false, sub, err, nil)
		return nil, err
	}

	e.metrics.Inc(c.metric)
	if res.LogoutAll == nil {
		return nil, nil
	}
	out := LogoutAllResult{Invalidated: res.LogoutAll.Invalidated, Failed: res.LogoutAll.Failed}
	return &out, nil
}

// logoutAllStep returns the logout-all step of a guarded mutation, or nil.
func (e *Engine) logoutAllStep(tenantID, userID string, enabled bool) func(context.Context) flows.LogoutAllResult {
	if !enabled {
		return nil
	}
	return func(ctx context.Context) flows.LogoutAllResult {
		out, err := e.logoutAll(ctx, tenantID, userID)
		if err != nil {
			// Sessions could not even be listed; report them as not ended.
			return flows.LogoutAllResult{Failed: 1, Err: err}
		}
		return flows.LogoutAllResult{Invalidated: out.Invalidated, Failed: out.Failed}
	}
}

// ActivateAccount reactivates a deactivated account after confirming the
// password.
func (e *Engine) ActivateAccount(ctx context.Context, userID, password string) error {
	now := e.now()
	_, err := e.runLifecycle(ctx, userID, password, lifecycleChange{
		op:      "activate_account",
		context: limiter.ContextActivation,
		patch: identity.UserPatch{
			ExpectActive: identity.Bool(false),
			Active:       identity.Bool(true),
			ActivatedAt:  &now,
		},
		event:         auditEventAccountActivated,
		template:      notify.TemplateAccountActivated,
		metric:        MetricAccountActivated,
		allowInactive: true,
	})
	return err
}

// DeactivateAccount deactivates the account after confirming the password.
// Deactivated users cannot log in or refresh; the retention sweep removes
// them once [RetentionConfig.DeactivatedUserAfter] has passed.
func (e *Engine) DeactivateAccount(ctx context.Context, userID, password string) error {
	now := e.now()
	_, err := e.runLifecycle(ctx, userID, password, lifecycleChange{
		op:      "deactivate_account",
		context: limiter.ContextDeactivation,
		patch: identity.UserPatch{
			ExpectActive:  identity.Bool(true),
			Active:        identity.Bool(false),
			DeactivatedAt: &now,
		},
		event:    auditEventAccountDeactivated,
		template: notify.TemplateAccountDeactivated,
		metric:   MetricAccountDeactivated,
	})
	return err
}

// ChangePassword replaces the password after confirming the current one and
// then signs the user out everywhere. The sign-out is best effort: when it
// is partial the change still stands and Notice is set.
func (e *Engine) ChangePassword(ctx context.Context, userID, current, next string) (ChangePasswordResult, error) {
	if next == "" || next == current {
		return ChangePasswordResult{}, ErrWeakPassword
	}
	now := e.now()
	report, err := e.runLifecycle(ctx, userID, current, lifecycleChange{
		op:      "change_password",
		context: limiter.ContextChangePassword,
		patch: identity.UserPatch{
			PasswordChangedAt: &now,
		},
		newPassword: next,
		event:       auditEventPasswordChange,
		template:    notify.TemplatePasswordChanged,
		metric:      MetricPasswordChangeSuccess,
		logoutAll:   true,
	})
	if err != nil {
		e.metrics.Inc(MetricPasswordChangeFailure)
		return ChangePasswordResult{}, err
	}

	out := ChangePasswordResult{}
	if report != nil {
		out.LogoutAll = *report
		if report.Partial() {
			out.Notice = passwordChangeNotice
		}
	}
	return out, nil
}

// SetTwoFactor turns two-factor login on or off after confirming the
// password. Asking for the current state fails with Conflict.
func (e *Engine) SetTwoFactor(ctx context.Context, userID, password string, enabled bool) error {
	now := e.now()
	patch := identity.UserPatch{
		ExpectTwoFactor:  identity.Bool(!enabled),
		TwoFactorEnabled: identity.Bool(enabled),
	}
	if enabled {
		patch.TwoFactorEnabledAt = &now
	} else {
		patch.TwoFactorDisabledAt = &now
	}
	_, err := e.runLifecycle(ctx, userID, password, lifecycleChange{
		op:       "set_two_factor",
		context:  limiter.ContextTwoFactorToggle,
		patch:    patch,
		event:    auditEventTwoFactorToggled,
		template: notify.TemplateTwoFactorChanged,
		metric:   MetricTwoFactorToggled,
	})
	return err
}
