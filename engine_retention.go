package tenantAuth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/identity"
)

// RunRetention removes expired sessions, used or expired verification
// records and users deactivated for longer than
// [RetentionConfig.DeactivatedUserAfter]. Every part runs even when an
// earlier one fails; the report counts what was removed and the error joins
// the failures.
func (e *Engine) RunRetention(ctx context.Context) (RetentionReport, error) {
	var report RetentionReport
	var errs []error

	n, err := e.sessions.PurgeExpired(ctx)
	report.Sessions = n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = e.verifier.Purge(ctx)
	report.Verifications = n
	if err != nil {
		errs = append(errs, err)
	}

	if after := e.config.Retention.DeactivatedUserAfter; after > 0 {
		refs, err := e.users.DeleteDeactivatedBefore(ctx, e.now().Add(-after))
		report.Users = len(refs)
		if err != nil {
			errs = append(errs, err)
		}
		for _, ref := range refs {
			if err := e.limiter.Purge(ctx, ref.TenantID, identity.FormatID(ref.UserID)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	e.metrics.Add(MetricRetentionDeleted, uint64(report.Total()))
	e.emitAudit(ctx, auditEventRetentionSweep, len(errs) == 0, auditSubject{}, nil, map[string]string{
		"sessions":      itoa(report.Sessions),
		"verifications": itoa(report.Verifications),
		"users":         itoa(report.Users),
	})

	if err := errors.Join(errs...); err != nil {
		e.log.Error("retention sweep incomplete", zap.Int("removed", report.Total()), zap.Error(err))
		return report, ErrServer.wrap(err)
	}
	return report, nil
}
