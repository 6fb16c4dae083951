package tenantAuth

import (
	"context"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/internal/rate"
)

// Admit applies the per device, per user and device, and per route request
// limits. It runs ahead of, and independently from, the session state
// machine. A store failure is a server error; callers usually fail open.
func (e *Engine) Admit(ctx context.Context, req AdmissionRequest) (AdmissionDecision, error) {
	tenantID := tenantIDFromContext(ctx)
	d, err := e.admission.Admit(ctx, rate.Request{
		TenantID: tenantID,
		DeviceID: req.DeviceID,
		UserID:   req.UserID,
		Route:    req.Route,
	})
	if err != nil {
		return AdmissionDecision{}, e.serverError("admit", err, zap.String("tenant", tenantID), zap.String("route", req.Route))
	}
	if d.Allowed {
		return AdmissionDecision{Allowed: true}, nil
	}

	e.metrics.Inc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, auditSubject{tenantID: tenantID, userID: req.UserID, deviceID: req.DeviceID}, nil, map[string]string{
		"scope": d.Scope.String(),
		"route": req.Route,
	})
	return AdmissionDecision{Allowed: false, Scope: d.Scope.String(), RetryAfter: d.RetryAfter}, nil
}
