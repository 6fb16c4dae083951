package flows

import "errors"

// ErrDeviceMismatch reports a token whose device claim differs from the
// device asserted by the caller.
var ErrDeviceMismatch = errors.New("token device mismatch")

// ErrTenantMismatch reports a token issued for another tenant.
var ErrTenantMismatch = errors.New("token tenant mismatch")
