// Package flows contains the orchestration behind every Engine operation.
//
// Each flow function (RunCredentialCheck, RunRefresh, RunLogoutAll,
// RunGuardedMutation, RunBlockDevice) accepts a typed dependency struct and
// returns a result carrying a failure kind. The root package maps failure
// kinds onto its error taxonomy and owns every resource the flows touch.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import tenantAuth (to avoid import cycles).
//   - Decide public error codes or messages.
package flows
