// Package tenantAuth is a multi-tenant authentication engine: registration,
// password login with per-context lockout, two-factor login by one-time code,
// access and refresh tokens with rotation and reuse detection, account
// lifecycle changes and administrative blocking of users and devices.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// tenantAuth is the public surface. It exposes [Engine], [Builder], [Config],
// the [Error] taxonomy and request/result value types. Orchestration lives in
// internal/flows; Redis documents live in session, internal/stores,
// internal/limiter and internal/verification. Every state transition on a
// document is one Lua script, so no operation needs a multi-document
// transaction.
//
// # What this package must NOT do
//
//   - Expose Redis clients or internal stores in its public API.
//   - Return store or codec errors to callers; those become [KindServer]
//     errors and are logged with full context.
//   - Block a request on audit or notification delivery.
package tenantAuth
