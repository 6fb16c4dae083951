// Package internal holds helpers private to tenantAuth: random secrets,
// link token encoding and opaque token hashing.
//
// # Sub-packages
//
//   - async: bounded drop-on-full worker queue
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: step sequencing for credential, refresh and logout operations
//   - limiter: attempt limiter with lockout per context
//   - logger: zap construction shared by the binaries
//   - notify: async notification dispatch
//   - rate: Redis-backed fixed and sliding window admission
//   - stores: Redis implementations of the identity repositories
//   - verification: one-time code and link records
package internal
