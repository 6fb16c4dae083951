// Package rate is the request admission layer. It counts requests per
// device, per user on a device and per route in Redis, independently of the
// session state machine.
//
// # Window semantics
//
// Fixed windows use INCR with PEXPIRE on the first hit. Sliding windows keep
// one sorted-set member per admitted request and trim members older than
// the period. Key prefixes:
//   - rl:d:  per device
//   - rl:ud: per user and device
//   - rl:r:  per route and device
package rate
