// Package session persists the binding of one user to one device.
//
// # Layout
//
// Each (tenant, user, device) triple owns one Redis hash holding the SHA-256
// of the current refresh token, its issuance time and login counters. An
// empty refresh hash means the pair is logged out. A session id index and
// per-user and per-device sets make the record reachable from either side.
//
// Every mutation is one Lua script with its precondition inside, so rotation
// is a compare-and-swap on the stored refresh hash and a mismatch deletes the
// record in the same step.
//
// # Architecture boundaries
//
// This package stores hashes only. It does not verify tokens or decide
// policy; those live in the engine and internal/flows.
package session
