// Package stores holds the Redis implementations of the identity
// repositories.
//
// Users and devices are Redis hashes. Every write is a single Lua script so
// that uniqueness, capacity and state preconditions are checked in the same
// step as the mutation. Booleans are stored as "1"/"0" and timestamps as
// unix milliseconds, with 0 meaning unset.
package stores
