// Package identity defines users and devices and the repositories that
// persist them. Implementations live in internal/stores (Redis) and
// store/postgres.
package identity
