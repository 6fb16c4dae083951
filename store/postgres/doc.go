// Package postgres stores users and devices in PostgreSQL through pgx.
//
// [Users] and [Devices] implement the identity repositories and can replace
// the Redis defaults with [tenantAuth.Builder.WithUsers] and
// [tenantAuth.Builder.WithDevices]. Sessions, verification records and
// limiter buckets stay in Redis. The schema is applied with goose from the
// embedded migrations when a [Connection] is opened.
package postgres
