// Package password implements password hashing and verification with Argon2id.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] reports digests produced with weaker parameters so the
// caller can re-hash after the next successful login.
//
// # Errors
//
// Hashing failures surface as [ErrHashFailed]; unreadable digests as
// [ErrMalformedHash]. A failed hash never yields a usable-looking digest.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords. Callers supply plaintext and receive digests.
//   - Import any other tenantAuth package.
//   - Log plaintext passwords.
package password
