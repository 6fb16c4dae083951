// Package token signs and verifies the short-lived access tokens and the
// longer-lived refresh tokens bound to a (user, device) pair.
//
// Tokens are stateless proofs. Whether a refresh token is still the current
// one for its session is decided by the session store, not here.
package token
