package rate

import "errors"

var (
	// ErrRateLimited is returned by Check when a request is refused.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps counter store failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
