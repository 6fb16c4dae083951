package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	tenantAuth "github.com/MrEthical07/tenantAuth"
)

// Admit refuses requests over the configured rate with 429 and a
// Retry-After header. The user is taken from Guard's claims when present.
// Requests without a device header are counted per client address.
// Store failures let the request through.
func Admit(engine *tenantAuth.Engine, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				next.ServeHTTP(w, r)
				return
			}

			req := tenantAuth.AdmissionRequest{
				DeviceID: r.Header.Get(HeaderDeviceID),
				Route:    route,
			}
			if req.DeviceID == "" {
				// anonymous callers are counted per address
				req.DeviceID = "ip:" + clientIP(r.RemoteAddr)
			}
			if claims, ok := ClaimsFromContext(r.Context()); ok {
				req.UserID = claims.UserID
			}

			d, err := engine.Admit(r.Context(), req)
			if err != nil || d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Retry-After", retryAfter(d.RetryAfter))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
		})
	}
}

// retryAfter renders d in whole seconds, rounded up and at least one.
func retryAfter(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
