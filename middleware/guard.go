package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	tenantAuth "github.com/MrEthical07/tenantAuth"
)

// Header names read by the middleware.
const (
	HeaderDeviceID = "X-Device-ID"
	HeaderTenantID = "X-Tenant-ID"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the claims Guard stored for the request.
func ClaimsFromContext(ctx context.Context) (tenantAuth.AccessClaims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(tenantAuth.AccessClaims)
	return c, ok
}

// Guard rejects requests without a valid access token for a live session
// bound to the calling device. Run it after [RequestContext] so the tenant
// is known.
func Guard(engine *tenantAuth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			deviceID := r.Header.Get(HeaderDeviceID)
			if deviceID == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := engine.ValidateAccess(r.Context(), token, deviceID)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestContext attaches the X-Tenant-ID header, the remote address and
// the User-Agent to the request context.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tenant := r.Header.Get(HeaderTenantID); tenant != "" {
			ctx = tenantAuth.WithTenantID(ctx, tenant)
		}
		ctx = tenantAuth.WithClientIP(ctx, clientIP(r.RemoteAddr))
		ctx = tenantAuth.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
