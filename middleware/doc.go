// Package middleware adapts [tenantAuth.Engine] to net/http.
//
//   - [RequestContext] copies the tenant, client IP and user agent of a
//     request into its context.
//   - [Guard] validates the bearer access token against the X-Device-ID
//     header and the live session.
//   - [Admit] applies request admission for one named route.
//
// All decisions are delegated to the engine; this package only maps
// headers in and error kinds out.
package middleware
