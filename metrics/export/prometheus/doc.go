// Package prometheus renders engine counters in the Prometheus text
// exposition format.
//
// [NewPrometheusExporter] wraps a [tenantAuth.Engine] and exposes an
// [http.Handler]. Counter names are prefixed tenantauth_ and end in _total;
// the single histogram is tenantauth_validate_latency_seconds. Nothing is
// registered in a global registry; callers mount the handler.
package prometheus
