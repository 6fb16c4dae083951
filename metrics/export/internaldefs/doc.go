// Package internaldefs holds the metric names and bucket bounds shared by
// the exporters, so Prometheus and OpenTelemetry output agree.
package internaldefs
