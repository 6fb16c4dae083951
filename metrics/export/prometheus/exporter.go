package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	tenantAuth "github.com/MrEthical07/tenantAuth"
	"github.com/MrEthical07/tenantAuth/metrics/export/internaldefs"
)

// MetricsSource is what the exporter reads. [tenantAuth.Engine] satisfies it.
type MetricsSource interface {
	MetricsSnapshot() tenantAuth.MetricsSnapshot
	AuditDropped() uint64
	NotifyDropped() uint64
}

// PrometheusExporter renders engine metrics in the Prometheus text
// exposition format.
type PrometheusExporter struct {
	source MetricsSource
}

// NewPrometheusExporter reads from engine.
func NewPrometheusExporter(engine *tenantAuth.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

func NewPrometheusExporterFromSource(source MetricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves Render.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the current metrics. It returns "" when metrics are
// disabled and nothing was dropped.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	notifyDropped := p.source.NotifyDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 && notifyDropped == 0 {
		return ""
	}

	w := textWriter{}
	w.Grow(8192)

	for _, def := range internaldefs.CounterDefs {
		w.counter(def.Name, def.Help, snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		nonCumulative := internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID])
		w.histogram(def.Name, def.Help, internaldefs.CumulativeBuckets(nonCumulative))
	}
	w.counter("tenantauth_audit_dropped_total", "Audit events dropped on a full queue.", dropped)
	w.counter("tenantauth_notify_dropped_total", "Notifications dropped on a full queue.", notifyDropped)

	return w.String()
}

// textWriter emits the Prometheus text exposition format.
type textWriter struct {
	strings.Builder
}

func (w *textWriter) header(name, help, kind string) {
	w.WriteString("# HELP " + name + " " + escapeHelp(help) + "\n")
	w.WriteString("# TYPE " + name + " " + kind + "\n")
}

func (w *textWriter) sample(name, labels string, value uint64) {
	w.WriteString(name)
	w.WriteString(labels)
	w.WriteByte(' ')
	w.WriteString(strconv.FormatUint(value, 10))
	w.WriteByte('\n')
}

func (w *textWriter) counter(name, help string, value uint64) {
	w.header(name, help, "counter")
	w.sample(name, "", value)
}

// histogram writes cumulative buckets. Snapshots carry no sum, so _sum is
// always 0.
func (w *textWriter) histogram(name, help string, cumulative [8]uint64) {
	w.header(name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		w.sample(name+"_bucket", `{le="`+le+`"}`, cumulative[i])
	}
	w.sample(name+"_count", "", cumulative[len(cumulative)-1])
	w.sample(name+"_sum", "", 0)
}

func escapeHelp(help string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(help)
}
