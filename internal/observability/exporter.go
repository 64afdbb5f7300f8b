package observability

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// Exporter serves a registry in Prometheus text exposition format.
// https://prometheus.io/docs/instrumenting/exposition_formats/
type Exporter struct {
	registry *Registry
}

// NewExporter creates an exporter over the registry.
func NewExporter(registry *Registry) *Exporter {
	return &Exporter{registry: registry}
}

// ServeHTTP implements the /metrics endpoint.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(e.Format()))
}

// Format renders every registered metric.
func (e *Exporter) Format() string {
	var b strings.Builder

	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	for _, c := range e.registry.counters {
		writeMetric(&b, c.name, c.help, "counter", c.Value())
	}
	for _, g := range e.registry.gauges {
		writeMetric(&b, g.name, g.help, "gauge", g.Value())
	}
	for _, g := range e.registry.gaugeFuncs {
		writeMetric(&b, g.name, g.help, "gauge", g.Value())
	}
	return b.String()
}

func writeMetric(b *strings.Builder, name, help, kind string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(b, "%s %s\n", name, formatFloat(value))
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
