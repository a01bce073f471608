package metrics

import (
	"math"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusExporter mirrors registry snapshots onto prometheus gauges so a
// scrape endpoint can watch a training run. Meter names like "_tp" are
// sanitized into valid prometheus identifiers.
type PrometheusExporter struct {
	mu        sync.Mutex
	namespace string
	registry  *prometheus.Registry
	gauges    map[string]prometheus.Gauge
}

func NewPrometheusExporter(namespace string) *PrometheusExporter {
	return &PrometheusExporter{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		gauges:    make(map[string]prometheus.Gauge),
	}
}

// Gatherer exposes the underlying prometheus registry for an HTTP handler.
func (e *PrometheusExporter) Gatherer() prometheus.Gatherer {
	return e.registry
}

// Publish pushes one snapshot onto the gauges. NaN values (undefined
// ratios) are skipped rather than exported.
func (e *PrometheusExporter) Publish(snapshot map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, value := range snapshot {
		if math.IsNaN(value) {
			continue
		}
		gauge, ok := e.gauges[name]
		if !ok {
			gauge = prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: e.namespace,
				Name:      sanitizeMetricName(name),
				Help:      "training metric " + name,
			})
			e.registry.MustRegister(gauge)
			e.gauges[name] = gauge
		}
		gauge.Set(value)
	}
}

func sanitizeMetricName(name string) string {
	name = strings.TrimPrefix(name, "_")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
