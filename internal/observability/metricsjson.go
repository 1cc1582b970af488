package observability

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricSample is one label set and value within a MetricFamily.
type MetricSample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// MetricFamily is the structured-form analogue of one Prometheus text
// exposition block.
type MetricFamily struct {
	Name    string         `json:"name"`
	Help    string         `json:"help,omitempty"`
	Samples []MetricSample `json:"samples"`
}

// Snapshot gathers every metric registered with the default Prometheus
// registry into the structured form GET /metrics.json serves alongside the
// Prometheus text exposition at GET /metrics (spec.md §6).
func Snapshot() ([]MetricFamily, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}

	out := make([]MetricFamily, 0, len(families))
	for _, mf := range families {
		fam := MetricFamily{Name: mf.GetName(), Help: mf.GetHelp()}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			fam.Samples = append(fam.Samples, MetricSample{Labels: labels, Value: metricValue(m)})
		}
		out = append(out, fam)
	}
	return out, nil
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Histogram != nil:
		return m.Histogram.GetSampleSum()
	case m.Summary != nil:
		return m.Summary.GetSampleSum()
	default:
		return 0
	}
}
