package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes a Registry in the Prometheus data model. It is an
// unchecked collector: metric names and labels are only known at scrape time.
type Collector struct {
	registry *Registry
}

func NewCollector(r *Registry) *Collector {
	return &Collector{registry: r}
}

// Describe sends nothing, which marks the collector as unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.registry.GetAllMetrics()

	for _, m := range snap.Counters {
		desc, values := describe(m.Name, m.Description, m.Labels)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, m.Value, values...)
	}
	for _, m := range snap.Gauges {
		desc, values := describe(m.Name, m.Description, m.Labels)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, m.Value, values...)
	}
	for _, t := range snap.Timers {
		desc, values := describe(t.Name+"_milliseconds", t.Description, t.Labels)
		quantiles := map[float64]float64{}
		if t.P95 > 0 {
			quantiles[0.95] = t.P95
		}
		if t.P99 > 0 {
			quantiles[0.99] = t.P99
		}
		ch <- prometheus.MustNewConstSummary(desc, uint64(t.Count), t.Sum, quantiles, values...)
	}
}

// NewPrometheusRegistry returns a registry holding only r's metrics, so the
// scrape output is not mixed with process collectors registered elsewhere.
func NewPrometheusRegistry(r *Registry) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(r))
	return reg
}

func describe(name, help string, labels map[string]string) (*prometheus.Desc, []string) {
	keys := sortedKeys(labels)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	if help == "" {
		help = name
	}
	return prometheus.NewDesc(name, help, keys, nil), values
}
