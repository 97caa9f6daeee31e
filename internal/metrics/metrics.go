// Package metrics keeps process-local counters, gauges and timers. The
// registry is served as JSON and, through Collector, in the Prometheus format.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
	Gauge   MetricType = "gauge"
)

const (
	// maxTimerSamples bounds the window percentiles are computed over.
	maxTimerSamples = 1000
	// minPercentileSamples is the smallest window that reports percentiles.
	minPercentileSamples = 10
)

type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description,omitempty"`
	LastUpdate  time.Time         `json:"last_update"`
}

// TimerMetric summarizes durations in milliseconds. Count, Sum, Min and Max
// cover every observation; P95 and P99 cover the most recent window only.
type TimerMetric struct {
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description,omitempty"`
	Count       int64             `json:"count"`
	Sum         float64           `json:"sum_ms"`
	Min         float64           `json:"min_ms"`
	Max         float64           `json:"max_ms"`
	Average     float64           `json:"avg_ms"`
	P95         float64           `json:"p95_ms,omitempty"`
	P99         float64           `json:"p99_ms,omitempty"`
}

type Snapshot struct {
	Counters  map[string]Metric      `json:"counters"`
	Timers    map[string]TimerMetric `json:"timers"`
	Gauges    map[string]Metric      `json:"gauges"`
	UptimeMs  int64                  `json:"uptime_ms"`
	Timestamp int64                  `json:"timestamp"`
}

// timerState is a TimerMetric plus a ring of recent samples.
type timerState struct {
	TimerMetric
	window []float64
	next   int
}

func (t *timerState) observe(ms float64) {
	if t.Count == 0 || ms < t.Min {
		t.Min = ms
	}
	if ms > t.Max {
		t.Max = ms
	}
	t.Count++
	t.Sum += ms

	if len(t.window) < maxTimerSamples {
		t.window = append(t.window, ms)
		return
	}
	t.window[t.next] = ms
	t.next = (t.next + 1) % maxTimerSamples
}

func (t *timerState) summary() TimerMetric {
	out := t.TimerMetric
	out.Labels = copyLabels(t.Labels)
	if t.Count > 0 {
		out.Average = t.Sum / float64(t.Count)
	}
	if len(t.window) >= minPercentileSamples {
		sorted := append([]float64(nil), t.window...)
		sort.Float64s(sorted)
		out.P95 = percentile(sorted, 0.95)
		out.P99 = percentile(sorted, 0.99)
	}
	return out
}

type Registry struct {
	mu        sync.RWMutex
	counters  map[string]*Metric
	gauges    map[string]*Metric
	timers    map[string]*timerState
	startTime time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*Metric),
		gauges:    make(map[string]*Metric),
		timers:    make(map[string]*timerState),
		startTime: time.Now(),
	}
}

var globalRegistry = NewRegistry()

func GetRegistry() *Registry {
	return globalRegistry
}

// series returns the metric stored under name and labels in set, creating
// it on first use. Callers hold r.mu.
func series(set map[string]*Metric, kind MetricType, name string, labels map[string]string, description string) *Metric {
	key := metricKey(name, labels)
	m, ok := set[key]
	if !ok {
		m = &Metric{Name: name, Type: kind, Labels: copyLabels(labels), Description: description}
		set[key] = m
	}
	m.LastUpdate = time.Now()
	return m
}

func (r *Registry) IncrementCounter(name string, labels map[string]string, description string) {
	r.AddToCounter(name, 1, labels, description)
}

func (r *Registry) AddToCounter(name string, value float64, labels map[string]string, description string) {
	r.mu.Lock()
	series(r.counters, Counter, name, labels, description).Value += value
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string, description string) {
	r.mu.Lock()
	series(r.gauges, Gauge, name, labels, description).Value = value
	r.mu.Unlock()
}

// AddToGauge moves a gauge by delta from zero, for values that go up and
// down such as open connections.
func (r *Registry) AddToGauge(name string, delta float64, labels map[string]string, description string) {
	r.mu.Lock()
	series(r.gauges, Gauge, name, labels, description).Value += delta
	r.mu.Unlock()
}

func (r *Registry) RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	ms := float64(duration) / float64(time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey(name, labels)
	t, ok := r.timers[key]
	if !ok {
		t = &timerState{TimerMetric: TimerMetric{Name: name, Labels: copyLabels(labels), Description: description}}
		r.timers[key] = t
	}
	t.observe(ms)
}

// GetAllMetrics copies every metric. Percentiles are computed here rather
// than on each observation.
func (r *Registry) GetAllMetrics() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Counters:  make(map[string]Metric, len(r.counters)),
		Gauges:    make(map[string]Metric, len(r.gauges)),
		Timers:    make(map[string]TimerMetric, len(r.timers)),
		UptimeMs:  time.Since(r.startTime).Milliseconds(),
		Timestamp: time.Now().Unix(),
	}
	for key, m := range r.counters {
		snap.Counters[key] = *m
	}
	for key, m := range r.gauges {
		snap.Gauges[key] = *m
	}
	for key, t := range r.timers {
		snap.Timers[key] = t.summary()
	}
	return snap
}

// CounterValue returns 0 for a counter that was never touched.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.counters[metricKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

func (r *Registry) GaugeValue(name string, labels map[string]string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.gauges[metricKey(name, labels)]
	if !ok {
		return 0, false
	}
	return m.Value, true
}

// metricKey renders name and labels in sorted label order, e.g.
// "pages_direction:after_result:ok".
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := sortedKeys(labels)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('_')
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(labels[k])
	}
	return b.String()
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// percentile expects sorted input.
func percentile(sorted []float64, p float64) float64 {
	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func IncrementCounter(name string, labels map[string]string, description string) {
	globalRegistry.IncrementCounter(name, labels, description)
}

func AddToCounter(name string, value float64, labels map[string]string, description string) {
	globalRegistry.AddToCounter(name, value, labels, description)
}

func SetGauge(name string, value float64, labels map[string]string, description string) {
	globalRegistry.SetGauge(name, value, labels, description)
}

func AddToGauge(name string, delta float64, labels map[string]string, description string) {
	globalRegistry.AddToGauge(name, delta, labels, description)
}

func RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	globalRegistry.RecordTimer(name, duration, labels, description)
}

func GetAllMetrics() Snapshot {
	return globalRegistry.GetAllMetrics()
}
