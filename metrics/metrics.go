// Package metrics reports counters, gauges and histograms to a Prometheus registry.
// Metric names are "asura_<group>_<name>"; a metric keeps the label set it was
// first reported with.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const _namespace = "asura"

type collector struct {
	policy    Policy
	labels    []string
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

type reporter struct {
	mu         sync.RWMutex
	registry   *prometheus.Registry
	collectors map[string]*collector
}

var _reporter = newReporter()

func newReporter() *reporter {
	return &reporter{
		registry:   prometheus.NewRegistry(),
		collectors: make(map[string]*collector),
	}
}

// Registry exposes the underlying registry, e.g. for extra collectors.
func Registry() *prometheus.Registry {
	return _reporter.registry
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_reporter.registry, promhttp.HandlerOpts{})
}

// IncrCounterWithGroup adds v to counter <group>_<name>.
func IncrCounterWithGroup(group, name string, v Value) {
	_reporter.report(group, name, v, PolicySum, nil)
}

// IncrCounterWithDimGroup adds v to a labelled counter.
func IncrCounterWithDimGroup(group, name string, v Value, dims Dimension) {
	_reporter.report(group, name, v, PolicySum, dims)
}

// UpdateGaugeWithGroup sets gauge <group>_<name> to v.
func UpdateGaugeWithGroup(group, name string, v Value) {
	_reporter.report(group, name, v, PolicySet, nil)
}

// UpdateGaugeWithDimGroup sets a labelled gauge.
func UpdateGaugeWithDimGroup(group, name string, v Value, dims Dimension) {
	_reporter.report(group, name, v, PolicySet, dims)
}

// ObserveWithGroup records v in histogram <group>_<name>.
func ObserveWithGroup(group, name string, v Value) {
	_reporter.report(group, name, v, PolicyHistogram, nil)
}

func labelNames(dims Dimension) []string {
	if len(dims) == 0 {
		return nil
	}
	names := make([]string, 0, len(dims))
	for k := range dims {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func (r *reporter) lookup(group, name string, policy Policy, dims Dimension) *collector {
	key := group + "/" + name
	r.mu.RLock()
	c, ok := r.collectors[key]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.collectors[key]; ok {
		return c
	}

	c = &collector{policy: policy, labels: labelNames(dims)}
	subsystem, metric := sanitize(group), sanitize(name)
	var col prometheus.Collector
	switch policy {
	case PolicySum:
		c.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace, Subsystem: subsystem, Name: metric, Help: group + " " + name,
		}, c.labels)
		col = c.counter
	case PolicySet:
		c.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: _namespace, Subsystem: subsystem, Name: metric, Help: group + " " + name,
		}, c.labels)
		col = c.gauge
	case PolicyHistogram:
		c.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace, Subsystem: subsystem, Name: metric, Help: group + " " + name,
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}, c.labels)
		col = c.histogram
	default:
		return nil
	}
	if err := r.registry.Register(col); err != nil {
		return nil
	}
	r.collectors[key] = c
	return c
}

func (r *reporter) report(group, name string, v Value, policy Policy, dims Dimension) {
	c := r.lookup(group, name, policy, dims)
	if c == nil || c.policy != policy {
		return
	}
	values := make([]string, len(c.labels))
	for i, l := range c.labels {
		values[i] = dims[l]
	}

	switch policy {
	case PolicySum:
		if ctr, err := c.counter.GetMetricWithLabelValues(values...); err == nil && v >= 0 {
			ctr.Add(float64(v))
		}
	case PolicySet:
		if g, err := c.gauge.GetMetricWithLabelValues(values...); err == nil {
			g.Set(float64(v))
		}
	case PolicyHistogram:
		if h, err := c.histogram.GetMetricWithLabelValues(values...); err == nil {
			h.Observe(float64(v))
		}
	}
}
