// See:
//   https://godoc.org/github.com/prometheus/client_golang/prometheus/push#Pusher.Push
//   https://prometheus.io/docs/instrumenting/pushing/
package telemetry

import (
	"context"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics is a prometheus.Collector holding one MetricSet per span kind.
type Metrics struct {
	labelNames       []string
	kindToMetricSets map[string]*MetricSet
}

// NewMetrics returns a Metrics object. Use a new instance of
// Metrics when not using the default Prometheus metrics registry, for
// example when wanting to control which metrics are added to a registry as
// opposed to automatically adding metrics via init functions.
func NewMetrics(name string, labelNames []string, counterOpts ...CounterOption) *Metrics {
	metricsets := map[string]*MetricSet{}
	for i := 0; i < len(labelNames); i++ {
		l := labelNames[i]
		metricsets[l] = NewMetricSet(name, labelNames[:i+1], counterOpts...)
	}

	return &Metrics{
		labelNames:       labelNames,
		kindToMetricSets: metricsets,
	}
}

// EnableHandlingTimeHistogram enables histograms being registered when
// registering the Metrics on a Prometheus registry.
func (m *Metrics) EnableHandlingTimeHistogram(opts ...HistogramOption) {
	for _, ms := range m.kindToMetricSets {
		ms.EnableHandlingTimeHistogram(opts...)
	}
}

// MetricSet returns the metrics of a span kind, or nil for unknown kinds.
func (m *Metrics) MetricSet(kind string) *MetricSet {
	return m.kindToMetricSets[kind]
}

func (m *Metrics) Describe(ch chan<- *prom.Desc) {
	for _, ms := range m.kindToMetricSets {
		ms.Describe(ch)
	}
}

func (m *Metrics) Collect(ch chan<- prom.Metric) {
	for _, ms := range m.kindToMetricSets {
		ms.Collect(ch)
	}
}

// pushBase can be something like http://pushgateway:9091 (for pushgateway)
// or http://pushgateway:9091/api/ui (for weaveworks/prom-aggregation-gateway)
func (m *Metrics) Push(ctx context.Context, pushBase, job string, grouping map[string]string) error {
	p := push.New(pushBase, job).Collector(m)
	for k, v := range grouping {
		p = p.Grouping(k, v)
	}
	return p.PushContext(ctx)
}
