package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/orchestrator"
)

const meterName = "github.com/StricklySoft/stricklysoft-pipelines/pkg/telemetry"

var _ orchestrator.MetricsRecorder = (*MetricRecorder)(nil)

// MetricRecorder implements orchestrator.MetricsRecorder on the
// OpenTelemetry metric API. Names ending in _total are counters; every
// other name is a histogram. Instruments for names other than the
// orchestrator's own are created on first use.
type MetricRecorder struct {
	meter metric.Meter

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Float64Counter
}

// NewMetricRecorder creates a MetricRecorder on meter, or on the global
// meter provider when meter is nil.
func NewMetricRecorder(meter metric.Meter) (*MetricRecorder, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	r := &MetricRecorder{
		meter:      meter,
		histograms: make(map[string]metric.Float64Histogram),
		counters:   make(map[string]metric.Float64Counter),
	}
	duration, err := meter.Float64Histogram(orchestrator.MetricExecutionDuration,
		metric.WithDescription("Wall-clock duration of pipeline executions."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, wrapInstrumentError(err, orchestrator.MetricExecutionDuration)
	}
	cost, err := meter.Float64Histogram(orchestrator.MetricExecutionCost,
		metric.WithDescription("Total provider cost of pipeline executions."),
	)
	if err != nil {
		return nil, wrapInstrumentError(err, orchestrator.MetricExecutionCost)
	}
	total, err := meter.Float64Counter(orchestrator.MetricExecutionsTotal,
		metric.WithDescription("Terminal pipeline executions."),
	)
	if err != nil {
		return nil, wrapInstrumentError(err, orchestrator.MetricExecutionsTotal)
	}
	r.histograms[orchestrator.MetricExecutionDuration] = duration
	r.histograms[orchestrator.MetricExecutionCost] = cost
	r.counters[orchestrator.MetricExecutionsTotal] = total
	return r, nil
}

// RecordMetric implements orchestrator.MetricsRecorder. Instrument
// creation failures drop the observation.
func (r *MetricRecorder) RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) {
	opt := metric.WithAttributes(attributes(labels)...)
	if isCounter(name) {
		if c, ok := r.counter(name); ok {
			c.Add(ctx, value, opt)
		}
		return
	}
	if h, ok := r.histogram(name); ok {
		h.Record(ctx, value, opt)
	}
}

func (r *MetricRecorder) counter(name string) (metric.Float64Counter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c, true
	}
	c, err := r.meter.Float64Counter(name)
	if err != nil {
		return nil, false
	}
	r.counters[name] = c
	return c, true
}

func (r *MetricRecorder) histogram(name string) (metric.Float64Histogram, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h, true
	}
	h, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, false
	}
	r.histograms[name] = h
	return h, true
}

func isCounter(name string) bool {
	return strings.HasSuffix(name, "_total")
}

// attributes converts labels in key order.
func attributes(labels map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, attribute.String(k, labels[k]))
	}
	return out
}

func wrapInstrumentError(err error, name string) error {
	return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "telemetry: failed to create instrument %s", name)
}
