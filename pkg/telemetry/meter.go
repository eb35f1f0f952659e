package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// Metrics is an SDK meter provider read on demand. It backs a
// [MetricRecorder] in processes without a metrics exporter, such as the
// CLI, which reports the totals when it exits.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// SetupMetrics creates a meter provider described by cfg's resource. The
// global provider is left unchanged; pass [Metrics.Meter] to
// [NewMetricRecorder].
func SetupMetrics(cfg TracingConfig) (*Metrics, error) {
	res, err := Resource(cfg)
	if err != nil {
		return nil, err
	}
	reader := sdkmetric.NewManualReader()
	return &Metrics{
		provider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		),
		reader: reader,
	}, nil
}

// Meter returns the meter instruments are created on.
func (m *Metrics) Meter() metric.Meter {
	return m.provider.Meter(meterName)
}

// Totals collects the current readings and returns one value per
// instrument: the sum of a counter, or the sum of a histogram's recorded
// values.
func (m *Metrics) Totals(ctx context.Context) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "telemetry: failed to collect metrics")
	}
	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			switch data := mt.Data.(type) {
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[mt.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[mt.Name] += dp.Sum
				}
			}
		}
	}
	return out, nil
}

// Shutdown releases the provider. Readings are no longer available.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if err := m.provider.Shutdown(ctx); err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "telemetry: failed to shut down meter provider")
	}
	return nil
}
