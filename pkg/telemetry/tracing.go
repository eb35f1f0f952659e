package telemetry

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// ShutdownFunc flushes buffered spans and closes the exporter connection.
type ShutdownFunc func(ctx context.Context) error

// TracingConfig configures OTLP trace export. An empty endpoint disables
// export; spans then go to the no-op global provider.
type TracingConfig struct {
	Endpoint    string  `env:"ENDPOINT" yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `env:"INSECURE" envDefault:"true" yaml:"insecure" json:"insecure"`
	ServiceName string  `env:"SERVICE_NAME" envDefault:"stricklysoft-pipelines" yaml:"service_name" json:"service_name"`
	Environment string  `env:"ENVIRONMENT" envDefault:"local" yaml:"environment" json:"environment"`
	SampleRatio float64 `env:"SAMPLE_RATIO" envDefault:"1" yaml:"sample_ratio" json:"sample_ratio"`
}

// Validate implements config.Validator.
func (c *TracingConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return sserr.Newf(sserr.CodeValidationRange, "telemetry: sample ratio must be within [0, 1], got %g", c.SampleRatio)
	}
	return nil
}

// SetupTracing installs a global TracerProvider exporting to cfg.Endpoint
// over gRPC, and the W3C trace context and baggage propagators.
func SetupTracing(ctx context.Context, cfg TracingConfig) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	creds := credentials.NewClientTLSFromCert(nil, "")
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(stripScheme(cfg.Endpoint), grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeUnavailableDependency, "telemetry: failed to dial collector at %s", cfg.Endpoint)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "telemetry: failed to create trace exporter")
	}

	res, err := Resource(cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), conn.Close())
	}, nil
}

// Resource describes this process to the trace backend.
func Resource(cfg TracingConfig) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		// An empty schema URL merges with the SDK default of any version.
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "telemetry: failed to build resource")
	}
	return res, nil
}

// stripScheme removes an http:// or https:// prefix; grpc.NewClient
// expects host:port.
func stripScheme(endpoint string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if rest, ok := strings.CutPrefix(endpoint, prefix); ok {
			return rest
		}
	}
	return endpoint
}
